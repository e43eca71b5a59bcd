package event

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/taskexchange/billing/internal/billing"
)

// Dispatcher decodes incoming envelopes and routes them to the
// event-to-ledger translator. It is the single consumer-side entry
// point: the broker layer hands it raw bodies and decides ack, retry
// or dead-letter from the returned error.
type Dispatcher struct {
	translator *billing.Translator
}

// NewDispatcher wires a Dispatcher.
func NewDispatcher(translator *billing.Translator) (*Dispatcher, error) {
	if translator == nil {
		return nil, fmt.Errorf("dispatcher translator is nil")
	}
	return &Dispatcher{translator: translator}, nil
}

// Handle processes one incoming message body.
func (dispatcher *Dispatcher) Handle(ctx context.Context, body []byte) error {
	var envelope Envelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if envelope.EventVersion > Version1 {
		// A newer contract this consumer cannot decode; dead-letter it
		// instead of acknowledging it as handled.
		return fmt.Errorf("%w: %s v%d", billing.ErrUnhandledEvent, envelope.EventName, envelope.EventVersion)
	}

	switch envelope.EventName {
	case NameTaskAssigned:
		var data WorkflowData
		if err := json.Unmarshal(envelope.Data, &data); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMalformedEnvelope, envelope.EventName, err)
		}
		return dispatcher.translator.TaskAssigned(ctx, envelope.EventID, envelope.EventName, envelope.EventTime, data.AssignedTaskID)
	case NameTaskFinished:
		var data WorkflowData
		if err := json.Unmarshal(envelope.Data, &data); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMalformedEnvelope, envelope.EventName, err)
		}
		return dispatcher.translator.TaskFinished(ctx, envelope.EventID, envelope.EventName, envelope.EventTime, data.AssignedTaskID)
	case NameTaskCreated, NameTaskUpdated:
		var data TaskData
		if err := json.Unmarshal(envelope.Data, &data); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMalformedEnvelope, envelope.EventName, err)
		}
		return dispatcher.translator.TaskUpserted(ctx, billing.TaskMirror{
			ID:               data.ID,
			Name:             data.Name,
			Description:      data.Description,
			AssignedWorkerID: data.AssignedWorkerID,
			AssignPrice:      data.AssignPrice,
			FinishPrice:      data.FinishPrice,
		})
	case NameUserCreated, NameUserUpdated:
		var data UserData
		if err := json.Unmarshal(envelope.Data, &data); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMalformedEnvelope, envelope.EventName, err)
		}
		return dispatcher.translator.WorkerUpserted(ctx, billing.WorkerMirror{
			ID:    data.ID,
			Login: data.Login,
			Role:  data.Role,
		})
	case NameUserDeleted:
		var data UserData
		if err := json.Unmarshal(envelope.Data, &data); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMalformedEnvelope, envelope.EventName, err)
		}
		return dispatcher.translator.WorkerDeleted(ctx, data.ID)
	}
	// Topic bindings can deliver names this service does not book
	// from; those are acknowledged and skipped.
	return nil
}
