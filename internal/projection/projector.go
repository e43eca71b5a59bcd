// Package projection is the analytics-side read model: an independent
// replica of the ledger rebuilt from the operation.created event
// stream. It shares no tables with the producing service; replaying
// the full stream into an empty database reproduces the same balances.
package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/taskexchange/billing/internal/billing"
	"github.com/taskexchange/billing/internal/event"
)

// Store is the persistence contract for the projected ledger. The
// source envelope is persisted next to each projected operation.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	InsertOperation(ctx context.Context, operation billing.Operation, source json.RawMessage) error
	AddToBalance(ctx context.Context, workerID string, delta int64) error
	GetBalance(ctx context.Context, workerID string) (int64, error)
}

// Projector applies operation.created events to the local projection.
// The producer's operation id is the dedupe key, so at-least-once
// delivery folds into exactly-once application.
type Projector struct {
	store Store
}

// NewProjector wires a Projector.
func NewProjector(store Store) (*Projector, error) {
	if store == nil {
		return nil, fmt.Errorf("projector store is nil")
	}
	return &Projector{store: store}, nil
}

// Handle processes one incoming message body.
func (projector *Projector) Handle(ctx context.Context, body []byte) error {
	var envelope event.Envelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("%w: %v", event.ErrMalformedEnvelope, err)
	}
	if envelope.EventName != event.NameOperationCreated {
		return nil
	}
	var data event.OperationData
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		return fmt.Errorf("%w: %s: %v", event.ErrMalformedEnvelope, envelope.EventName, err)
	}
	operationTime, err := time.Parse(time.RFC3339, data.Time)
	if err != nil {
		return fmt.Errorf("%w: operation time: %v", event.ErrMalformedEnvelope, err)
	}
	operation := billing.Operation{
		ID:          data.OperationID,
		CycleID:     data.BillingCycleID,
		WorkerID:    data.WorkerID,
		Description: data.Description,
		Debit:       data.Debit,
		Credit:      data.Credit,
		Time:        operationTime,
	}
	err = projector.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.InsertOperation(ctx, operation, json.RawMessage(body)); err != nil {
			return err
		}
		return transactionStore.AddToBalance(ctx, operation.WorkerID, operation.Delta())
	})
	if errors.Is(err, billing.ErrDuplicateOperation) {
		// Redelivery of an already-applied operation.
		return nil
	}
	return err
}

// Balance returns the projected balance for a worker.
func (projector *Projector) Balance(ctx context.Context, workerID string) (int64, error) {
	return projector.store.GetBalance(ctx, workerID)
}
