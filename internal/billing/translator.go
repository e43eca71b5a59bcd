package billing

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Translator maps upstream domain events onto ledger mutations and
// mirror updates. Every mapping is deterministic and idempotent: the
// operation id is derived from the triggering event identity, so a
// redelivered event collapses into the already-committed entry.
type Translator struct {
	service   *Service
	publisher EventPublisher
}

// NewTranslator wires a Translator. The publisher may be nil in tools
// that only rebuild state.
func NewTranslator(service *Service, publisher EventPublisher) (*Translator, error) {
	if service == nil {
		return nil, ErrInvalidServiceConfig
	}
	return &Translator{service: service, publisher: publisher}, nil
}

// TaskAssigned books the assignment expense against the worker's
// personal account. Only the worker side is recorded; the offsetting
// company-income leg is left to a second AppendOperation by callers
// that run a double-entry setup.
func (translator *Translator) TaskAssigned(ctx context.Context, eventID string, eventName string, eventTime time.Time, taskID string) error {
	task, err := translator.service.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	cycle, err := translator.service.CurrentCycle(ctx)
	if err != nil {
		return err
	}
	operation := Operation{
		ID:          DeterministicOperationID(eventID, eventName),
		CycleID:     cycle.ID,
		WorkerID:    task.AssignedWorkerID,
		Description: taskID,
		Debit:       task.AssignPrice,
		Time:        eventTime,
	}
	return translator.appendAndStream(ctx, operation)
}

// TaskFinished credits the finish price to the assigned worker.
func (translator *Translator) TaskFinished(ctx context.Context, eventID string, eventName string, eventTime time.Time, taskID string) error {
	task, err := translator.service.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	cycle, err := translator.service.CurrentCycle(ctx)
	if err != nil {
		return err
	}
	operation := Operation{
		ID:          DeterministicOperationID(eventID, eventName),
		CycleID:     cycle.ID,
		WorkerID:    task.AssignedWorkerID,
		Description: taskID,
		Credit:      task.FinishPrice,
		Time:        eventTime,
	}
	return translator.appendAndStream(ctx, operation)
}

// TaskUpserted refreshes the local task mirror. Mirror updates never
// touch the ledger.
func (translator *Translator) TaskUpserted(ctx context.Context, task TaskMirror) error {
	return translator.service.store.UpsertTask(ctx, task)
}

// WorkerUpserted refreshes the worker mirror and provisions the zero
// balance row so ledger entries for the worker can land.
func (translator *Translator) WorkerUpserted(ctx context.Context, worker WorkerMirror) error {
	if err := translator.service.store.UpsertWorker(ctx, worker); err != nil {
		return err
	}
	return translator.service.ProvisionWorker(ctx, worker.ID)
}

// WorkerDeleted drops the worker mirror. The balance row and ledger
// entries stay: money history outlives the account.
func (translator *Translator) WorkerDeleted(ctx context.Context, workerID string) error {
	return translator.service.store.DeleteWorker(ctx, workerID)
}

func (translator *Translator) appendAndStream(ctx context.Context, operation Operation) error {
	appended, err := translator.service.AppendOperation(ctx, operation)
	if errors.Is(err, ErrDuplicateOperation) {
		// Redelivered event, the entry is already committed.
		return nil
	}
	if err != nil {
		return err
	}
	if translator.publisher == nil {
		return nil
	}
	if err := translator.publisher.PublishOperationCreated(ctx, appended); err != nil {
		return WrapError("translator", "operation", "publish", fmt.Errorf("%w: %v", ErrPublishFailed, err))
	}
	return nil
}
