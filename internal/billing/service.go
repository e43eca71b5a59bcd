package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Service contains the ledger domain logic over a Store.
type Service struct {
	store  Store
	nowFn  func() time.Time
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// AppendOperation inserts a ledger entry and moves the worker's
// balance inside one transaction. The balance row must already exist;
// workers are provisioned at zero when their mirroring event arrives.
// Re-inserting an operation id is reported as ErrDuplicateOperation
// with no balance movement, which makes at-least-once redelivery safe.
func (service *Service) AppendOperation(ctx context.Context, operation Operation) (Operation, error) {
	if operation.ID == "" {
		operation.ID = uuid.NewString()
	}
	if operation.Time.IsZero() {
		operation.Time = service.nowFn()
	}
	operationError := operation.Validate()
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			if _, err := transactionStore.GetBalance(ctx, operation.WorkerID); err != nil {
				return err
			}
			if err := transactionStore.InsertOperation(ctx, operation); err != nil {
				return err
			}
			return transactionStore.AddToBalance(ctx, operation.WorkerID, operation.Delta())
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation:   operationAppend,
		WorkerID:    operation.WorkerID,
		CycleID:     operation.CycleID,
		OperationID: operation.ID,
		Debit:       operation.Debit,
		Credit:      operation.Credit,
		Error:       operationError,
	})
	if operationError != nil {
		return Operation{}, operationError
	}
	return operation, nil
}

// CurrentCycle returns the single open billing cycle.
func (service *Service) CurrentCycle(ctx context.Context) (BillingCycle, error) {
	open, err := service.store.ListOpenCycles(ctx)
	if err != nil {
		return BillingCycle{}, err
	}
	switch len(open) {
	case 0:
		return BillingCycle{}, ErrNoOpenCycle
	case 1:
		return open[0], nil
	}
	// More than one open cycle means a crashed close/open swap that
	// EnsureOpenCycle has not repaired yet.
	return BillingCycle{}, fmt.Errorf("%w: %d cycles open", ErrInvalidCycle, len(open))
}

// RotateCycle closes the current cycle and opens the next one as a
// single atomic unit, so the one-open-cycle invariant holds even if
// the process dies between the two steps.
func (service *Service) RotateCycle(ctx context.Context, startAt time.Time, endAt time.Time) (BillingCycle, BillingCycle, error) {
	if !endAt.After(startAt) {
		return BillingCycle{}, BillingCycle{}, fmt.Errorf("%w: end not after start", ErrInvalidCycle)
	}
	var closed, opened BillingCycle
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		open, err := transactionStore.ListOpenCycles(ctx)
		if err != nil {
			return err
		}
		if len(open) == 0 {
			return ErrNoOpenCycle
		}
		for _, cycle := range open {
			if err := transactionStore.CloseCycle(ctx, cycle.ID); err != nil && !errors.Is(err, ErrCycleClosed) {
				return err
			}
		}
		closed = open[0]
		closed.Status = CycleStatusClosed
		opened = BillingCycle{
			ID:      uuid.NewString(),
			StartAt: startAt.UTC(),
			EndAt:   endAt.UTC(),
			Status:  CycleStatusOpen,
		}
		return transactionStore.InsertCycle(ctx, opened)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationRotate,
		CycleID:   closed.ID,
		Error:     operationError,
	})
	if operationError != nil {
		return BillingCycle{}, BillingCycle{}, operationError
	}
	return closed, opened, nil
}

// EnsureOpenCycle repairs the open-cycle invariant at startup. With no
// open cycle it opens one for the current period; with more than one
// (a crashed close/open swap) it keeps the most recently started and
// closes the rest.
func (service *Service) EnsureOpenCycle(ctx context.Context) (BillingCycle, error) {
	var current BillingCycle
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		open, err := transactionStore.ListOpenCycles(ctx)
		if err != nil {
			return err
		}
		if len(open) == 0 {
			startAt, endAt := CyclePeriod(service.nowFn())
			current = BillingCycle{
				ID:      uuid.NewString(),
				StartAt: startAt,
				EndAt:   endAt,
				Status:  CycleStatusOpen,
			}
			return transactionStore.InsertCycle(ctx, current)
		}
		newest := open[0]
		for _, cycle := range open[1:] {
			if cycle.StartAt.After(newest.StartAt) {
				newest = cycle
			}
		}
		for _, cycle := range open {
			if cycle.ID == newest.ID {
				continue
			}
			if err := transactionStore.CloseCycle(ctx, cycle.ID); err != nil && !errors.Is(err, ErrCycleClosed) {
				return err
			}
		}
		current = newest
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationEnsure,
		CycleID:   current.ID,
		Error:     operationError,
	})
	if operationError != nil {
		return BillingCycle{}, operationError
	}
	return current, nil
}

// Balance returns the projected balance for a worker.
func (service *Service) Balance(ctx context.Context, workerID string) (int64, error) {
	return service.store.GetBalance(ctx, workerID)
}

// ProvisionWorker creates the zero balance row for a worker if absent.
func (service *Service) ProvisionWorker(ctx context.Context, workerID string) error {
	return service.store.CreateBalance(ctx, workerID)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

// CyclePeriod returns the half-open daily bounds containing now, in UTC.
func CyclePeriod(now time.Time) (time.Time, time.Time) {
	startAt := now.UTC().Truncate(24 * time.Hour)
	return startAt, startAt.AddDate(0, 0, 1)
}
