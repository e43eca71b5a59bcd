package billing

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Payout records one successful settlement payout.
type Payout struct {
	WorkerID    string
	Amount      int64
	OperationID string
	AlreadyPaid bool
}

// PayoutFailure records one worker whose payout could not complete.
// The worker's balance is untouched and no ledger entry was written.
type PayoutFailure struct {
	WorkerID string
	Amount   int64
	Err      error
}

// PublishFailure records an event that could not be republished after
// its ledger mutation committed. These need operator attention, not a
// blind retry.
type PublishFailure struct {
	EventName string
	WorkerID  string
	Err       error
}

// Report summarizes a settlement run.
type Report struct {
	ClosedCycleID string
	OpenedCycleID string
	Paid          []Payout
	Failed        []PayoutFailure
	PublishFailed []PublishFailure
}

// Settlement closes the current billing cycle and pays out every
// worker with a positive balance. Failures are isolated per worker and
// the run is resumable: the ledger is the durable record of who has
// already been paid for a cycle.
type Settlement struct {
	service   *Service
	gateway   PayoutGateway
	publisher EventPublisher
	nowFn     func() time.Time
}

// NewSettlement wires a Settlement job.
func NewSettlement(service *Service, gateway PayoutGateway, publisher EventPublisher, now func() time.Time) (*Settlement, error) {
	if service == nil || gateway == nil || publisher == nil {
		return nil, fmt.Errorf("%w: settlement dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		now = service.nowFn
	}
	return &Settlement{service: service, gateway: gateway, publisher: publisher, nowFn: now}, nil
}

// Run performs one settlement pass:
//
//  1. close the current cycle and open the next one atomically, so new
//     ledger entries land in the new cycle;
//  2. snapshot workers with positive balances;
//  3. pay each worker independently, booking the salary debit against
//     the just-closed cycle and republishing the movement as events.
func (settlement *Settlement) Run(ctx context.Context) (Report, error) {
	startAt, endAt := CyclePeriod(settlement.nowFn())
	closed, opened, err := settlement.service.RotateCycle(ctx, startAt, endAt)
	if err != nil {
		return Report{}, err
	}
	report := Report{ClosedCycleID: closed.ID, OpenedCycleID: opened.ID}

	balances, err := settlement.service.store.ListPositiveBalances(ctx)
	if err != nil {
		return report, err
	}
	for _, balance := range balances {
		settlement.settleWorker(ctx, closed, balance, &report)
	}
	settlement.service.logOperation(ctx, OperationLog{
		Operation: operationSettlement,
		CycleID:   closed.ID,
	})
	return report, nil
}

func (settlement *Settlement) settleWorker(ctx context.Context, closed BillingCycle, balance WorkerBalance, report *Report) {
	if balance.Value <= 0 {
		// Never pay zero or negative balances, and never let one
		// worker stop the rest of the run.
		return
	}
	paid, err := settlement.service.store.HasSalaryOperation(ctx, closed.ID, balance.WorkerID)
	if err != nil {
		report.Failed = append(report.Failed, PayoutFailure{WorkerID: balance.WorkerID, Amount: balance.Value, Err: err})
		return
	}
	if paid {
		report.Paid = append(report.Paid, Payout{WorkerID: balance.WorkerID, Amount: balance.Value, AlreadyPaid: true})
		return
	}

	key := SettlementKey(closed.ID, balance.WorkerID)
	if err := settlement.gateway.Withdraw(ctx, balance.WorkerID, balance.Value, key); err != nil {
		report.Failed = append(report.Failed, PayoutFailure{WorkerID: balance.WorkerID, Amount: balance.Value, Err: err})
		return
	}

	now := settlement.nowFn()
	operation := Operation{
		ID:          key,
		CycleID:     closed.ID,
		WorkerID:    balance.WorkerID,
		Description: DescriptionSalary,
		Debit:       balance.Value,
		Time:        now,
	}
	appended, err := settlement.service.AppendOperation(ctx, operation)
	if err != nil && !errors.Is(err, ErrDuplicateOperation) {
		report.Failed = append(report.Failed, PayoutFailure{WorkerID: balance.WorkerID, Amount: balance.Value, Err: err})
		return
	}
	if err == nil {
		report.Paid = append(report.Paid, Payout{WorkerID: balance.WorkerID, Amount: balance.Value, OperationID: appended.ID})
	} else {
		report.Paid = append(report.Paid, Payout{WorkerID: balance.WorkerID, Amount: balance.Value, OperationID: operation.ID, AlreadyPaid: true})
		appended = operation
	}

	withdraw := Withdraw{
		ReceiverID: balance.WorkerID,
		Amount:     balance.Value,
		Time:       now,
		Description: fmt.Sprintf("Income for period since %s to %s",
			closed.StartAt.Format(time.RFC3339), closed.EndAt.Format(time.RFC3339)),
	}
	if err := settlement.publisher.PublishWithdraw(ctx, withdraw); err != nil {
		report.PublishFailed = append(report.PublishFailed, PublishFailure{EventName: "withdraw", WorkerID: balance.WorkerID, Err: err})
	}
	if err := settlement.publisher.PublishOperationCreated(ctx, appended); err != nil {
		report.PublishFailed = append(report.PublishFailed, PublishFailure{EventName: "operation.created", WorkerID: balance.WorkerID, Err: err})
	}
}
