package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CycleStatus defines the billing cycle lifecycle.
type CycleStatus string

const (
	CycleStatusOpen   CycleStatus = "open"
	CycleStatusClosed CycleStatus = "closed"
)

// BillingCycle is a bounded accounting period. At most one cycle is
// open system-wide at any time; a closed cycle never reopens.
type BillingCycle struct {
	ID      string
	StartAt time.Time
	EndAt   time.Time
	Status  CycleStatus
}

// Operation is a single immutable ledger entry. Exactly one of Debit
// and Credit is non-zero; corrections are new entries, never updates.
type Operation struct {
	ID          string
	CycleID     string
	WorkerID    string
	Description string
	Debit       int64
	Credit      int64
	Time        time.Time
}

// Delta returns the signed balance movement of the entry.
func (operation Operation) Delta() int64 {
	return operation.Credit - operation.Debit
}

// Validate enforces the single-direction invariant.
func (operation Operation) Validate() error {
	if strings.TrimSpace(operation.WorkerID) == "" {
		return fmt.Errorf("%w: empty worker id", ErrInvalidWorkerID)
	}
	if strings.TrimSpace(operation.CycleID) == "" {
		return fmt.Errorf("%w: empty cycle id", ErrInvalidOperation)
	}
	if operation.Debit < 0 || operation.Credit < 0 {
		return fmt.Errorf("%w: negative amount", ErrInvalidOperation)
	}
	if (operation.Debit == 0) == (operation.Credit == 0) {
		return fmt.Errorf("%w: exactly one of debit and credit must be non-zero", ErrInvalidOperation)
	}
	return nil
}

// WorkerBalance pairs a worker with its projected balance.
type WorkerBalance struct {
	WorkerID string
	Value    int64
}

// TaskMirror is a local read-only replica of a task owned by the task
// service, kept current by task streaming events. It is consulted for
// prices and the assigned worker, never treated as system of record.
type TaskMirror struct {
	ID               string
	Name             string
	Description      string
	AssignedWorkerID string
	AssignPrice      int64
	FinishPrice      int64
}

// WorkerMirror is a local read-only replica of a user owned by the
// account service.
type WorkerMirror struct {
	ID    string
	Login string
	Role  string
}

// Withdraw describes a payout performed during settlement.
type Withdraw struct {
	ReceiverID  string
	Amount      int64
	Time        time.Time
	Description string
}

// Store is the persistence contract used by Service. Implementations
// must make WithTx transactional: every mutation performed through the
// store passed to fn commits or rolls back atomically.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	InsertOperation(ctx context.Context, operation Operation) error
	GetOperation(ctx context.Context, operationID string) (Operation, error)
	ListOperations(ctx context.Context, cycleID string) ([]Operation, error)
	HasSalaryOperation(ctx context.Context, cycleID string, workerID string) (bool, error)

	GetBalance(ctx context.Context, workerID string) (int64, error)
	AddToBalance(ctx context.Context, workerID string, delta int64) error
	CreateBalance(ctx context.Context, workerID string) error
	ListPositiveBalances(ctx context.Context) ([]WorkerBalance, error)

	InsertCycle(ctx context.Context, cycle BillingCycle) error
	GetCycle(ctx context.Context, cycleID string) (BillingCycle, error)
	ListOpenCycles(ctx context.Context) ([]BillingCycle, error)
	CloseCycle(ctx context.Context, cycleID string) error

	UpsertTask(ctx context.Context, task TaskMirror) error
	GetTask(ctx context.Context, taskID string) (TaskMirror, error)
	UpsertWorker(ctx context.Context, worker WorkerMirror) error
	DeleteWorker(ctx context.Context, workerID string) error
}

// EventPublisher republishes committed ledger activity for downstream
// projections. Implementations validate payloads against the schema
// registry before publishing.
type EventPublisher interface {
	PublishOperationCreated(ctx context.Context, operation Operation) error
	PublishWithdraw(ctx context.Context, withdraw Withdraw) error
}

// PayoutGateway is the external money-withdrawal collaborator. The
// idempotency key is stable per (cycle, worker) so gateway-side
// deduplication survives a settlement re-run.
type PayoutGateway interface {
	Withdraw(ctx context.Context, workerID string, amount int64, idempotencyKey string) error
}

// operationNamespace scopes deterministic operation ids derived from
// broker events, so a redelivered event maps to the same primary key.
var operationNamespace = uuid.MustParse("9a1a6c9e-55c1-4d5f-8f5e-3f1f3c6b2a10")

// DeterministicOperationID derives a stable operation id from the
// triggering event identity.
func DeterministicOperationID(eventID string, eventName string) string {
	return uuid.NewSHA1(operationNamespace, []byte(eventID+":"+eventName)).String()
}

// SettlementKey derives the payout idempotency key for a worker within
// a settled cycle.
func SettlementKey(cycleID string, workerID string) string {
	return uuid.NewSHA1(operationNamespace, []byte(cycleID+":"+workerID+":salary")).String()
}
