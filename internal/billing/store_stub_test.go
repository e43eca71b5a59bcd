package billing

import (
	"context"
	"sort"
	"testing"
	"time"
)

// stubStore is a pure in-memory Store. It is not safe for concurrent
// use; the tests drive it from one goroutine like a prefetch-1 consumer.
type stubStore struct {
	operations map[string]Operation
	balances   map[string]int64
	cycles     map[string]BillingCycle
	tasks      map[string]TaskMirror
	workers    map[string]WorkerMirror

	failInsertOperation error
}

func newStubStore() *stubStore {
	return &stubStore{
		operations: map[string]Operation{},
		balances:   map[string]int64{},
		cycles:     map[string]BillingCycle{},
		tasks:      map[string]TaskMirror{},
		workers:    map[string]WorkerMirror{},
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	// The stub applies mutations directly; domain tests assert on the
	// end state, not on rollback mechanics.
	return fn(ctx, store)
}

func (store *stubStore) InsertOperation(_ context.Context, operation Operation) error {
	if store.failInsertOperation != nil {
		return store.failInsertOperation
	}
	if _, exists := store.operations[operation.ID]; exists {
		return ErrDuplicateOperation
	}
	store.operations[operation.ID] = operation
	return nil
}

func (store *stubStore) GetOperation(_ context.Context, operationID string) (Operation, error) {
	operation, ok := store.operations[operationID]
	if !ok {
		return Operation{}, ErrOperationNotFound
	}
	return operation, nil
}

func (store *stubStore) ListOperations(_ context.Context, cycleID string) ([]Operation, error) {
	var operations []Operation
	for _, operation := range store.operations {
		if operation.CycleID == cycleID {
			operations = append(operations, operation)
		}
	}
	sort.Slice(operations, func(i, j int) bool { return operations[i].Time.Before(operations[j].Time) })
	return operations, nil
}

func (store *stubStore) HasSalaryOperation(_ context.Context, cycleID string, workerID string) (bool, error) {
	for _, operation := range store.operations {
		if operation.CycleID == cycleID && operation.WorkerID == workerID && operation.Description == DescriptionSalary {
			return true, nil
		}
	}
	return false, nil
}

func (store *stubStore) GetBalance(_ context.Context, workerID string) (int64, error) {
	value, ok := store.balances[workerID]
	if !ok {
		return 0, ErrWorkerNotFound
	}
	return value, nil
}

func (store *stubStore) AddToBalance(_ context.Context, workerID string, delta int64) error {
	if _, ok := store.balances[workerID]; !ok {
		return ErrWorkerNotFound
	}
	store.balances[workerID] += delta
	return nil
}

func (store *stubStore) CreateBalance(_ context.Context, workerID string) error {
	if _, ok := store.balances[workerID]; !ok {
		store.balances[workerID] = 0
	}
	return nil
}

func (store *stubStore) ListPositiveBalances(_ context.Context) ([]WorkerBalance, error) {
	var balances []WorkerBalance
	for workerID, value := range store.balances {
		if value > 0 {
			balances = append(balances, WorkerBalance{WorkerID: workerID, Value: value})
		}
	}
	sort.Slice(balances, func(i, j int) bool { return balances[i].WorkerID < balances[j].WorkerID })
	return balances, nil
}

func (store *stubStore) InsertCycle(_ context.Context, cycle BillingCycle) error {
	store.cycles[cycle.ID] = cycle
	return nil
}

func (store *stubStore) GetCycle(_ context.Context, cycleID string) (BillingCycle, error) {
	cycle, ok := store.cycles[cycleID]
	if !ok {
		return BillingCycle{}, ErrCycleNotFound
	}
	return cycle, nil
}

func (store *stubStore) ListOpenCycles(_ context.Context) ([]BillingCycle, error) {
	var open []BillingCycle
	for _, cycle := range store.cycles {
		if cycle.Status == CycleStatusOpen {
			open = append(open, cycle)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].StartAt.After(open[j].StartAt) })
	return open, nil
}

func (store *stubStore) CloseCycle(_ context.Context, cycleID string) error {
	cycle, ok := store.cycles[cycleID]
	if !ok {
		return ErrCycleNotFound
	}
	if cycle.Status == CycleStatusClosed {
		return ErrCycleClosed
	}
	cycle.Status = CycleStatusClosed
	store.cycles[cycleID] = cycle
	return nil
}

func (store *stubStore) UpsertTask(_ context.Context, task TaskMirror) error {
	store.tasks[task.ID] = task
	return nil
}

func (store *stubStore) GetTask(_ context.Context, taskID string) (TaskMirror, error) {
	task, ok := store.tasks[taskID]
	if !ok {
		return TaskMirror{}, ErrTaskNotFound
	}
	return task, nil
}

func (store *stubStore) UpsertWorker(_ context.Context, worker WorkerMirror) error {
	store.workers[worker.ID] = worker
	return nil
}

func (store *stubStore) DeleteWorker(_ context.Context, workerID string) error {
	delete(store.workers, workerID)
	return nil
}

// openCycle seeds an open cycle and returns it.
func (store *stubStore) openCycle(test *testing.T, id string, startAt time.Time) BillingCycle {
	test.Helper()
	cycle := BillingCycle{
		ID:      id,
		StartAt: startAt,
		EndAt:   startAt.AddDate(0, 0, 1),
		Status:  CycleStatusOpen,
	}
	store.cycles[id] = cycle
	return cycle
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() time.Time { return time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC) }, options...)
	if err != nil {
		test.Fatalf("service init: %v", err)
	}
	return service
}

// recorderPublisher captures published events, optionally failing.
type recorderPublisher struct {
	operations []Operation
	withdraws  []Withdraw
	failWith   error
}

func (publisher *recorderPublisher) PublishOperationCreated(_ context.Context, operation Operation) error {
	if publisher.failWith != nil {
		return publisher.failWith
	}
	publisher.operations = append(publisher.operations, operation)
	return nil
}

func (publisher *recorderPublisher) PublishWithdraw(_ context.Context, withdraw Withdraw) error {
	if publisher.failWith != nil {
		return publisher.failWith
	}
	publisher.withdraws = append(publisher.withdraws, withdraw)
	return nil
}

// recorderGateway captures withdrawals; workers in failFor fail.
type recorderGateway struct {
	withdrawn map[string]int64
	keys      map[string]string
	failFor   map[string]error
}

func newRecorderGateway() *recorderGateway {
	return &recorderGateway{withdrawn: map[string]int64{}, keys: map[string]string{}, failFor: map[string]error{}}
}

func (gateway *recorderGateway) Withdraw(_ context.Context, workerID string, amount int64, idempotencyKey string) error {
	if err, ok := gateway.failFor[workerID]; ok {
		return err
	}
	gateway.withdrawn[workerID] = amount
	gateway.keys[workerID] = idempotencyKey
	return nil
}
