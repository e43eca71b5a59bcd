package event_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/taskexchange/billing/internal/billing"
	"github.com/taskexchange/billing/internal/event"
	"github.com/taskexchange/billing/internal/store/gormstore"
)

type publishedMessage struct {
	exchange   string
	routingKey string
	body       []byte
}

// recorderBus captures publishes instead of talking to a broker.
type recorderBus struct {
	messages []publishedMessage
}

func (bus *recorderBus) Publish(_ context.Context, exchange string, routingKey string, body []byte) error {
	bus.messages = append(bus.messages, publishedMessage{exchange: exchange, routingKey: routingKey, body: body})
	return nil
}

func mustRegistry(test *testing.T) *event.SchemaRegistry {
	test.Helper()
	registry, err := event.NewSchemaRegistry()
	if err != nil {
		test.Fatalf("registry init: %v", err)
	}
	return registry
}

func TestSchemaRegistryKnowsEveryWireEvent(test *testing.T) {
	test.Parallel()
	registry := mustRegistry(test)
	names := []string{
		event.NameTaskCreated,
		event.NameTaskUpdated,
		event.NameUserCreated,
		event.NameUserUpdated,
		event.NameUserDeleted,
		event.NameTaskAssigned,
		event.NameTaskFinished,
		event.NameOperationCreated,
		event.NameWithdraw,
	}
	for _, name := range names {
		if !registry.Known(name) {
			test.Fatalf("expected schema for %s", name)
		}
	}
	if registry.Known("task.exploded.1") {
		test.Fatalf("expected unknown event name to be unknown")
	}
}

func TestSchemaRegistryRejectsWrongShape(test *testing.T) {
	test.Parallel()
	registry := mustRegistry(test)
	document := map[string]any{
		"event_id":      "event-1",
		"event_version": 1,
		"event_time":    "2024-05-02T09:00:00Z",
		"event_name":    "task.assigned.1",
		"data":          map[string]any{},
	}
	err := registry.Validate(event.NameTaskAssigned, document)
	if !errors.Is(err, event.ErrSchemaValidation) {
		test.Fatalf("expected ErrSchemaValidation, got %v", err)
	}
	err = registry.Validate("task.exploded.1", document)
	if !errors.Is(err, event.ErrSchemaNotFound) {
		test.Fatalf("expected ErrSchemaNotFound, got %v", err)
	}
}

func mustPublisher(test *testing.T, bus event.Bus) *event.Publisher {
	test.Helper()
	publisher, err := event.NewPublisher(bus, mustRegistry(test), event.PublisherConfig{
		OperationExchange: "operation_streaming",
		BillingExchange:   "billing",
	}, func() time.Time { return time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC) })
	if err != nil {
		test.Fatalf("publisher init: %v", err)
	}
	return publisher
}

func TestPublishOperationCreatedEmitsValidEnvelope(test *testing.T) {
	test.Parallel()
	bus := &recorderBus{}
	publisher := mustPublisher(test, bus)

	operation := billing.Operation{
		ID:          "11111111-1111-1111-1111-111111111111",
		CycleID:     "22222222-2222-2222-2222-222222222222",
		WorkerID:    "worker-1",
		Description: "task-1",
		Credit:      25,
		Time:        time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC),
	}
	if err := publisher.PublishOperationCreated(context.Background(), operation); err != nil {
		test.Fatalf("publish: %v", err)
	}
	if len(bus.messages) != 1 {
		test.Fatalf("expected one message, got %d", len(bus.messages))
	}
	message := bus.messages[0]
	if message.exchange != "operation_streaming" || message.routingKey != event.NameOperationCreated {
		test.Fatalf("unexpected routing: %+v", message)
	}
	var envelope event.Envelope
	if err := json.Unmarshal(message.body, &envelope); err != nil {
		test.Fatalf("decode envelope: %v", err)
	}
	if envelope.EventName != event.NameOperationCreated || envelope.EventVersion != event.Version1 || envelope.EventID == "" {
		test.Fatalf("unexpected envelope: %+v", envelope)
	}
	var data event.OperationData
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		test.Fatalf("decode data: %v", err)
	}
	if data.WorkerID != "worker-1" || data.Credit != 25 || data.Debit != 0 {
		test.Fatalf("unexpected payload: %+v", data)
	}
}

func TestPublishWithdrawBlocksInvalidPayload(test *testing.T) {
	test.Parallel()
	bus := &recorderBus{}
	publisher := mustPublisher(test, bus)

	err := publisher.PublishWithdraw(context.Background(), billing.Withdraw{
		ReceiverID: "worker-1",
		Amount:     0,
		Time:       time.Date(2024, 5, 2, 23, 0, 0, 0, time.UTC),
	})
	if !errors.Is(err, event.ErrSchemaValidation) {
		test.Fatalf("expected ErrSchemaValidation for zero amount, got %v", err)
	}
	if len(bus.messages) != 0 {
		test.Fatalf("invalid payload must never reach the bus, got %d messages", len(bus.messages))
	}

	err = publisher.PublishWithdraw(context.Background(), billing.Withdraw{
		ReceiverID:  "worker-1",
		Amount:      30,
		Time:        time.Date(2024, 5, 2, 23, 0, 0, 0, time.UTC),
		Description: "Income for period since 2024-05-02T00:00:00Z to 2024-05-03T00:00:00Z",
	})
	if err != nil {
		test.Fatalf("publish: %v", err)
	}
	if len(bus.messages) != 1 || bus.messages[0].exchange != "billing" {
		test.Fatalf("expected withdraw on billing exchange, got %+v", bus.messages)
	}
}

func newDispatcherFixture(test *testing.T) (*event.Dispatcher, *billing.Service, *gormstore.Store) {
	test.Helper()
	database, err := gorm.Open(sqlite.Open(test.TempDir()+"/billing.db"), &gorm.Config{})
	if err != nil {
		test.Fatalf("sqlite open failed: %v", err)
	}
	if err := database.AutoMigrate(gormstore.Models()...); err != nil {
		test.Fatalf("automigrate failed: %v", err)
	}
	store := gormstore.New(database)
	service, err := billing.NewService(store, func() time.Time { return time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC) })
	if err != nil {
		test.Fatalf("service init: %v", err)
	}
	if _, err := service.EnsureOpenCycle(context.Background()); err != nil {
		test.Fatalf("ensure cycle: %v", err)
	}
	translator, err := billing.NewTranslator(service, nil)
	if err != nil {
		test.Fatalf("translator init: %v", err)
	}
	dispatcher, err := event.NewDispatcher(translator)
	if err != nil {
		test.Fatalf("dispatcher init: %v", err)
	}
	return dispatcher, service, store
}

func encodeEnvelope(test *testing.T, eventID string, eventName string, data any) []byte {
	test.Helper()
	payload, err := json.Marshal(data)
	if err != nil {
		test.Fatalf("marshal payload: %v", err)
	}
	body, err := json.Marshal(event.Envelope{
		EventID:      eventID,
		EventVersion: event.Version1,
		EventTime:    time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC),
		EventName:    eventName,
		Data:         payload,
	})
	if err != nil {
		test.Fatalf("marshal envelope: %v", err)
	}
	return body
}

func TestDispatcherRejectsMalformedBody(test *testing.T) {
	test.Parallel()
	dispatcher, _, _ := newDispatcherFixture(test)

	err := dispatcher.Handle(context.Background(), []byte("not json"))
	if !errors.Is(err, event.ErrMalformedEnvelope) {
		test.Fatalf("expected ErrMalformedEnvelope, got %v", err)
	}
}

func TestDispatcherDeadLettersNewerVersions(test *testing.T) {
	test.Parallel()
	dispatcher, _, _ := newDispatcherFixture(test)

	body, err := json.Marshal(event.Envelope{
		EventID:      "event-1",
		EventVersion: 2,
		EventTime:    time.Now().UTC(),
		EventName:    event.NameTaskAssigned,
		Data:         json.RawMessage(`{"assigned_task_id":"task-1"}`),
	})
	if err != nil {
		test.Fatalf("marshal: %v", err)
	}
	handleErr := dispatcher.Handle(context.Background(), body)
	if !errors.Is(handleErr, billing.ErrUnhandledEvent) {
		test.Fatalf("expected ErrUnhandledEvent, got %v", handleErr)
	}
	if billing.Retryable(handleErr) {
		test.Fatalf("expected unhandled version to dead-letter, not retry")
	}
}

func TestDispatcherAcksUnknownEventNames(test *testing.T) {
	test.Parallel()
	dispatcher, _, _ := newDispatcherFixture(test)

	body := encodeEnvelope(test, "event-1", "task.exploded.1", map[string]any{})
	if err := dispatcher.Handle(context.Background(), body); err != nil {
		test.Fatalf("expected unknown event to be skipped, got %v", err)
	}
}

func TestDispatcherRoutesStreamingThenWorkflow(test *testing.T) {
	test.Parallel()
	dispatcher, service, store := newDispatcherFixture(test)

	userBody := encodeEnvelope(test, "event-1", event.NameUserCreated, event.UserData{
		ID:    "worker-1",
		Login: "popug",
		Role:  "worker",
	})
	if err := dispatcher.Handle(context.Background(), userBody); err != nil {
		test.Fatalf("user.created: %v", err)
	}
	taskBody := encodeEnvelope(test, "event-2", event.NameTaskCreated, event.TaskData{
		ID:               "task-1",
		Name:             "fence painting",
		AssignedWorkerID: "worker-1",
		AssignPrice:      15,
		FinishPrice:      25,
	})
	if err := dispatcher.Handle(context.Background(), taskBody); err != nil {
		test.Fatalf("task.created: %v", err)
	}

	assignedBody := encodeEnvelope(test, "event-3", event.NameTaskAssigned, event.WorkflowData{AssignedTaskID: "task-1"})
	if err := dispatcher.Handle(context.Background(), assignedBody); err != nil {
		test.Fatalf("task.assigned: %v", err)
	}
	finishedBody := encodeEnvelope(test, "event-4", event.NameTaskFinished, event.WorkflowData{AssignedTaskID: "task-1"})
	if err := dispatcher.Handle(context.Background(), finishedBody); err != nil {
		test.Fatalf("task.finished: %v", err)
	}

	balance, err := service.Balance(context.Background(), "worker-1")
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 10 {
		test.Fatalf("expected balance 10 after assign and finish, got %d", balance)
	}

	// Redelivery of the same workflow event is acknowledged without a
	// second ledger entry.
	if err := dispatcher.Handle(context.Background(), assignedBody); err != nil {
		test.Fatalf("redelivered task.assigned: %v", err)
	}
	cycle, err := service.CurrentCycle(context.Background())
	if err != nil {
		test.Fatalf("current cycle: %v", err)
	}
	operations, err := store.ListOperations(context.Background(), cycle.ID)
	if err != nil {
		test.Fatalf("list operations: %v", err)
	}
	if len(operations) != 2 {
		test.Fatalf("expected two ledger entries after redelivery, got %d", len(operations))
	}
	balance, _ = service.Balance(context.Background(), "worker-1")
	if balance != 10 {
		test.Fatalf("expected balance unchanged by redelivery, got %d", balance)
	}
}

func TestDispatcherMissingMirrorErrorIsRetryable(test *testing.T) {
	test.Parallel()
	dispatcher, _, _ := newDispatcherFixture(test)

	body := encodeEnvelope(test, "event-1", event.NameTaskAssigned, event.WorkflowData{AssignedTaskID: "task-missing"})
	err := dispatcher.Handle(context.Background(), body)
	if !errors.Is(err, billing.ErrTaskNotFound) {
		test.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	if !billing.Retryable(err) {
		test.Fatalf("expected out-of-order delivery to be retryable")
	}
}

func TestDispatcherDeletesWorkerMirror(test *testing.T) {
	test.Parallel()
	dispatcher, service, _ := newDispatcherFixture(test)

	created := encodeEnvelope(test, "event-1", event.NameUserCreated, event.UserData{ID: "worker-1", Login: "popug", Role: "worker"})
	if err := dispatcher.Handle(context.Background(), created); err != nil {
		test.Fatalf("user.created: %v", err)
	}
	deleted := encodeEnvelope(test, "event-2", event.NameUserDeleted, event.UserData{ID: "worker-1"})
	if err := dispatcher.Handle(context.Background(), deleted); err != nil {
		test.Fatalf("user.deleted: %v", err)
	}
	// The balance row outlives the account.
	balance, err := service.Balance(context.Background(), "worker-1")
	if err != nil {
		test.Fatalf("balance after delete: %v", err)
	}
	if balance != 0 {
		test.Fatalf("expected zero balance to survive, got %d", balance)
	}
}
