package event

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/taskexchange/billing/internal/billing"
)

// Bus publishes raw message bodies to a named exchange with a routing
// key. The amqp client implements it; tests use recorders.
type Bus interface {
	Publish(ctx context.Context, exchange string, routingKey string, body []byte) error
}

// PublisherConfig names the exchanges outbound events go to.
type PublisherConfig struct {
	OperationExchange string
	BillingExchange   string
}

// Publisher wraps ledger activity into validated, versioned envelopes
// and republishes it for downstream projections. Validation happens
// before publish: a payload that does not conform to its registered
// schema never reaches the broker.
type Publisher struct {
	bus      Bus
	registry *SchemaRegistry
	config   PublisherConfig
	nowFn    func() time.Time
}

// NewPublisher wires a Publisher.
func NewPublisher(bus Bus, registry *SchemaRegistry, config PublisherConfig, now func() time.Time) (*Publisher, error) {
	if bus == nil || registry == nil {
		return nil, fmt.Errorf("publisher dependency is nil")
	}
	if now == nil {
		now = time.Now
	}
	return &Publisher{bus: bus, registry: registry, config: config, nowFn: now}, nil
}

// PublishOperationCreated streams a committed ledger entry.
func (publisher *Publisher) PublishOperationCreated(ctx context.Context, operation billing.Operation) error {
	data := OperationData{
		OperationID:    operation.ID,
		BillingCycleID: operation.CycleID,
		WorkerID:       operation.WorkerID,
		Time:           operation.Time.UTC().Format(time.RFC3339),
		Debit:          operation.Debit,
		Credit:         operation.Credit,
		Description:    operation.Description,
	}
	return publisher.publish(ctx, publisher.config.OperationExchange, NameOperationCreated, NameOperationCreated, data)
}

// PublishWithdraw announces a settlement payout.
func (publisher *Publisher) PublishWithdraw(ctx context.Context, withdraw billing.Withdraw) error {
	data := WithdrawData{
		ReceiverID:    withdraw.ReceiverID,
		AmountOfMoney: withdraw.Amount,
		WithdrawTime:  withdraw.Time.UTC().Format(time.RFC3339),
		Description:   withdraw.Description,
	}
	return publisher.publish(ctx, publisher.config.BillingExchange, NameWithdraw, NameWithdraw, data)
}

func (publisher *Publisher) publish(ctx context.Context, exchange string, routingKey string, eventName string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	envelope := Envelope{
		EventID:      uuid.NewString(),
		EventVersion: Version1,
		EventTime:    publisher.nowFn().UTC(),
		EventName:    eventName,
		Data:         payload,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	document, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return err
	}
	if err := publisher.registry.Validate(eventName, document); err != nil {
		return err
	}
	return publisher.bus.Publish(ctx, exchange, routingKey, body)
}
