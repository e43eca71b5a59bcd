// Package event carries the shared event contract: the envelope every
// service-to-service message travels in, the payload shapes, and the
// schema registry that outbound messages are validated against.
package event

import (
	"encoding/json"
	"errors"
	"time"
)

// Event names as they appear on the wire. Business events carry an
// explicit version suffix; entity streaming events do not.
const (
	NameTaskCreated      = "task.created"
	NameTaskUpdated      = "task.updated"
	NameUserCreated      = "user.created"
	NameUserUpdated      = "user.updated"
	NameUserDeleted      = "user.deleted"
	NameTaskAssigned     = "task.assigned.1"
	NameTaskFinished     = "task.finished.1"
	NameOperationCreated = "operation.created.1"
	NameWithdraw         = "withdraw.1"
)

// Version1 is the only event version in circulation.
const Version1 = 1

var (
	ErrSchemaNotFound    = errors.New("validation schema not found")
	ErrSchemaValidation  = errors.New("event schema validation failed")
	ErrMalformedEnvelope = errors.New("malformed event envelope")
)

// Envelope wraps every payload with identity, version and time, so
// consumers can deduplicate and route without reading the payload.
type Envelope struct {
	EventID      string          `json:"event_id"`
	EventVersion int             `json:"event_version"`
	EventTime    time.Time       `json:"event_time"`
	EventName    string          `json:"event_name"`
	Data         json.RawMessage `json:"data"`
}

// TaskData is the task streaming payload.
type TaskData struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Description      string `json:"description"`
	AssignedWorkerID string `json:"assigned_worker_id"`
	AssignPrice      int64  `json:"assign_price"`
	FinishPrice      int64  `json:"finish_price"`
}

// UserData is the user streaming payload.
type UserData struct {
	ID    string `json:"id"`
	Login string `json:"login"`
	Role  string `json:"role"`
}

// WorkflowData is the task lifecycle business-event payload.
type WorkflowData struct {
	AssignedTaskID string `json:"assigned_task_id"`
}

// OperationData is the ledger streaming payload.
type OperationData struct {
	OperationID    string `json:"operation_id"`
	BillingCycleID string `json:"billing_cycle_id"`
	WorkerID       string `json:"worker_id"`
	Time           string `json:"time"`
	Debit          int64  `json:"debit"`
	Credit         int64  `json:"credit"`
	Description    string `json:"description"`
}

// WithdrawData is the settlement payout payload.
type WithdrawData struct {
	ReceiverID    string `json:"receiver_id"`
	AmountOfMoney int64  `json:"amount_of_money"`
	WithdrawTime  string `json:"withdraw_time"`
	Description   string `json:"description"`
}
