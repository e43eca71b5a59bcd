package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// BillingCycleRow mirrors the billing_cycle table.
type BillingCycleRow struct {
	CycleID   string    `gorm:"type:uuid;primaryKey"`
	StartAt   time.Time `gorm:"not null;index:idx_billing_cycle_status_start,priority:2"`
	EndAt     time.Time `gorm:"not null"`
	Status    string    `gorm:"not null;index:idx_billing_cycle_status_start,priority:1"`
	CreatedAt time.Time `gorm:"not null"`
}

func (BillingCycleRow) TableName() string { return "billing_cycle" }

func (cycle *BillingCycleRow) BeforeCreate(tx *gorm.DB) error {
	if cycle.CycleID == "" {
		cycle.CycleID = uuid.NewString()
	}
	return nil
}

// OperationRow mirrors the operation table. Rows are append-only.
type OperationRow struct {
	OperationID string    `gorm:"type:uuid;primaryKey"`
	CycleID     string    `gorm:"type:uuid;not null;index:idx_operation_cycle_worker,priority:1"`
	WorkerID    string    `gorm:"not null;index:idx_operation_cycle_worker,priority:2"`
	Description string    `gorm:"not null"`
	Debit       int64     `gorm:"not null"`
	Credit      int64     `gorm:"not null"`
	Time        time.Time `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null"`
}

func (OperationRow) TableName() string { return "operation" }

func (operation *OperationRow) BeforeCreate(tx *gorm.DB) error {
	if operation.OperationID == "" {
		operation.OperationID = uuid.NewString()
	}
	return nil
}

// PersonalBalanceRow mirrors the personal_balance table, the cached
// projection of each worker's ledger.
type PersonalBalanceRow struct {
	WorkerID  string    `gorm:"primaryKey"`
	Value     int64     `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (PersonalBalanceRow) TableName() string { return "personal_balance" }

// TaskRow is the read-only replica of the task service's entity.
type TaskRow struct {
	TaskID           string    `gorm:"primaryKey"`
	Name             string    `gorm:"not null"`
	Description      string    `gorm:"not null"`
	AssignedWorkerID string    `gorm:"not null"`
	AssignPrice      int64     `gorm:"not null"`
	FinishPrice      int64     `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

func (TaskRow) TableName() string { return "task" }

// WorkerRow is the read-only replica of the account service's user.
type WorkerRow struct {
	WorkerID  string    `gorm:"primaryKey"`
	Login     string    `gorm:"not null"`
	Role      string    `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (WorkerRow) TableName() string { return "user" }

// ProjectedOperationRow is the analytics-side replica of the operation
// stream, keyed by the producer's operation id for idempotent replay.
// SourceEvent keeps the envelope the row was built from, so the
// projection can be audited and rebuilt with richer mappings later.
type ProjectedOperationRow struct {
	OperationID string         `gorm:"type:uuid;primaryKey"`
	CycleID     string         `gorm:"type:uuid;not null;index"`
	WorkerID    string         `gorm:"not null;index"`
	Description string         `gorm:"not null"`
	Debit       int64          `gorm:"not null"`
	Credit      int64          `gorm:"not null"`
	Time        time.Time      `gorm:"not null"`
	SourceEvent datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt   time.Time      `gorm:"not null"`
}

func (ProjectedOperationRow) TableName() string { return "projected_operation" }

// ProjectedBalanceRow is the analytics-side balance projection.
type ProjectedBalanceRow struct {
	WorkerID  string    `gorm:"primaryKey"`
	Value     int64     `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (ProjectedBalanceRow) TableName() string { return "projected_balance" }

// Models lists every table for migration.
func Models() []any {
	return []any{
		&BillingCycleRow{},
		&OperationRow{},
		&PersonalBalanceRow{},
		&TaskRow{},
		&WorkerRow{},
		&ProjectedOperationRow{},
		&ProjectedBalanceRow{},
	}
}
