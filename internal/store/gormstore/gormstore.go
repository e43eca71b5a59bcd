package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/taskexchange/billing/internal/billing"
)

const (
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19

	errorOperationStore    = "store"
	errorSubjectBalance    = "balance"
	errorSubjectCycle      = "cycle"
	errorSubjectOperation  = "operation"
	errorSubjectProjection = "projection"
	errorSubjectTask       = "task"
	errorSubjectWorker     = "worker"
	errorCodeClose         = "close"
	errorCodeCreate        = "create"
	errorCodeDelete        = "delete"
	errorCodeDuplicate     = "duplicate"
	errorCodeGet           = "get"
	errorCodeInsert        = "insert"
	errorCodeList          = "list"
	errorCodeUpdate        = "update"
	errorCodeUpsert        = "upsert"
)

// Store implements billing.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore billing.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) InsertOperation(ctx context.Context, operation billing.Operation) error {
	row := OperationRow{
		OperationID: operation.ID,
		CycleID:     operation.CycleID,
		WorkerID:    operation.WorkerID,
		Description: operation.Description,
		Debit:       operation.Debit,
		Credit:      operation.Credit,
		Time:        operation.Time.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectOperation, errorCodeDuplicate, billing.ErrDuplicateOperation)
	}
	if err != nil {
		return wrapStoreError(errorSubjectOperation, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetOperation(ctx context.Context, operationID string) (billing.Operation, error) {
	var row OperationRow
	err := store.db.WithContext(ctx).Where("operation_id = ?", operationID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return billing.Operation{}, wrapStoreError(errorSubjectOperation, errorCodeGet, billing.ErrOperationNotFound)
	}
	if err != nil {
		return billing.Operation{}, wrapStoreError(errorSubjectOperation, errorCodeGet, err)
	}
	return mapOperation(row), nil
}

func (store *Store) ListOperations(ctx context.Context, cycleID string) ([]billing.Operation, error) {
	var rows []OperationRow
	err := store.db.WithContext(ctx).
		Where("cycle_id = ?", cycleID).
		Order("time asc").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectOperation, errorCodeList, err)
	}
	operations := make([]billing.Operation, 0, len(rows))
	for _, row := range rows {
		operations = append(operations, mapOperation(row))
	}
	return operations, nil
}

func (store *Store) HasSalaryOperation(ctx context.Context, cycleID string, workerID string) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&OperationRow{}).
		Where("cycle_id = ? AND worker_id = ? AND description = ?", cycleID, workerID, billing.DescriptionSalary).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectOperation, errorCodeGet, err)
	}
	return count > 0, nil
}

func (store *Store) GetBalance(ctx context.Context, workerID string) (int64, error) {
	var row PersonalBalanceRow
	err := store.db.WithContext(ctx).Where("worker_id = ?", workerID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, billing.ErrWorkerNotFound)
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return row.Value, nil
}

// AddToBalance moves the cached balance with a single atomic SQL
// increment, so concurrent appends for the same worker from different
// consumers cannot lose updates.
func (store *Store) AddToBalance(ctx context.Context, workerID string, delta int64) error {
	result := store.db.WithContext(ctx).
		Model(&PersonalBalanceRow{}).
		Where("worker_id = ?", workerID).
		Updates(map[string]interface{}{
			"value":      gorm.Expr("value + ?", delta),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, billing.ErrWorkerNotFound)
	}
	return nil
}

func (store *Store) CreateBalance(ctx context.Context, workerID string) error {
	row := PersonalBalanceRow{WorkerID: workerID, Value: 0, UpdatedAt: time.Now().UTC()}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
	if err != nil && !isUniqueViolation(err) {
		return wrapStoreError(errorSubjectBalance, errorCodeCreate, err)
	}
	return nil
}

// ListPositiveBalances takes the settlement snapshot under row locks
// so concurrent appends for the same workers serialize behind it.
func (store *Store) ListPositiveBalances(ctx context.Context) ([]billing.WorkerBalance, error) {
	var rows []PersonalBalanceRow
	err := store.db.WithContext(ctx).
		Clauses(store.lockingClauses()...).
		Where("value > 0").
		Order("worker_id asc").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBalance, errorCodeList, err)
	}
	balances := make([]billing.WorkerBalance, 0, len(rows))
	for _, row := range rows {
		balances = append(balances, billing.WorkerBalance{WorkerID: row.WorkerID, Value: row.Value})
	}
	return balances, nil
}

func (store *Store) InsertCycle(ctx context.Context, cycle billing.BillingCycle) error {
	row := BillingCycleRow{
		CycleID: cycle.ID,
		StartAt: cycle.StartAt.UTC(),
		EndAt:   cycle.EndAt.UTC(),
		Status:  string(cycle.Status),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectCycle, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetCycle(ctx context.Context, cycleID string) (billing.BillingCycle, error) {
	var row BillingCycleRow
	err := store.db.WithContext(ctx).Where("cycle_id = ?", cycleID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return billing.BillingCycle{}, wrapStoreError(errorSubjectCycle, errorCodeGet, billing.ErrCycleNotFound)
	}
	if err != nil {
		return billing.BillingCycle{}, wrapStoreError(errorSubjectCycle, errorCodeGet, err)
	}
	return mapCycle(row), nil
}

func (store *Store) ListOpenCycles(ctx context.Context) ([]billing.BillingCycle, error) {
	var rows []BillingCycleRow
	err := store.db.WithContext(ctx).
		Clauses(store.lockingClauses()...).
		Where("status = ?", string(billing.CycleStatusOpen)).
		Order("start_at desc").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectCycle, errorCodeList, err)
	}
	cycles := make([]billing.BillingCycle, 0, len(rows))
	for _, row := range rows {
		cycles = append(cycles, mapCycle(row))
	}
	return cycles, nil
}

func (store *Store) CloseCycle(ctx context.Context, cycleID string) error {
	result := store.db.WithContext(ctx).
		Model(&BillingCycleRow{}).
		Where("cycle_id = ? AND status = ?", cycleID, string(billing.CycleStatusOpen)).
		Update("status", string(billing.CycleStatusClosed))
	if result.Error != nil {
		return wrapStoreError(errorSubjectCycle, errorCodeClose, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := store.GetCycle(ctx, cycleID); err != nil {
			return err
		}
		return wrapStoreError(errorSubjectCycle, errorCodeClose, billing.ErrCycleClosed)
	}
	return nil
}

func (store *Store) UpsertTask(ctx context.Context, task billing.TaskMirror) error {
	row := TaskRow{
		TaskID:           task.ID,
		Name:             task.Name,
		Description:      task.Description,
		AssignedWorkerID: task.AssignedWorkerID,
		AssignPrice:      task.AssignPrice,
		FinishPrice:      task.FinishPrice,
		UpdatedAt:        time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "task_id"}},
			UpdateAll: true,
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectTask, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) GetTask(ctx context.Context, taskID string) (billing.TaskMirror, error) {
	var row TaskRow
	err := store.db.WithContext(ctx).Where("task_id = ?", taskID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return billing.TaskMirror{}, wrapStoreError(errorSubjectTask, errorCodeGet, billing.ErrTaskNotFound)
	}
	if err != nil {
		return billing.TaskMirror{}, wrapStoreError(errorSubjectTask, errorCodeGet, err)
	}
	return billing.TaskMirror{
		ID:               row.TaskID,
		Name:             row.Name,
		Description:      row.Description,
		AssignedWorkerID: row.AssignedWorkerID,
		AssignPrice:      row.AssignPrice,
		FinishPrice:      row.FinishPrice,
	}, nil
}

func (store *Store) UpsertWorker(ctx context.Context, worker billing.WorkerMirror) error {
	row := WorkerRow{
		WorkerID:  worker.ID,
		Login:     worker.Login,
		Role:      worker.Role,
		UpdatedAt: time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "worker_id"}},
			UpdateAll: true,
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectWorker, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) DeleteWorker(ctx context.Context, workerID string) error {
	err := store.db.WithContext(ctx).
		Where("worker_id = ?", workerID).
		Delete(&WorkerRow{}).Error
	if err != nil {
		return wrapStoreError(errorSubjectWorker, errorCodeDelete, err)
	}
	return nil
}

// lockingClauses returns FOR UPDATE on postgres. sqlite has no row
// locks; its single-writer model serializes the same way.
func (store *Store) lockingClauses() []clause.Expression {
	if store.db.Dialector.Name() != "postgres" {
		return nil
	}
	return []clause.Expression{clause.Locking{Strength: "UPDATE"}}
}

func wrapStoreError(subject string, code string, err error) error {
	return billing.WrapError(errorOperationStore, subject, code, err)
}

func mapOperation(row OperationRow) billing.Operation {
	return billing.Operation{
		ID:          row.OperationID,
		CycleID:     row.CycleID,
		WorkerID:    row.WorkerID,
		Description: row.Description,
		Debit:       row.Debit,
		Credit:      row.Credit,
		Time:        row.Time,
	}
}

func mapCycle(row BillingCycleRow) billing.BillingCycle {
	return billing.BillingCycle{
		ID:      row.CycleID,
		StartAt: row.StartAt,
		EndAt:   row.EndAt,
		Status:  billing.CycleStatus(row.Status),
	}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
