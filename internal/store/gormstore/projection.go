package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/taskexchange/billing/internal/billing"
	"github.com/taskexchange/billing/internal/projection"
)

// ProjectionStore implements projection.Store using GORM. It writes to
// its own tables: the analytics read model is an independent replica
// of the operation stream, not a view over the producer's ledger.
type ProjectionStore struct {
	db *gorm.DB
}

// NewProjection returns a ProjectionStore backed by gorm.DB.
func NewProjection(db *gorm.DB) *ProjectionStore {
	return &ProjectionStore{db: db}
}

// WithTx executes fn within a transaction.
func (store *ProjectionStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore projection.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &ProjectionStore{db: transaction})
	})
}

func (store *ProjectionStore) InsertOperation(ctx context.Context, operation billing.Operation, source json.RawMessage) error {
	row := ProjectedOperationRow{
		OperationID: operation.ID,
		CycleID:     operation.CycleID,
		WorkerID:    operation.WorkerID,
		Description: operation.Description,
		Debit:       operation.Debit,
		Credit:      operation.Credit,
		Time:        operation.Time.UTC(),
		SourceEvent: sourceEventJSON(source),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectProjection, errorCodeDuplicate, billing.ErrDuplicateOperation)
	}
	if err != nil {
		return wrapStoreError(errorSubjectProjection, errorCodeInsert, err)
	}
	return nil
}

// AddToBalance upserts the projected balance with an atomic increment.
func (store *ProjectionStore) AddToBalance(ctx context.Context, workerID string, delta int64) error {
	row := ProjectedBalanceRow{WorkerID: workerID, Value: delta, UpdatedAt: time.Now().UTC()}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "worker_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"value":      gorm.Expr("projected_balance.value + ?", delta),
				"updated_at": row.UpdatedAt,
			}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectProjection, errorCodeUpdate, err)
	}
	return nil
}

func sourceEventJSON(source json.RawMessage) datatypes.JSON {
	if len(source) == 0 {
		return datatypes.JSON([]byte("{}"))
	}
	return datatypes.JSON(source)
}

func (store *ProjectionStore) GetBalance(ctx context.Context, workerID string) (int64, error) {
	var row ProjectedBalanceRow
	err := store.db.WithContext(ctx).Where("worker_id = ?", workerID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, wrapStoreError(errorSubjectProjection, errorCodeGet, billing.ErrWorkerNotFound)
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectProjection, errorCodeGet, err)
	}
	return row.Value, nil
}
