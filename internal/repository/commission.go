package repository

import (
	"context"
	"time"

	"github.com/stefke3210-cmd/agrimods/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type CommissionRepository interface {
	// InsertUnique inserts the commission keyed uniquely by order id.
	// inserted == false means a record for that order already exists.
	InsertUnique(ctx context.Context, tx *gorm.DB, commission *model.Commission) (inserted bool, err error)
	FindByOrderID(ctx context.Context, orderID string) (*model.Commission, error)
	// AddEarnings moves the affiliate's running balances by an atomic
	// increment, never a read-modify-write.
	AddEarnings(ctx context.Context, tx *gorm.DB, affiliateUserID string, amountCents int64) error
}

type commissionRepoImpl struct {
	db *gorm.DB
}

func NewCommissionRepository(db *gorm.DB) CommissionRepository {
	return &commissionRepoImpl{
		db: db,
	}
}

func (r *commissionRepoImpl) InsertUnique(ctx context.Context, tx *gorm.DB, commission *model.Commission) (bool, error) {
	result := tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "order_id"}},
		DoNothing: true,
	}).Create(commission)

	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *commissionRepoImpl) FindByOrderID(ctx context.Context, orderID string) (*model.Commission, error) {
	var commission model.Commission
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		First(&commission).Error

	if err != nil {
		return nil, err
	}

	return &commission, nil
}

func (r *commissionRepoImpl) AddEarnings(ctx context.Context, tx *gorm.DB, affiliateUserID string, amountCents int64) error {
	return tx.WithContext(ctx).Model(&model.User{}).
		Where("id = ?", affiliateUserID).
		Updates(map[string]interface{}{
			"pending_earnings_cents": gorm.Expr("pending_earnings_cents + ?", amountCents),
			"total_earnings_cents":   gorm.Expr("total_earnings_cents + ?", amountCents),
			"updated_at":             time.Now(),
		}).Error
}
