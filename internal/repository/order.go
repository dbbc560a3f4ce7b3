package repository

import (
	"context"
	"time"

	"github.com/stefke3210-cmd/agrimods/internal/model"

	"gorm.io/gorm"
)

type OrderRepository interface {
	Create(ctx context.Context, tx *gorm.DB, order *model.Order) error
	CreateOrderItems(ctx context.Context, tx *gorm.DB, items []*model.OrderItem) error
	FindByID(ctx context.Context, orderID string) (*model.Order, error)
	FindByExternalRef(ctx context.Context, externalRef string) (*model.Order, error)
	GetOrderItems(ctx context.Context, tx *gorm.DB, orderID string) ([]*model.OrderItem, error)

	// ClaimCompleted is the single atomic claim: it transitions the order to
	// completed only if it is still pending. Exactly one of any number of
	// concurrent callers sees claimed == true.
	ClaimCompleted(ctx context.Context, tx *gorm.DB, orderID string, processedAt time.Time) (claimed bool, err error)

	// MarkFailed conditionally transitions pending to failed; a no-op when the
	// order already reached a terminal state.
	MarkFailed(ctx context.Context, tx *gorm.DB, orderID string) (marked bool, err error)
}

type orderRepoImpl struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) OrderRepository {
	return &orderRepoImpl{
		db: db,
	}
}

func (r *orderRepoImpl) Create(ctx context.Context, tx *gorm.DB, order *model.Order) error {
	return tx.WithContext(ctx).Create(order).Error
}

func (r *orderRepoImpl) CreateOrderItems(ctx context.Context, tx *gorm.DB, items []*model.OrderItem) error {
	return tx.WithContext(ctx).Create(&items).Error
}

func (r *orderRepoImpl) FindByID(ctx context.Context, orderID string) (*model.Order, error) {
	var order model.Order
	err := r.db.WithContext(ctx).
		Where("id = ?", orderID).
		First(&order).Error

	if err != nil {
		return nil, err
	}

	return &order, nil
}

func (r *orderRepoImpl) FindByExternalRef(ctx context.Context, externalRef string) (*model.Order, error) {
	var order model.Order
	err := r.db.WithContext(ctx).
		Where("external_payment_ref = ?", externalRef).
		First(&order).Error

	if err != nil {
		return nil, err
	}

	return &order, nil
}

func (r *orderRepoImpl) GetOrderItems(ctx context.Context, tx *gorm.DB, orderID string) ([]*model.OrderItem, error) {
	var items []*model.OrderItem
	err := tx.WithContext(ctx).Where("order_id = ?", orderID).
		Find(&items).Error

	if err != nil {
		return nil, err
	}

	return items, nil
}

func (r *orderRepoImpl) ClaimCompleted(ctx context.Context, tx *gorm.DB, orderID string, processedAt time.Time) (bool, error) {
	result := tx.WithContext(ctx).Model(&model.Order{}).
		Where("id = ? AND status = ?", orderID, model.OrderPending).
		Updates(map[string]interface{}{
			"status":       model.OrderCompleted,
			"processed_at": processedAt,
		})

	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *orderRepoImpl) MarkFailed(ctx context.Context, tx *gorm.DB, orderID string) (bool, error) {
	result := tx.WithContext(ctx).Model(&model.Order{}).
		Where("id = ? AND status = ?", orderID, model.OrderPending).
		Updates(map[string]interface{}{
			"status":       model.OrderFailed,
			"processed_at": time.Now(),
		})

	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
