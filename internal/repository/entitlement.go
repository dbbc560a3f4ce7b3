package repository

import (
	"context"
	"time"

	"github.com/stefke3210-cmd/agrimods/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type EntitlementRepository interface {
	// Grant adds a mod to the user's owned set. Re-granting is a no-op.
	Grant(ctx context.Context, tx *gorm.DB, entitlement *model.Entitlement) error
	ListByUser(ctx context.Context, userID string) ([]*model.Entitlement, error)
	// ExtendSubscription sets the subscription flag and pushes expiry out by
	// termDays from max(now, current expiry).
	ExtendSubscription(ctx context.Context, tx *gorm.DB, userID string, termDays int32, now time.Time) error
}

type entitlementRepoImpl struct {
	db *gorm.DB
}

func NewEntitlementRepository(db *gorm.DB) EntitlementRepository {
	return &entitlementRepoImpl{
		db: db,
	}
}

func (r *entitlementRepoImpl) Grant(ctx context.Context, tx *gorm.DB, entitlement *model.Entitlement) error {
	return tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "mod_id"}},
		DoNothing: true,
	}).Create(entitlement).Error
}

func (r *entitlementRepoImpl) ListByUser(ctx context.Context, userID string) ([]*model.Entitlement, error) {
	var entitlements []*model.Entitlement

	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Find(&entitlements).Error
	if err != nil {
		return nil, err
	}

	return entitlements, nil
}

func (r *entitlementRepoImpl) ExtendSubscription(ctx context.Context, tx *gorm.DB, userID string, termDays int32, now time.Time) error {
	var user model.User
	if err := tx.WithContext(ctx).Where("id = ?", userID).First(&user).Error; err != nil {
		return err
	}

	base := now
	if user.SubscriptionExpiresAt != nil && user.SubscriptionExpiresAt.After(now) {
		base = *user.SubscriptionExpiresAt
	}
	expiry := base.AddDate(0, 0, int(termDays))

	return tx.WithContext(ctx).Model(&model.User{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{
			"subscription_active":     true,
			"subscription_expires_at": expiry,
			"updated_at":              now,
		}).Error
}
