package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stefke3210-cmd/agrimods/internal/model"

	"gorm.io/gorm"
)

// Enqueuer writes an outbox row inside the caller's transaction, so the
// message exists exactly when the business change it announces does.
type Enqueuer interface {
	Enqueue(ctx context.Context, tx *gorm.DB, kind string, payload interface{}) error
}

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Enqueue(ctx context.Context, tx *gorm.DB, kind string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}

	return tx.WithContext(ctx).Create(&model.OutboxMessage{
		Kind:      kind,
		Payload:   body,
		Status:    model.OutboxPending,
		NextRetry: time.Now(),
	}).Error
}

func (r *Repository) lockBatch(ctx context.Context, batchSize int, now time.Time) ([]*model.OutboxMessage, error) {
	var batch []*model.OutboxMessage

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.
			Where("status IN ? AND next_retry <= ?",
				[]model.OutboxStatus{model.OutboxPending, model.OutboxProcessing}, now).
			Order("id").
			Limit(batchSize).
			Find(&batch).Error
		if err != nil {
			return err
		}

		releaseAt := now.Add(30 * time.Second)
		for _, msg := range batch {
			err := tx.Model(&model.OutboxMessage{}).
				Where("id = ?", msg.ID).
				Updates(map[string]interface{}{
					"status":     model.OutboxProcessing,
					"next_retry": releaseAt,
				}).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return batch, nil
}

func (r *Repository) markSent(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Model(&model.OutboxMessage{}).
		Where("id = ?", id).
		Update("status", model.OutboxSent).Error
}

func (r *Repository) markFailure(ctx context.Context, msg *model.OutboxMessage, maxAttempts int) error {
	attempts := msg.Attempts + 1
	status := model.OutboxPending
	if attempts >= maxAttempts {
		status = model.OutboxDead
	}

	return r.db.WithContext(ctx).Model(&model.OutboxMessage{}).
		Where("id = ?", msg.ID).
		Updates(map[string]interface{}{
			"status":     status,
			"attempts":   attempts,
			"next_retry": time.Now().Add(retryDelay(attempts)),
		}).Error
}

func retryDelay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 5 {
		attempts = 5
	}
	delay := time.Duration(1<<attempts) * time.Second
	if delay > time.Minute {
		delay = time.Minute
	}
	return delay
}
