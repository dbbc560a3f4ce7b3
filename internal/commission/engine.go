package commission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stefke3210-cmd/agrimods/internal/model"
	"github.com/stefke3210-cmd/agrimods/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Result string

const (
	ResultCredited Result = "credited"
	// ResultNoCommissionDue means the buyer was not referred. Not an error.
	ResultNoCommissionDue Result = "no_commission_due"
	// ResultAlreadyCredited means a commission for this order already exists.
	// Expected under duplicate invocation; no balances move.
	ResultAlreadyCredited Result = "already_credited"
)

// Engine computes and records referral commission for a completed order.
type Engine struct {
	db          *gorm.DB
	users       repository.UserRepository
	commissions repository.CommissionRepository
	logger      *slog.Logger
}

func NewEngine(
	db *gorm.DB,
	users repository.UserRepository,
	commissions repository.CommissionRepository,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		db:          db,
		users:       users,
		commissions: commissions,
		logger:      logger,
	}
}

// Credit inserts at most one commission per order and moves the affiliate's
// balances in the same transaction. The affiliate's rate is read here, once,
// and snapshotted onto the record; later rate changes never touch past
// commissions.
func (e *Engine) Credit(ctx context.Context, order *model.Order) (Result, error) {
	buyer, err := e.users.FindByID(ctx, order.BuyerID)
	if err != nil {
		return "", fmt.Errorf("load buyer %s: %w", order.BuyerID, err)
	}

	if buyer.ReferredBy == nil {
		return ResultNoCommissionDue, nil
	}

	affiliate, err := e.users.FindByID(ctx, *buyer.ReferredBy)
	if err != nil {
		return "", fmt.Errorf("load affiliate %s: %w", *buyer.ReferredBy, err)
	}

	rate := affiliate.CommissionRate
	amountCents := decimal.NewFromInt(order.TotalCents).
		Mul(rate).
		RoundBank(0). // round half to even, to the currency minor unit
		IntPart()

	record := &model.Commission{
		ID:              uuid.NewString(),
		OrderID:         order.ID,
		AffiliateUserID: affiliate.ID,
		ReferredUserID:  buyer.ID,
		AmountCents:     amountCents,
		Rate:            rate,
		Status:          model.CommissionPending,
		CreatedAt:       time.Now(),
	}

	result := ResultCredited
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := e.commissions.InsertUnique(ctx, tx, record)
		if err != nil {
			return fmt.Errorf("insert commission: %w", err)
		}
		if !inserted {
			result = ResultAlreadyCredited
			return nil
		}

		if err := e.commissions.AddEarnings(ctx, tx, affiliate.ID, amountCents); err != nil {
			return fmt.Errorf("increment affiliate earnings: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	if result == ResultCredited {
		e.logger.Info("commission credited",
			"order_id", order.ID,
			"affiliate_id", affiliate.ID,
			"amount_cents", amountCents,
			"rate", rate.String(),
		)
	}

	return result, nil
}
