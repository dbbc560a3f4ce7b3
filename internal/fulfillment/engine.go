package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stefke3210-cmd/agrimods/internal/commission"
	"github.com/stefke3210-cmd/agrimods/internal/model"
	"github.com/stefke3210-cmd/agrimods/internal/notify"
	"github.com/stefke3210-cmd/agrimods/internal/outbox"
	"github.com/stefke3210-cmd/agrimods/internal/repository"

	"gorm.io/gorm"
)

var (
	// ErrOrderNotFound: the event references no known order. Acked at the
	// transport layer, never retried.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderStateConflict: an illegal transition was attempted, or the event
	// does not match the order it claims to settle. Correctness anomaly.
	ErrOrderStateConflict = errors.New("order state conflict")
)

type Result string

const (
	// ResultFulfilled: this call won the claim and granted entitlements.
	ResultFulfilled Result = "fulfilled"
	// ResultAlreadyProcessed: the order was already completed. Safe no-op.
	ResultAlreadyProcessed Result = "already_processed"
	// ResultMarkedFailed: the order moved pending to failed. No grants.
	ResultMarkedFailed Result = "marked_failed"
	// ResultIgnored: nothing to do (unhandled event type, or a failure report
	// for an order already settled).
	ResultIgnored Result = "ignored"
)

// transitions is the closed set of legal order status moves. Anything not in
// the table is a conflict, checked centrally here and nowhere else.
var transitions = map[model.OrderStatus]map[model.OrderStatus]bool{
	model.OrderPending: {
		model.OrderCompleted: true,
		model.OrderFailed:    true,
	},
	model.OrderCompleted: {
		model.OrderRefunded: true, // administrative refunds, outside this engine
	},
}

func canTransition(from, to model.OrderStatus) bool {
	return transitions[from][to]
}

// CommissionCreditor is the slice of the commission engine the fulfillment
// engine needs; failures on it are isolated from the entitlement grant.
type CommissionCreditor interface {
	Credit(ctx context.Context, order *model.Order) (commission.Result, error)
}

// Engine is the single authority converting payment events into durable state.
// Both the synchronous execute path and the webhook path terminate here, and
// may do so concurrently for the same order.
type Engine struct {
	db           *gorm.DB
	orders       repository.OrderRepository
	catalog      repository.CatalogRepository
	entitlements repository.EntitlementRepository
	creditor     CommissionCreditor
	outbox       outbox.Enqueuer
	logger       *slog.Logger
}

func NewEngine(
	db *gorm.DB,
	orders repository.OrderRepository,
	catalog repository.CatalogRepository,
	entitlements repository.EntitlementRepository,
	creditor CommissionCreditor,
	enqueuer outbox.Enqueuer,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		db:           db,
		orders:       orders,
		catalog:      catalog,
		entitlements: entitlements,
		creditor:     creditor,
		outbox:       enqueuer,
		logger:       logger,
	}
}

// Apply advances the order named by the event, exactly once per order no
// matter how many duplicates arrive or through how many paths.
func (e *Engine) Apply(ctx context.Context, event *model.PaymentEvent) (Result, error) {
	// Unhandled event kinds carry no obligation; skip the ledger lookup since
	// they may not reference any order at all.
	if event.Outcome == model.OutcomeIgnored {
		return ResultIgnored, nil
	}

	order, err := e.resolveOrder(ctx, event)
	if err != nil {
		return "", err
	}

	switch event.Outcome {
	case model.OutcomeFailed:
		return e.markFailed(ctx, order)
	case model.OutcomeSucceeded:
		return e.fulfill(ctx, order, event)
	default:
		return "", fmt.Errorf("unknown payment outcome %q", event.Outcome)
	}
}

// resolveOrder treats the provider reference purely as a lookup key into our
// own ledger; nothing else in the event is trusted until cross-checked.
func (e *Engine) resolveOrder(ctx context.Context, event *model.PaymentEvent) (*model.Order, error) {
	var (
		order *model.Order
		err   error
	)
	if event.OrderID != "" {
		order, err = e.orders.FindByID(ctx, event.OrderID)
	} else {
		order, err = e.orders.FindByExternalRef(ctx, event.ExternalPaymentRef)
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		e.logger.Warn("payment event for unknown order",
			"order_id", event.OrderID,
			"external_ref", event.ExternalPaymentRef,
			"provider_id", event.RawProviderID,
		)
		return nil, fmt.Errorf("%w: ref %s", ErrOrderNotFound, event.ExternalPaymentRef)
	}
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}

	return order, nil
}

func (e *Engine) markFailed(ctx context.Context, order *model.Order) (Result, error) {
	var marked bool
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		marked, err = e.orders.MarkFailed(ctx, tx, order.ID)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("mark order failed: %w", err)
	}

	if !marked {
		// Already settled; a late failure report is a safe no-op.
		return ResultIgnored, nil
	}
	return ResultMarkedFailed, nil
}

func (e *Engine) fulfill(ctx context.Context, order *model.Order, event *model.PaymentEvent) (Result, error) {
	if err := e.crossCheck(order, event); err != nil {
		return "", err
	}

	var claimed bool
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		claimed, err = e.orders.ClaimCompleted(ctx, tx, order.ID, time.Now())
		if err != nil {
			return fmt.Errorf("claim order: %w", err)
		}
		if !claimed {
			return nil
		}

		if err := e.grantEntitlements(ctx, tx, order); err != nil {
			return fmt.Errorf("grant entitlements: %w", err)
		}

		if err := e.outbox.Enqueue(ctx, tx, notify.KindPurchaseCompleted, notify.PurchaseCompleted{
			BuyerID: order.BuyerID,
			OrderID: order.ID,
		}); err != nil {
			return err
		}

		// The credit obligation commits with the claim. A crash anywhere after
		// this transaction cannot lose the commission: the dispatcher replays
		// the row, and crediting is keyed uniquely per order.
		return e.outbox.Enqueue(ctx, tx, notify.KindCommissionCredit, notify.CommissionCredit{
			OrderID: order.ID,
		})
	})
	if err != nil {
		return "", err
	}

	if !claimed {
		return e.classifyLostClaim(ctx, order)
	}

	e.creditCommission(ctx, order)

	e.logger.Info("order fulfilled",
		"order_id", order.ID,
		"buyer_id", order.BuyerID,
		"total_cents", order.TotalCents,
		"provider_id", event.RawProviderID,
	)
	return ResultFulfilled, nil
}

// crossCheck rejects events whose identity does not match the order they
// reference. Only fields the provider actually reported are compared.
func (e *Engine) crossCheck(order *model.Order, event *model.PaymentEvent) error {
	if event.BuyerID != "" && event.BuyerID != order.BuyerID {
		return e.conflict(order, fmt.Sprintf("buyer mismatch: event %s, order %s", event.BuyerID, order.BuyerID))
	}
	if event.AmountCents != 0 && event.AmountCents != order.TotalCents {
		return e.conflict(order, fmt.Sprintf("amount mismatch: event %d, order %d", event.AmountCents, order.TotalCents))
	}
	if event.Currency != "" && event.Currency != order.Currency {
		return e.conflict(order, fmt.Sprintf("currency mismatch: event %s, order %s", event.Currency, order.Currency))
	}
	return nil
}

// classifyLostClaim distinguishes the benign duplicate from the illegal
// transition after a claim found the order no longer pending.
func (e *Engine) classifyLostClaim(ctx context.Context, order *model.Order) (Result, error) {
	current, err := e.orders.FindByID(ctx, order.ID)
	if err != nil {
		return "", fmt.Errorf("reload order after lost claim: %w", err)
	}

	if current.Status == model.OrderCompleted {
		return ResultAlreadyProcessed, nil
	}

	if !canTransition(current.Status, model.OrderCompleted) {
		return "", e.conflict(current, fmt.Sprintf("transition %s to completed not allowed", current.Status))
	}
	// Unreachable with the current table, since pending always claims.
	return "", e.conflict(current, "claim lost while transition still legal")
}

func (e *Engine) conflict(order *model.Order, detail string) error {
	e.logger.Error("order state conflict",
		"order_id", order.ID,
		"buyer_id", order.BuyerID,
		"status", order.Status,
		"detail", detail,
	)
	return fmt.Errorf("%w: order %s: %s", ErrOrderStateConflict, order.ID, detail)
}

func (e *Engine) grantEntitlements(ctx context.Context, tx *gorm.DB, order *model.Order) error {
	items, err := e.orders.GetOrderItems(ctx, tx, order.ID)
	if err != nil {
		return fmt.Errorf("load order items: %w", err)
	}

	now := time.Now()
	for _, item := range items {
		switch item.Kind {
		case model.ItemBundle:
			modIDs, err := e.catalog.BundleModIDs(ctx, item.RefID)
			if err != nil {
				return fmt.Errorf("expand bundle %s: %w", item.RefID, err)
			}
			for _, modID := range modIDs {
				if err := e.grantMod(ctx, tx, order, modID, 1, now); err != nil {
					return err
				}
			}
		case model.ItemMod:
			if err := e.grantMod(ctx, tx, order, item.RefID, item.Quantity, now); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown item kind %q on order %s", item.Kind, order.ID)
		}
	}

	return nil
}

func (e *Engine) grantMod(ctx context.Context, tx *gorm.DB, order *model.Order, modID string, quantity int32, now time.Time) error {
	mods, err := e.catalog.FindMods(ctx, []string{modID})
	if err != nil {
		return fmt.Errorf("load mod %s: %w", modID, err)
	}

	if len(mods) == 1 && mods[0].Kind == model.ModSubscription {
		term := mods[0].TermDays * quantity
		if err := e.entitlements.ExtendSubscription(ctx, tx, order.BuyerID, term, now); err != nil {
			return fmt.Errorf("extend subscription: %w", err)
		}
		return nil
	}

	return e.entitlements.Grant(ctx, tx, &model.Entitlement{
		UserID:    order.BuyerID,
		ModID:     modID,
		OrderID:   order.ID,
		CreatedAt: now,
	})
}

// creditCommission is the inline fast path after the claim committed. The
// durable credit row was written with the claim, so a failure here only
// delays the credit until the dispatcher replays it; the buyer's purchase
// stands either way.
func (e *Engine) creditCommission(ctx context.Context, order *model.Order) {
	if _, err := e.creditor.Credit(ctx, order); err != nil {
		e.logger.Error("inline commission credit failed, dispatcher will replay", "order_id", order.ID, "err", err)
	}
}
