package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/stefke3210-cmd/agrimods/internal/client"
	"github.com/stefke3210-cmd/agrimods/internal/dto"
	"github.com/stefke3210-cmd/agrimods/internal/fulfillment"
	"github.com/stefke3210-cmd/agrimods/internal/model"
	"github.com/stefke3210-cmd/agrimods/internal/repository"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrNotOrderOwner = errors.New("order does not belong to this buyer")
	ErrItemsNotFound = errors.New("some items not found")
)

// WebhookAck is the durable classification of an inbound webhook. Any value
// here means the provider gets a transport-success acknowledgment; only an
// error (bad signature, transient storage failure) withholds it.
type WebhookAck string

const (
	AckProcessed    WebhookAck = "processed"
	AckDuplicate    WebhookAck = "duplicate"
	AckIgnored      WebhookAck = "ignored"
	AckUnknownOrder WebhookAck = "unknown_order"
	AckConflict     WebhookAck = "conflict"
)

type CheckoutService interface {
	CreateCheckout(ctx context.Context, buyerID string, items []*dto.CheckoutItem) (*dto.CheckoutResponse, error)
	ExecuteCheckout(ctx context.Context, buyerID, orderID string) (*dto.ExecuteResponse, error)
	ExecuteByExternalRef(ctx context.Context, externalRef string) (*dto.ExecuteResponse, error)
	HandleWebhook(ctx context.Context, headers http.Header, body []byte) (WebhookAck, error)
}

type checkoutServiceImpl struct {
	db            *gorm.DB
	gateway       client.PaymentGateway
	engine        *fulfillment.Engine
	orderRepo     repository.OrderRepository
	catalogRepo   repository.CatalogRepository
	webhookEvents repository.WebhookEventRepository
	logger        *slog.Logger
}

func NewCheckoutService(
	db *gorm.DB,
	gateway client.PaymentGateway,
	engine *fulfillment.Engine,
	orderRepo repository.OrderRepository,
	catalogRepo repository.CatalogRepository,
	webhookEvents repository.WebhookEventRepository,
	logger *slog.Logger,
) CheckoutService {
	return &checkoutServiceImpl{
		db:            db,
		gateway:       gateway,
		engine:        engine,
		orderRepo:     orderRepo,
		catalogRepo:   catalogRepo,
		webhookEvents: webhookEvents,
		logger:        logger,
	}
}

// CreateCheckout prices the requested items from the catalog, opens a provider
// checkout session, and persists the pending order with its external ref. The
// total is fixed here and never recomputed.
func (s *checkoutServiceImpl) CreateCheckout(ctx context.Context, buyerID string, items []*dto.CheckoutItem) (*dto.CheckoutResponse, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("checkout requires at least one item")
	}

	orderID := uuid.NewString()
	orderItems, totalCents, currency, err := s.priceItems(ctx, orderID, items)
	if err != nil {
		return nil, err
	}

	order := &model.Order{
		ID:            orderID,
		BuyerID:       buyerID,
		Status:        model.OrderPending,
		TotalCents:    totalCents,
		Currency:      currency,
		PaymentMethod: "paypal",
		CreatedAt:     time.Now(),
	}

	session, err := s.gateway.CreateCheckout(ctx, order, orderItems)
	if err != nil {
		return nil, fmt.Errorf("gateway create checkout: %w", err)
	}
	order.ExternalPaymentRef = session.ExternalPaymentRef

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.orderRepo.Create(ctx, tx, order); err != nil {
			return fmt.Errorf("store order: %w", err)
		}
		if err := s.orderRepo.CreateOrderItems(ctx, tx, orderItems); err != nil {
			return fmt.Errorf("store order items: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &dto.CheckoutResponse{
		OrderID:     order.ID,
		ApprovalURL: session.ApprovalURL,
	}, nil
}

func (s *checkoutServiceImpl) priceItems(ctx context.Context, orderID string, items []*dto.CheckoutItem) ([]*model.OrderItem, int64, string, error) {
	var modIDs, bundleIDs []string
	for _, item := range items {
		if item.Quantity <= 0 {
			return nil, 0, "", fmt.Errorf("item quantity must be positive")
		}
		switch model.ItemKind(item.Kind) {
		case model.ItemMod:
			modIDs = append(modIDs, item.RefID)
		case model.ItemBundle:
			bundleIDs = append(bundleIDs, item.RefID)
		default:
			return nil, 0, "", fmt.Errorf("unknown item kind %q", item.Kind)
		}
	}

	modPrices := make(map[string]*model.Mod)
	if len(modIDs) > 0 {
		mods, err := s.catalogRepo.FindMods(ctx, modIDs)
		if err != nil {
			return nil, 0, "", fmt.Errorf("load mods: %w", err)
		}
		for _, mod := range mods {
			modPrices[mod.ID] = mod
		}
	}

	bundlePrices := make(map[string]*model.Bundle)
	if len(bundleIDs) > 0 {
		bundles, err := s.catalogRepo.FindBundles(ctx, bundleIDs)
		if err != nil {
			return nil, 0, "", fmt.Errorf("load bundles: %w", err)
		}
		for _, bundle := range bundles {
			bundlePrices[bundle.ID] = bundle
		}
	}

	var (
		orderItems []*model.OrderItem
		totalCents int64
		currency   string
	)
	for _, item := range items {
		var unitPrice int64
		var itemCurrency string

		switch model.ItemKind(item.Kind) {
		case model.ItemMod:
			mod, ok := modPrices[item.RefID]
			if !ok {
				return nil, 0, "", fmt.Errorf("%w: mod %s", ErrItemsNotFound, item.RefID)
			}
			unitPrice = mod.PriceCents
			itemCurrency = mod.Currency
		case model.ItemBundle:
			bundle, ok := bundlePrices[item.RefID]
			if !ok {
				return nil, 0, "", fmt.Errorf("%w: bundle %s", ErrItemsNotFound, item.RefID)
			}
			unitPrice = bundle.PriceCents
			itemCurrency = bundle.Currency
		}

		if currency == "" {
			currency = itemCurrency
		} else if currency != itemCurrency {
			return nil, 0, "", fmt.Errorf("mixed currencies in one checkout")
		}

		totalCents += unitPrice * int64(item.Quantity)
		orderItems = append(orderItems, &model.OrderItem{
			OrderID:        orderID,
			Kind:           model.ItemKind(item.Kind),
			RefID:          item.RefID,
			UnitPriceCents: unitPrice,
			Quantity:       item.Quantity,
			Currency:       itemCurrency,
		})
	}

	return orderItems, totalCents, currency, nil
}

// ExecuteCheckout is the buyer-facing synchronous path: capture at the
// provider, then hand the resulting event to the fulfillment engine.
func (s *checkoutServiceImpl) ExecuteCheckout(ctx context.Context, buyerID, orderID string) (*dto.ExecuteResponse, error) {
	order, err := s.orderRepo.FindByID(ctx, orderID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", fulfillment.ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}

	if order.BuyerID != buyerID {
		return nil, ErrNotOrderOwner
	}

	return s.executeOrder(ctx, order, buyerID)
}

// ExecuteByExternalRef handles the buyer's browser return from the provider,
// which carries only the provider-side order token.
func (s *checkoutServiceImpl) ExecuteByExternalRef(ctx context.Context, externalRef string) (*dto.ExecuteResponse, error) {
	order, err := s.orderRepo.FindByExternalRef(ctx, externalRef)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: ref %s", fulfillment.ErrOrderNotFound, externalRef)
	}
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}

	return s.executeOrder(ctx, order, "")
}

func (s *checkoutServiceImpl) executeOrder(ctx context.Context, order *model.Order, buyerID string) (*dto.ExecuteResponse, error) {
	// Only a pending order may reach the provider. The webhook may have
	// settled it already, and capturing a failed or refunded order would take
	// money for something that can never be fulfilled.
	switch order.Status {
	case model.OrderCompleted:
		return &dto.ExecuteResponse{Success: true, AlreadyProcessed: true}, nil
	case model.OrderPending:
	default:
		return nil, fmt.Errorf("%w: order %s is %s", fulfillment.ErrOrderStateConflict, order.ID, order.Status)
	}

	event, err := s.gateway.ExecutePayment(ctx, order.ExternalPaymentRef)
	if err != nil {
		if errors.Is(err, client.ErrPaymentRejected) {
			// Settle the order as failed; the decline itself is surfaced.
			failed := &model.PaymentEvent{
				ExternalPaymentRef: order.ExternalPaymentRef,
				OrderID:            order.ID,
				Outcome:            model.OutcomeFailed,
			}
			if _, applyErr := s.engine.Apply(ctx, failed); applyErr != nil {
				s.logger.Error("mark rejected order failed", "order_id", order.ID, "err", applyErr)
			}
		}
		return nil, err
	}

	event.OrderID = order.ID
	// Authenticated execute carries the buyer identity into the cross-check;
	// the browser return path has no session and leaves it empty.
	event.BuyerID = buyerID
	result, err := s.engine.Apply(ctx, event)
	if err != nil {
		return nil, err
	}

	return &dto.ExecuteResponse{
		Success:          result == fulfillment.ResultFulfilled || result == fulfillment.ResultAlreadyProcessed,
		AlreadyProcessed: result == fulfillment.ResultAlreadyProcessed,
	}, nil
}

// HandleWebhook verifies, deduplicates and applies a provider callback, and
// classifies it durably before the transport layer is allowed to ack.
func (s *checkoutServiceImpl) HandleWebhook(ctx context.Context, headers http.Header, body []byte) (WebhookAck, error) {
	event, err := s.gateway.VerifyAndParseWebhook(ctx, headers, body)
	if err != nil {
		if errors.Is(err, client.ErrInvalidSignature) {
			s.logger.Error("webhook signature verification failed", "err", err)
		}
		return "", err
	}

	seen, err := s.webhookEvents.Exists(ctx, event.RawProviderID)
	if err != nil {
		return "", fmt.Errorf("check webhook event: %w", err)
	}
	if seen {
		return AckDuplicate, nil
	}

	ack := AckProcessed
	result, err := s.engine.Apply(ctx, event)
	switch {
	case errors.Is(err, fulfillment.ErrOrderNotFound):
		// Definitive: retrying will never make this order exist. Ack and log.
		ack = AckUnknownOrder
	case errors.Is(err, fulfillment.ErrOrderStateConflict):
		// Definitive and already logged at high severity by the engine.
		ack = AckConflict
	case err != nil:
		// Transient (storage, etc.): withhold the ack so the provider retries.
		return "", err
	case result == fulfillment.ResultAlreadyProcessed, result == fulfillment.ResultIgnored:
		ack = AckIgnored
	}

	if err := s.webhookEvents.MarkProcessed(ctx, event.RawProviderID, string(event.Outcome)); err != nil {
		return "", fmt.Errorf("mark webhook event processed: %w", err)
	}

	return ack, nil
}
