package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	"github.com/stefke3210-cmd/agrimods/internal/client"
	"github.com/stefke3210-cmd/agrimods/internal/commission"
	"github.com/stefke3210-cmd/agrimods/internal/dto"
	"github.com/stefke3210-cmd/agrimods/internal/fulfillment"
	"github.com/stefke3210-cmd/agrimods/internal/model"
	"github.com/stefke3210-cmd/agrimods/internal/outbox"
	"github.com/stefke3210-cmd/agrimods/internal/repository"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) CreateCheckout(ctx context.Context, order *model.Order, items []*model.OrderItem) (*client.CheckoutSession, error) {
	args := m.Called(ctx, order, items)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*client.CheckoutSession), args.Error(1)
}

func (m *MockGateway) ExecutePayment(ctx context.Context, externalPaymentRef string) (*model.PaymentEvent, error) {
	args := m.Called(ctx, externalPaymentRef)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PaymentEvent), args.Error(1)
}

func (m *MockGateway) VerifyAndParseWebhook(ctx context.Context, headers http.Header, body []byte) (*model.PaymentEvent, error) {
	args := m.Called(ctx, headers, body)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PaymentEvent), args.Error(1)
}

type testEnv struct {
	db      *gorm.DB
	gateway *MockGateway
	service CheckoutService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000",
		strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&model.Mod{},
		&model.Bundle{},
		&model.BundleMod{},
		&model.User{},
		&model.Order{},
		&model.OrderItem{},
		&model.Entitlement{},
		&model.Commission{},
		&model.WebhookEvent{},
		&model.OutboxMessage{},
	))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	orderRepo := repository.NewOrderRepository(db)
	userRepo := repository.NewUserRepository(db)
	catalogRepo := repository.NewCatalogRepository(db, nil)
	entitlementRepo := repository.NewEntitlementRepository(db)
	commissionRepo := repository.NewCommissionRepository(db)
	webhookEventRepo := repository.NewWebhookEventRepository(db)

	creditor := commission.NewEngine(db, userRepo, commissionRepo, logger)
	engine := fulfillment.NewEngine(db, orderRepo, catalogRepo, entitlementRepo, creditor, outbox.NewRepository(db), logger)

	gateway := &MockGateway{}
	svc := NewCheckoutService(db, gateway, engine, orderRepo, catalogRepo, webhookEventRepo, logger)

	return &testEnv{db: db, gateway: gateway, service: svc}
}

func (env *testEnv) seedCatalog(t *testing.T) {
	t.Helper()
	require.NoError(t, env.db.Create(&model.Mod{
		ID: "M1", Title: "terrain pack", PriceCents: 2500, Currency: "USD", Kind: model.ModOneTime,
	}).Error)
	require.NoError(t, env.db.Create(&model.Mod{
		ID: "M2", Title: "harvester skin", PriceCents: 1000, Currency: "USD", Kind: model.ModOneTime,
	}).Error)
}

func (env *testEnv) seedBuyer(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, env.db.Create(&model.User{
		ID: id, Email: id + "@example.com", CommissionRate: decimal.Zero,
	}).Error)
}

func (env *testEnv) seedPendingOrder(t *testing.T, orderID, buyerID string, totalCents int64) {
	t.Helper()
	require.NoError(t, env.db.Create(&model.Order{
		ID:                 orderID,
		BuyerID:            buyerID,
		Status:             model.OrderPending,
		TotalCents:         totalCents,
		Currency:           "USD",
		PaymentMethod:      "paypal",
		ExternalPaymentRef: "pp-" + orderID,
	}).Error)
	require.NoError(t, env.db.Create(&model.OrderItem{
		OrderID: orderID, Kind: model.ItemMod, RefID: "M1", UnitPriceCents: totalCents, Quantity: 1, Currency: "USD",
	}).Error)
}

func TestCreateCheckout(t *testing.T) {
	tests := []struct {
		name          string
		items         []*dto.CheckoutItem
		setupMocks    func(*MockGateway)
		expectedError string
		expectedTotal int64
	}{
		{
			name: "prices items and stores pending order",
			items: []*dto.CheckoutItem{
				{Kind: "mod", RefID: "M1", Quantity: 2},
				{Kind: "mod", RefID: "M2", Quantity: 1},
			},
			setupMocks: func(gateway *MockGateway) {
				gateway.On("CreateCheckout", mock.Anything, mock.AnythingOfType("*model.Order"), mock.Anything).
					Return(&client.CheckoutSession{ExternalPaymentRef: "PP-REF-1", ApprovalURL: "https://approve"}, nil)
			},
			expectedTotal: 6000,
		},
		{
			name: "unknown item",
			items: []*dto.CheckoutItem{
				{Kind: "mod", RefID: "NOPE", Quantity: 1},
			},
			setupMocks:    func(gateway *MockGateway) {},
			expectedError: "some items not found",
		},
		{
			name: "non-positive quantity",
			items: []*dto.CheckoutItem{
				{Kind: "mod", RefID: "M1", Quantity: 0},
			},
			setupMocks:    func(gateway *MockGateway) {},
			expectedError: "quantity must be positive",
		},
		{
			name: "gateway unavailable leaves no order behind",
			items: []*dto.CheckoutItem{
				{Kind: "mod", RefID: "M1", Quantity: 1},
			},
			setupMocks: func(gateway *MockGateway) {
				gateway.On("CreateCheckout", mock.Anything, mock.Anything, mock.Anything).
					Return(nil, client.ErrGatewayUnavailable)
			},
			expectedError: "gateway unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.seedCatalog(t)
			env.seedBuyer(t, "buyer-1")
			tt.setupMocks(env.gateway)

			result, err := env.service.CreateCheckout(context.Background(), "buyer-1", tt.items)

			if tt.expectedError != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.expectedError)

				var count int64
				require.NoError(t, env.db.Model(&model.Order{}).Count(&count).Error)
				assert.EqualValues(t, 0, count, "no order rows on failure")
				return
			}

			require.NoError(t, err)
			assert.NotEmpty(t, result.OrderID)
			assert.Equal(t, "https://approve", result.ApprovalURL)

			var order model.Order
			require.NoError(t, env.db.Where("id = ?", result.OrderID).First(&order).Error)
			assert.Equal(t, model.OrderPending, order.Status)
			assert.Equal(t, tt.expectedTotal, order.TotalCents)
			assert.Equal(t, "PP-REF-1", order.ExternalPaymentRef)

			var itemCount int64
			require.NoError(t, env.db.Model(&model.OrderItem{}).Where("order_id = ?", result.OrderID).Count(&itemCount).Error)
			assert.EqualValues(t, len(tt.items), itemCount)
		})
	}
}

func TestExecuteCheckout_Succeeds(t *testing.T) {
	env := newTestEnv(t)
	env.seedCatalog(t)
	env.seedBuyer(t, "buyer-1")
	env.seedPendingOrder(t, "O1", "buyer-1", 2500)

	env.gateway.On("ExecutePayment", mock.Anything, "pp-O1").Return(&model.PaymentEvent{
		ExternalPaymentRef: "pp-O1",
		AmountCents:        2500,
		Currency:           "USD",
		Outcome:            model.OutcomeSucceeded,
		RawProviderID:      "CAP-1",
	}, nil)

	result, err := env.service.ExecuteCheckout(context.Background(), "buyer-1", "O1")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, result.AlreadyProcessed)

	var order model.Order
	require.NoError(t, env.db.Where("id = ?", "O1").First(&order).Error)
	assert.Equal(t, model.OrderCompleted, order.Status)
}

func TestExecuteCheckout_WrongBuyer(t *testing.T) {
	env := newTestEnv(t)
	env.seedCatalog(t)
	env.seedBuyer(t, "buyer-1")
	env.seedPendingOrder(t, "O1", "buyer-1", 2500)

	_, err := env.service.ExecuteCheckout(context.Background(), "buyer-2", "O1")
	require.ErrorIs(t, err, ErrNotOrderOwner)
	env.gateway.AssertNotCalled(t, "ExecutePayment", mock.Anything, mock.Anything)
}

func TestExecuteCheckout_AlreadyCompletedSkipsGateway(t *testing.T) {
	env := newTestEnv(t)
	env.seedCatalog(t)
	env.seedBuyer(t, "buyer-1")
	env.seedPendingOrder(t, "O1", "buyer-1", 2500)
	require.NoError(t, env.db.Model(&model.Order{}).Where("id = ?", "O1").
		Update("status", model.OrderCompleted).Error)

	result, err := env.service.ExecuteCheckout(context.Background(), "buyer-1", "O1")
	require.NoError(t, err)
	assert.True(t, result.AlreadyProcessed)
	env.gateway.AssertNotCalled(t, "ExecutePayment", mock.Anything, mock.Anything)
}

func TestExecuteCheckout_Rejected(t *testing.T) {
	env := newTestEnv(t)
	env.seedCatalog(t)
	env.seedBuyer(t, "buyer-1")
	env.seedPendingOrder(t, "O1", "buyer-1", 2500)

	env.gateway.On("ExecutePayment", mock.Anything, "pp-O1").Return(nil, client.ErrPaymentRejected)

	_, err := env.service.ExecuteCheckout(context.Background(), "buyer-1", "O1")
	require.ErrorIs(t, err, client.ErrPaymentRejected)

	var order model.Order
	require.NoError(t, env.db.Where("id = ?", "O1").First(&order).Error)
	assert.Equal(t, model.OrderFailed, order.Status)

	var entitlementCount int64
	require.NoError(t, env.db.Model(&model.Entitlement{}).Count(&entitlementCount).Error)
	assert.EqualValues(t, 0, entitlementCount)
}

func TestExecuteCheckout_TerminalOrderRefusesCapture(t *testing.T) {
	for _, status := range []model.OrderStatus{model.OrderFailed, model.OrderRefunded} {
		t.Run(string(status), func(t *testing.T) {
			env := newTestEnv(t)
			env.seedCatalog(t)
			env.seedBuyer(t, "buyer-1")
			env.seedPendingOrder(t, "O1", "buyer-1", 2500)
			require.NoError(t, env.db.Model(&model.Order{}).Where("id = ?", "O1").
				Update("status", status).Error)

			// Capturing here would take the buyer's money for an order that can
			// never be fulfilled, so the provider must not be called at all.
			_, err := env.service.ExecuteCheckout(context.Background(), "buyer-1", "O1")
			require.ErrorIs(t, err, fulfillment.ErrOrderStateConflict)
			env.gateway.AssertNotCalled(t, "ExecutePayment", mock.Anything, mock.Anything)

			var order model.Order
			require.NoError(t, env.db.Where("id = ?", "O1").First(&order).Error)
			assert.Equal(t, status, order.Status)

			var entitlementCount int64
			require.NoError(t, env.db.Model(&model.Entitlement{}).Count(&entitlementCount).Error)
			assert.EqualValues(t, 0, entitlementCount)
		})
	}
}

func TestExecuteCheckout_NotApprovedKeepsOrderPending(t *testing.T) {
	env := newTestEnv(t)
	env.seedCatalog(t)
	env.seedBuyer(t, "buyer-1")
	env.seedPendingOrder(t, "O1", "buyer-1", 2500)

	env.gateway.On("ExecutePayment", mock.Anything, "pp-O1").Return(nil, client.ErrCheckoutNotApproved)

	_, err := env.service.ExecuteCheckout(context.Background(), "buyer-1", "O1")
	require.ErrorIs(t, err, client.ErrCheckoutNotApproved)

	// Not a decline: the buyer can still approve and execute again.
	var order model.Order
	require.NoError(t, env.db.Where("id = ?", "O1").First(&order).Error)
	assert.Equal(t, model.OrderPending, order.Status)
}

func TestExecuteCheckout_GatewayUnavailableKeepsOrderPending(t *testing.T) {
	env := newTestEnv(t)
	env.seedCatalog(t)
	env.seedBuyer(t, "buyer-1")
	env.seedPendingOrder(t, "O1", "buyer-1", 2500)

	env.gateway.On("ExecutePayment", mock.Anything, "pp-O1").Return(nil, client.ErrGatewayUnavailable)

	_, err := env.service.ExecuteCheckout(context.Background(), "buyer-1", "O1")
	require.ErrorIs(t, err, client.ErrGatewayUnavailable)

	// Safe to retry, or to be resolved later by the webhook.
	var order model.Order
	require.NoError(t, env.db.Where("id = ?", "O1").First(&order).Error)
	assert.Equal(t, model.OrderPending, order.Status)
}

func TestHandleWebhook_InvalidSignature(t *testing.T) {
	env := newTestEnv(t)

	env.gateway.On("VerifyAndParseWebhook", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, client.ErrInvalidSignature)

	_, err := env.service.HandleWebhook(context.Background(), http.Header{}, []byte(`{}`))
	require.ErrorIs(t, err, client.ErrInvalidSignature)

	var count int64
	require.NoError(t, env.db.Model(&model.WebhookEvent{}).Count(&count).Error)
	assert.EqualValues(t, 0, count, "unauthenticated events are never recorded")
}

func TestHandleWebhook_ProcessesOnceThenDedups(t *testing.T) {
	env := newTestEnv(t)
	env.seedCatalog(t)
	env.seedBuyer(t, "buyer-1")
	env.seedPendingOrder(t, "O1", "buyer-1", 2500)

	env.gateway.On("VerifyAndParseWebhook", mock.Anything, mock.Anything, mock.Anything).
		Return(&model.PaymentEvent{
			ExternalPaymentRef: "pp-O1",
			AmountCents:        2500,
			Currency:           "USD",
			Outcome:            model.OutcomeSucceeded,
			RawProviderID:      "WH-1",
		}, nil)

	ack, err := env.service.HandleWebhook(context.Background(), http.Header{}, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, AckProcessed, ack)

	var order model.Order
	require.NoError(t, env.db.Where("id = ?", "O1").First(&order).Error)
	assert.Equal(t, model.OrderCompleted, order.Status)

	// Provider redelivery of the same event id.
	ack, err = env.service.HandleWebhook(context.Background(), http.Header{}, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, AckDuplicate, ack)
}

func TestHandleWebhook_UnknownOrderIsAcked(t *testing.T) {
	env := newTestEnv(t)

	env.gateway.On("VerifyAndParseWebhook", mock.Anything, mock.Anything, mock.Anything).
		Return(&model.PaymentEvent{
			ExternalPaymentRef: "pp-unknown",
			Outcome:            model.OutcomeSucceeded,
			RawProviderID:      "WH-2",
		}, nil)

	ack, err := env.service.HandleWebhook(context.Background(), http.Header{}, []byte(`{}`))
	require.NoError(t, err, "unknown order must ack, not retry-storm")
	assert.Equal(t, AckUnknownOrder, ack)

	// The classification is durable: the redelivery is a duplicate.
	ack, err = env.service.HandleWebhook(context.Background(), http.Header{}, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, AckDuplicate, ack)
}

func TestHandleWebhook_IgnoredEventType(t *testing.T) {
	env := newTestEnv(t)

	env.gateway.On("VerifyAndParseWebhook", mock.Anything, mock.Anything, mock.Anything).
		Return(&model.PaymentEvent{
			Outcome:       model.OutcomeIgnored,
			RawProviderID: "WH-3",
		}, nil)

	ack, err := env.service.HandleWebhook(context.Background(), http.Header{}, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, AckIgnored, ack)
}
