package commission

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stefke3210-cmd/agrimods/internal/model"
	"github.com/stefke3210-cmd/agrimods/internal/repository"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000",
		strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&model.User{}, &model.Order{}, &model.Commission{}))
	return db
}

func newTestEngine(t *testing.T) (*Engine, *gorm.DB) {
	t.Helper()
	db := setupTestDB(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := NewEngine(db, repository.NewUserRepository(db), repository.NewCommissionRepository(db), logger)
	return engine, db
}

func seedUser(t *testing.T, db *gorm.DB, id string, referredBy *string, rate string) {
	t.Helper()
	require.NoError(t, db.Create(&model.User{
		ID:             id,
		Email:          id + "@example.com",
		ReferredBy:     referredBy,
		CommissionRate: decimal.RequireFromString(rate),
	}).Error)
}

func completedOrder(id, buyerID string, totalCents int64) *model.Order {
	return &model.Order{
		ID:         id,
		BuyerID:    buyerID,
		Status:     model.OrderCompleted,
		TotalCents: totalCents,
		Currency:   "USD",
	}
}

func TestCredit_NoReferral(t *testing.T) {
	engine, db := newTestEngine(t)

	seedUser(t, db, "buyer-1", nil, "0")

	result, err := engine.Credit(context.Background(), completedOrder("O1", "buyer-1", 5000))
	require.NoError(t, err)
	assert.Equal(t, ResultNoCommissionDue, result)

	var count int64
	require.NoError(t, db.Model(&model.Commission{}).Count(&count).Error)
	assert.EqualValues(t, 0, count)
}

func TestCredit_SnapshotsRateAtConversionTime(t *testing.T) {
	engine, db := newTestEngine(t)
	commissions := repository.NewCommissionRepository(db)

	affiliate := "affiliate-a"
	seedUser(t, db, affiliate, nil, "0.10")
	seedUser(t, db, "buyer-1", &affiliate, "0")

	order := completedOrder("O2", "buyer-1", 5000)

	result, err := engine.Credit(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, ResultCredited, result)

	// Rate change after the fact must not touch the recorded commission.
	require.NoError(t, db.Model(&model.User{}).Where("id = ?", affiliate).
		Update("commission_rate", decimal.RequireFromString("0.30")).Error)

	result, err = engine.Credit(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, ResultAlreadyCredited, result)

	record, err := commissions.FindByOrderID(context.Background(), "O2")
	require.NoError(t, err)
	assert.EqualValues(t, 500, record.AmountCents)
	assert.Equal(t, "0.1", record.Rate.String())
	assert.Equal(t, affiliate, record.AffiliateUserID)
	assert.Equal(t, "buyer-1", record.ReferredUserID)

	// AlreadyCredited moves no balances.
	var aff model.User
	require.NoError(t, db.Where("id = ?", affiliate).First(&aff).Error)
	assert.EqualValues(t, 500, aff.PendingEarningsCents)
	assert.EqualValues(t, 500, aff.TotalEarningsCents)
}

func TestCredit_RoundsHalfToEven(t *testing.T) {
	tests := []struct {
		name       string
		totalCents int64
		rate       string
		wantCents  int64
	}{
		{name: "exact", totalCents: 10000, rate: "0.20", wantCents: 2000},
		{name: "half rounds up to even", totalCents: 1255, rate: "0.10", wantCents: 126},
		{name: "half rounds down to even", totalCents: 1245, rate: "0.10", wantCents: 124},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, db := newTestEngine(t)

			affiliate := "affiliate-a"
			seedUser(t, db, affiliate, nil, tt.rate)
			seedUser(t, db, "buyer-1", &affiliate, "0")

			result, err := engine.Credit(context.Background(), completedOrder("O1", "buyer-1", tt.totalCents))
			require.NoError(t, err)
			assert.Equal(t, ResultCredited, result)

			var record model.Commission
			require.NoError(t, db.Where("order_id = ?", "O1").First(&record).Error)
			assert.Equal(t, tt.wantCents, record.AmountCents)
		})
	}
}

func TestCredit_AccumulatesAcrossOrders(t *testing.T) {
	engine, db := newTestEngine(t)

	affiliate := "affiliate-a"
	seedUser(t, db, affiliate, nil, "0.20")
	seedUser(t, db, "buyer-1", &affiliate, "0")
	seedUser(t, db, "buyer-2", &affiliate, "0")

	_, err := engine.Credit(context.Background(), completedOrder("O1", "buyer-1", 10000))
	require.NoError(t, err)
	_, err = engine.Credit(context.Background(), completedOrder("O2", "buyer-2", 5000))
	require.NoError(t, err)

	var aff model.User
	require.NoError(t, db.Where("id = ?", affiliate).First(&aff).Error)
	assert.EqualValues(t, 3000, aff.PendingEarningsCents)
	assert.EqualValues(t, 3000, aff.TotalEarningsCents)

	var count int64
	require.NoError(t, db.Model(&model.Commission{}).Count(&count).Error)
	assert.EqualValues(t, 2, count)
}
