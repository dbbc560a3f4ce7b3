package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderCompleted OrderStatus = "completed"
	OrderFailed    OrderStatus = "failed"
	OrderRefunded  OrderStatus = "refunded"
)

type ItemKind string

const (
	ItemMod    ItemKind = "mod"
	ItemBundle ItemKind = "bundle"
)

type ModKind string

const (
	ModOneTime      ModKind = "mod"
	ModSubscription ModKind = "subscription"
)

type Mod struct {
	ID         string  `gorm:"primaryKey;size:64;not null"`
	Title      string  `gorm:"size:255;not null"`
	PriceCents int64   `gorm:"not null"`
	Currency   string  `gorm:"size:8;not null"`
	Kind       ModKind `gorm:"size:32;index;not null"`
	// TermDays is the subscription term granted per unit; zero for one-time mods.
	TermDays  int32
	CreatedAt time.Time
}

type Bundle struct {
	ID         string `gorm:"primaryKey;size:64;not null"`
	Title      string `gorm:"size:255;not null"`
	PriceCents int64  `gorm:"not null"`
	Currency   string `gorm:"size:8;not null"`
	CreatedAt  time.Time
}

type BundleMod struct {
	BundleID string `gorm:"primaryKey;size:64;not null"`
	ModID    string `gorm:"primaryKey;size:64;not null"`
}

type User struct {
	ID    string `gorm:"primaryKey;size:64;not null"`
	Email string `gorm:"size:255;uniqueIndex;not null"`
	// ReferredBy is set at registration and immutable afterwards.
	ReferredBy     *string         `gorm:"size:64;index"`
	CommissionRate decimal.Decimal `gorm:"type:numeric;not null"`

	SubscriptionActive    bool
	SubscriptionExpiresAt *time.Time

	// Running affiliate balances, only ever moved by atomic increments.
	PendingEarningsCents int64 `gorm:"not null;default:0"`
	TotalEarningsCents   int64 `gorm:"not null;default:0"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

type Order struct {
	ID            string      `gorm:"primaryKey;size:64;not null"`
	BuyerID       string      `gorm:"size:64;index;not null"`
	Status        OrderStatus `gorm:"size:32;index;not null"`
	TotalCents    int64       `gorm:"not null"` // sum of item line totals at creation, never recomputed
	Currency      string      `gorm:"size:8;not null"`
	PaymentMethod string      `gorm:"size:32;not null"`
	// ExternalPaymentRef is the provider-side order id, recorded at checkout
	// creation. Webhook payloads are only ever used as a lookup key against
	// this column, never as a trusted source of buyer or order identity.
	ExternalPaymentRef string `gorm:"size:128;uniqueIndex;not null"`
	CreatedAt          time.Time
	ProcessedAt        *time.Time
}

type OrderItem struct {
	ID uint `gorm:"primaryKey"`
	// references order.id
	OrderID        string   `gorm:"size:64;index;not null"`
	Kind           ItemKind `gorm:"size:16;not null"`
	RefID          string   `gorm:"size:64;index;not null"` // mod id or bundle id
	UnitPriceCents int64    `gorm:"not null"`
	Quantity       int32    `gorm:"not null"`
	Currency       string   `gorm:"size:8;not null"`
	CreatedAt      time.Time
}

// Entitlement is one owned mod. The composite key gives grants set-union
// semantics: re-granting an owned mod is a no-op.
type Entitlement struct {
	UserID    string `gorm:"primaryKey;size:64;not null"`
	ModID     string `gorm:"primaryKey;size:64;not null"`
	OrderID   string `gorm:"size:64;index;not null"`
	CreatedAt time.Time
}

type CommissionStatus string

const (
	CommissionPending  CommissionStatus = "pending"
	CommissionPaid     CommissionStatus = "paid"
	CommissionRejected CommissionStatus = "rejected"
)

type Commission struct {
	ID string `gorm:"primaryKey;size:64;not null"`
	// At most one commission per order.
	OrderID         string           `gorm:"size:64;uniqueIndex;not null"`
	AffiliateUserID string           `gorm:"size:64;index;not null"`
	ReferredUserID  string           `gorm:"size:64;not null"`
	AmountCents     int64            `gorm:"not null"`
	Rate            decimal.Decimal  `gorm:"type:numeric;not null"` // affiliate rate snapshotted at conversion time
	Status          CommissionStatus `gorm:"size:16;index;not null"`
	CreatedAt       time.Time
}

type WebhookEvent struct {
	EventID     string `gorm:"primaryKey;size:128;not null"`
	EventType   string `gorm:"size:64;index"`
	ProcessedAt time.Time
	CreatedAt   time.Time
}

type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxSent       OutboxStatus = "sent"
	OutboxDead       OutboxStatus = "dead"
)

type OutboxMessage struct {
	ID        uint         `gorm:"primaryKey"`
	Kind      string       `gorm:"size:64;index;not null"`
	Payload   []byte       `gorm:"not null"`
	Status    OutboxStatus `gorm:"size:16;index;not null"`
	Attempts  int          `gorm:"not null;default:0"`
	NextRetry time.Time    `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
