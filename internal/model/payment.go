package model

// PaymentOutcome classifies a normalized provider event.
type PaymentOutcome string

const (
	OutcomeSucceeded PaymentOutcome = "succeeded"
	OutcomeFailed    PaymentOutcome = "failed"
	// OutcomeIgnored marks provider events we acknowledge but do not act on.
	OutcomeIgnored PaymentOutcome = "ignored"
)

// PaymentEvent is the normalized result of either a synchronous execute call
// or an asynchronous webhook. It is never persisted; the fulfillment engine
// consumes it exactly once or discards it as a duplicate.
type PaymentEvent struct {
	ExternalPaymentRef string
	// OrderID is set only on the synchronous path where the order is already
	// known. Webhook events carry only the external ref.
	OrderID       string
	BuyerID       string
	AmountCents   int64
	Currency      string
	Outcome       PaymentOutcome
	RawProviderID string
}
