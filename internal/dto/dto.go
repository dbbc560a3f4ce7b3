package dto

import "time"

type CheckoutItem struct {
	Kind     string `json:"kind"` // "mod" or "bundle"
	RefID    string `json:"ref_id"`
	Quantity int32  `json:"quantity"`
}

type CheckoutRequest struct {
	Items []*CheckoutItem `json:"items"`
}

type CheckoutResponse struct {
	OrderID     string `json:"order_id"`
	ApprovalURL string `json:"approval_url"`
}

type ExecuteResponse struct {
	Success          bool `json:"success"`
	AlreadyProcessed bool `json:"already_processed,omitempty"`
}

type EntitlementsResponse struct {
	ModIDs                []string   `json:"mod_ids"`
	SubscriptionActive    bool       `json:"subscription_active"`
	SubscriptionExpiresAt *time.Time `json:"subscription_expires_at,omitempty"`
}
