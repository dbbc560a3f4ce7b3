package model

// Wire shapes for PayPal webhook payloads. Only the fields we read are mapped.

type PaypalAmount struct {
	Currency string `json:"currency_code"`
	Value    string `json:"value"`
}

type PaypalRelatedIDs struct {
	OrderID string `json:"order_id"`
}

type PaypalSupplementaryData struct {
	RelatedIDs PaypalRelatedIDs `json:"related_ids"`
}

type PaypalResource struct {
	ID                string                  `json:"id"`
	Amount            PaypalAmount            `json:"amount"`
	SupplementaryData PaypalSupplementaryData `json:"supplementary_data"`
}

type PaypalWebhookEvent struct {
	ID         string         `json:"id"`
	EventType  string         `json:"event_type"`
	CreateTime string         `json:"create_time"`
	Resource   PaypalResource `json:"resource"`
}
