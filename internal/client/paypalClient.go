package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stefke3210-cmd/agrimods/internal/config"
	"github.com/stefke3210-cmd/agrimods/internal/model"

	"github.com/shopspring/decimal"
)

var (
	// ErrGatewayUnavailable covers network failures, timeouts and provider 5xx.
	// The order stays pending and the attempt is safe to retry.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrPaymentRejected means the provider declined this attempt.
	ErrPaymentRejected = errors.New("payment rejected by provider")
	// ErrCheckoutNotApproved means the buyer has not approved the checkout at
	// the provider yet. Nothing terminal happened; the order stays pending.
	ErrCheckoutNotApproved = errors.New("checkout not approved by buyer")
	// ErrInvalidSignature means the webhook payload could not be authenticated.
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// CheckoutSession is the provider-side handle for a created checkout.
type CheckoutSession struct {
	ExternalPaymentRef string
	ApprovalURL        string
}

type PaymentGateway interface {
	CreateCheckout(ctx context.Context, order *model.Order, items []*model.OrderItem) (*CheckoutSession, error)
	ExecutePayment(ctx context.Context, externalPaymentRef string) (*model.PaymentEvent, error)
	VerifyAndParseWebhook(ctx context.Context, headers http.Header, body []byte) (*model.PaymentEvent, error)
}

type paypalGatewayImpl struct {
	httpClient         *http.Client
	baseApiURL         string
	paypalClientID     string
	paypalClientSecret string
	webhookID          string
	serviceBaseURL     string
}

type paypalLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

type paypalCreateOrderResult struct {
	ID     string       `json:"id"`
	Links  []paypalLink `json:"links"`
	Status string       `json:"status"`
}

type paypalCapture struct {
	ID     string             `json:"id"`
	Status string             `json:"status"`
	Amount model.PaypalAmount `json:"amount"`
}

type paypalCaptureResult struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PurchaseUnits []struct {
		Payments struct {
			Captures []paypalCapture `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

func NewPaypalGateway(paypalCfg *config.Paypal, serviceBaseURL string) PaymentGateway {
	return &paypalGatewayImpl{
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		baseApiURL:         paypalCfg.BaseApiURL,
		paypalClientID:     paypalCfg.ClientID,
		paypalClientSecret: paypalCfg.ClientSecret,
		webhookID:          paypalCfg.WebhookID,
		serviceBaseURL:     serviceBaseURL,
	}
}

func (c *paypalGatewayImpl) getAccessToken(ctx context.Context) (string, error) {
	auth := base64.StdEncoding.EncodeToString(
		[]byte(c.paypalClientID + ":" + c.paypalClientSecret),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseApiURL+"/v1/oauth2/token",
		bytes.NewBufferString("grant_type=client_credentials"))
	if err != nil {
		return "", fmt.Errorf("http new request: %w", err)
	}
	req.Header.Set("Authorization", "Basic "+auth)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: get access token: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: token endpoint status %d", ErrGatewayUnavailable, resp.StatusCode)
	}

	var res struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}

	return res.AccessToken, nil
}

func (c *paypalGatewayImpl) CreateCheckout(ctx context.Context, order *model.Order, items []*model.OrderItem) (*CheckoutSession, error) {
	accessToken, err := c.getAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"intent": "CAPTURE",
		"purchase_units": []map[string]interface{}{
			{
				"reference_id": order.ID,
				"amount": map[string]string{
					"currency_code": order.Currency,
					"value":         centsToValue(order.TotalCents),
				},
			},
		},
		"application_context": map[string]string{
			"return_url": fmt.Sprintf("%s/api/paypal/return", c.serviceBaseURL),
			"cancel_url": c.serviceBaseURL,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal req payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseApiURL+"/v2/checkout/orders",
		bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("http new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: create order: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: create order status %d: %s", ErrGatewayUnavailable, resp.StatusCode, string(b))
	}

	var result paypalCreateOrderResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode paypal response: %w", err)
	}

	return &CheckoutSession{
		ExternalPaymentRef: result.ID,
		ApprovalURL:        extractApproveURL(result.Links),
	}, nil
}

func (c *paypalGatewayImpl) ExecutePayment(ctx context.Context, externalPaymentRef string) (*model.PaymentEvent, error) {
	accessToken, err := c.getAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v2/checkout/orders/%s/capture", c.baseApiURL, externalPaymentRef)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create capture request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: capture: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		if firstIssue(body) == "ORDER_NOT_APPROVED" {
			return nil, fmt.Errorf("%w: %s", ErrCheckoutNotApproved, string(body))
		}
		// INSTRUMENT_DECLINED and friends
		return nil, fmt.Errorf("%w: %s", ErrPaymentRejected, string(body))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: capture status %d: %s", ErrGatewayUnavailable, resp.StatusCode, string(body))
	}

	var result paypalCaptureResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode capture response: %w", err)
	}

	// A 2xx capture that is not COMPLETED (pending clearance, in review) is
	// not final either way; the webhook settles the order later. Declines
	// surface as a 422, handled above.
	event := &model.PaymentEvent{
		ExternalPaymentRef: result.ID,
		Outcome:            model.OutcomeIgnored,
	}
	if result.Status == "COMPLETED" {
		event.Outcome = model.OutcomeSucceeded
	}

	if len(result.PurchaseUnits) > 0 && len(result.PurchaseUnits[0].Payments.Captures) > 0 {
		capture := result.PurchaseUnits[0].Payments.Captures[0]
		event.RawProviderID = capture.ID
		event.Currency = capture.Amount.Currency
		cents, err := valueToCents(capture.Amount.Value)
		if err != nil {
			return nil, fmt.Errorf("parse capture amount %q: %w", capture.Amount.Value, err)
		}
		event.AmountCents = cents
	}

	return event, nil
}

// VerifyAndParseWebhook authenticates the payload against PayPal's verification
// API and normalizes it. Verification is unconditional; there is no sandbox or
// staging bypass on this path.
func (c *paypalGatewayImpl) VerifyAndParseWebhook(ctx context.Context, headers http.Header, body []byte) (*model.PaymentEvent, error) {
	if err := c.verifyWebhookSignature(ctx, headers, body); err != nil {
		return nil, err
	}

	var eventPayload model.PaypalWebhookEvent
	if err := json.Unmarshal(body, &eventPayload); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}

	event := &model.PaymentEvent{
		ExternalPaymentRef: eventPayload.Resource.SupplementaryData.RelatedIDs.OrderID,
		RawProviderID:      eventPayload.ID,
		Currency:           eventPayload.Resource.Amount.Currency,
	}

	switch eventPayload.EventType {
	case "PAYMENT.CAPTURE.COMPLETED":
		event.Outcome = model.OutcomeSucceeded
	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED":
		event.Outcome = model.OutcomeFailed
	default:
		event.Outcome = model.OutcomeIgnored
		return event, nil
	}

	if eventPayload.Resource.Amount.Value != "" {
		cents, err := valueToCents(eventPayload.Resource.Amount.Value)
		if err != nil {
			return nil, fmt.Errorf("parse webhook amount %q: %w", eventPayload.Resource.Amount.Value, err)
		}
		event.AmountCents = cents
	}

	return event, nil
}

func (c *paypalGatewayImpl) verifyWebhookSignature(ctx context.Context, headers http.Header, body []byte) error {
	accessToken, err := c.getAccessToken(ctx)
	if err != nil {
		return err
	}

	payload := map[string]interface{}{
		"auth_algo":         headers.Get("Paypal-Auth-Algo"),
		"cert_url":          headers.Get("Paypal-Cert-Url"),
		"transmission_id":   headers.Get("Paypal-Transmission-Id"),
		"transmission_sig":  headers.Get("Paypal-Transmission-Sig"),
		"transmission_time": headers.Get("Paypal-Transmission-Time"),
		"webhook_id":        c.webhookID,
		"webhook_event":     json.RawMessage(body),
	}

	reqBody, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal verification payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseApiURL+"/v1/notifications/verify-webhook-signature",
		bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("http new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: verify signature: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: verify endpoint status %d: %s", ErrGatewayUnavailable, resp.StatusCode, string(b))
	}

	var result struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode verification response: %w", err)
	}

	if result.VerificationStatus != "SUCCESS" {
		return ErrInvalidSignature
	}
	return nil
}

// firstIssue pulls the first issue code out of a PayPal error body.
func firstIssue(body []byte) string {
	var res struct {
		Details []struct {
			Issue string `json:"issue"`
		} `json:"details"`
	}
	if err := json.Unmarshal(body, &res); err != nil || len(res.Details) == 0 {
		return ""
	}
	return res.Details[0].Issue
}

func extractApproveURL(links []paypalLink) string {
	for _, link := range links {
		if link.Rel == "approve" {
			return link.Href
		}
	}
	return ""
}

func centsToValue(cents int64) string {
	return decimal.NewFromInt(cents).Div(decimal.NewFromInt(100)).StringFixed(2)
}

func valueToCents(value string) (int64, error) {
	dec, err := decimal.NewFromString(value)
	if err != nil {
		return 0, err
	}
	return dec.Mul(decimal.NewFromInt(100)).IntPart(), nil
}
