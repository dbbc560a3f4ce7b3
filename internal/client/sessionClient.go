package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var ErrSessionInvalid = errors.New("session invalid or expired")

// SessionVerifier resolves a bearer token to a user id. Authentication itself
// lives in a separate service; this is only the client side of that contract.
type SessionVerifier interface {
	VerifySession(ctx context.Context, token string) (string, error)
}

type sessionClientImpl struct {
	httpClient *http.Client
	baseURL    string
}

func NewSessionClient(baseURL string) SessionVerifier {
	return &sessionClientImpl{
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		baseURL: baseURL,
	}
}

func (c *sessionClientImpl) VerifySession(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/sessions/me", nil)
	if err != nil {
		return "", fmt.Errorf("http new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("session service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", ErrSessionInvalid
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("session service status %d", resp.StatusCode)
	}

	var res struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("decode session response: %w", err)
	}
	if res.UserID == "" {
		return "", ErrSessionInvalid
	}

	return res.UserID, nil
}
