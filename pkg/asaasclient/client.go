/**
 * @description
 * This package provides a minimal client for the Asaas payment gateway API.
 * The billing-service only needs to cancel stale charges; charge creation and
 * everything else stays with the gateway integration that owns it.
 *
 * @dependencies
 * - context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package asaasclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a client for the Asaas API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewClient creates a new Asaas API client.
func NewClient(baseURL, apiKey string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		Logger: logger,
	}
}

// DeleteResponse is returned by DELETE /v3/payments/{id}.
type DeleteResponse struct {
	Deleted bool   `json:"deleted"`
	ID      string `json:"id"`
}

// ErrorResponse represents an error from the Asaas API.
type ErrorResponse struct {
	StatusCode int `json:"-"`
	Errors     []struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("asaas api error (status %d): %s - %s", e.StatusCode, e.Errors[0].Code, e.Errors[0].Description)
	}
	return fmt.Sprintf("asaas api error (status %d)", e.StatusCode)
}

// CancelCharge removes a charge at the gateway. A charge that no longer exists
// counts as cancelled.
func (c *Client) CancelCharge(ctx context.Context, chargeID string) error {
	chargeID = strings.TrimSpace(chargeID)
	if chargeID == "" {
		return fmt.Errorf("charge id is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.BaseURL+"/v3/payments/"+url.PathEscape(chargeID), nil)
	if err != nil {
		return fmt.Errorf("failed to create cancel request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("access_token", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute cancel request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read cancel response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		c.Logger.Warn("charge already absent at gateway", "component", "asaas_client", "op", "cancel_charge", "charge_id", chargeID)
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := &ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, errResp); err != nil {
			c.Logger.Warn("non-2xx response (unparsable error body)", "component", "asaas_client", "op", "cancel_charge", "charge_id", chargeID, "status", resp.StatusCode)
		}
		return errResp
	}

	var deleted DeleteResponse
	if err := json.Unmarshal(bodyBytes, &deleted); err != nil {
		return fmt.Errorf("failed to decode cancel response: %w", err)
	}
	if !deleted.Deleted {
		return fmt.Errorf("gateway did not delete charge %s", chargeID)
	}
	return nil
}
