package custody

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"quote-engine/internal/allocation"
)

const allocationEvent = "allocation.created"

// Webhook posts allocation records to a custodian endpoint.
type Webhook struct {
	url    string
	token  string
	client *http.Client
	logger zerolog.Logger
}

// NewWebhook constructs a webhook notifier.
func NewWebhook(url, token string, timeout time.Duration, logger zerolog.Logger) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		url:    strings.TrimSpace(url),
		token:  token,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "custody_webhook").Logger(),
	}
}

type webhookPayload struct {
	Event      string            `json:"event"`
	Allocation allocation.Record `json:"allocation"`
}

// Notify posts rec and expects a 2xx response.
func (w *Webhook) Notify(ctx context.Context, rec allocation.Record) error {
	if w.url == "" {
		return fmt.Errorf("custody webhook url not configured")
	}
	body, err := json.Marshal(webhookPayload{Event: allocationEvent, Allocation: rec})
	if err != nil {
		return fmt.Errorf("marshal custody payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create custody request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send custody request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("custody webhook returned status %d", resp.StatusCode)
	}

	var result struct {
		OK *bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && result.OK != nil && !*result.OK {
		return fmt.Errorf("custody webhook returned ok=false")
	}

	w.logger.Info().Str("quote_id", rec.QuoteID).
		Str("asset", rec.Asset).
		Str("allocated_grams", rec.AllocatedGrams.String()).
		Msg("custody notified")
	return nil
}

var _ Notifier = (*Webhook)(nil)
