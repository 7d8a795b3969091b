package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const pricePath = "/prices/"

// HTTPOptions parameterise the JSON price feed adapter.
type HTTPOptions struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	UserAgent string
	MaxAge    time.Duration
}

// HTTP fetches bid/ask quotes from a JSON price feed:
// GET {base}/prices/{asset} -> {"bid":"...","ask":"...","timestamp":"..."}.
type HTTP struct {
	opts    HTTPOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	clock   func() time.Time
}

// NewHTTP constructs a feed adapter.
func NewHTTP(opts HTTPOptions, logger zerolog.Logger) *HTTP {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTP{
		opts:    opts,
		logger:  logger.With().Str("component", "oracle_http").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		clock:   time.Now,
	}
}

// ReferencePrice retrieves the current bid/ask for asset.
func (h *HTTP) ReferencePrice(ctx context.Context, asset string) (Price, error) {
	if h.baseURL == "" {
		return Price{}, fmt.Errorf("%w: oracle base url not configured", ErrUnavailable)
	}
	code := strings.ToUpper(strings.TrimSpace(asset))
	endpoint := h.baseURL + pricePath + url.PathEscape(code)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Price{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(h.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "quoted/1.0")
	}
	if h.opts.APIKey != "" {
		req.Header.Set("X-API-Key", h.opts.APIKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Price{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Price{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Price{}, fmt.Errorf("%w: %v", ErrUnavailable, parseHTTPError(resp.StatusCode, payload))
	}

	var body priceResponse
	if err := json.Unmarshal(payload, &body); err != nil {
		return Price{}, fmt.Errorf("%w: decode price: %v", ErrUnavailable, err)
	}
	bid, err := decimal.NewFromString(body.Bid)
	if err != nil {
		return Price{}, fmt.Errorf("%w: parse bid: %v", ErrUnavailable, err)
	}
	ask, err := decimal.NewFromString(body.Ask)
	if err != nil {
		return Price{}, fmt.Errorf("%w: parse ask: %v", ErrUnavailable, err)
	}
	if !bid.IsPositive() || !ask.IsPositive() || bid.GreaterThan(ask) {
		return Price{}, fmt.Errorf("%w: crossed or empty book for %s", ErrUnavailable, code)
	}

	observed := h.clock().UTC()
	if body.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, body.Timestamp); err == nil {
			observed = ts.UTC()
		}
	}
	if h.opts.MaxAge > 0 && h.clock().Sub(observed) > h.opts.MaxAge {
		h.logger.Warn().Str("asset", code).Time("observed_at", observed).Msg("stale price rejected")
		return Price{}, fmt.Errorf("%w: stale price for %s", ErrUnavailable, code)
	}

	return Price{Asset: code, Bid: bid, Ask: ask, Source: "http", ObservedAt: observed}, nil
}

type priceResponse struct {
	Bid       string `json:"bid"`
	Ask       string `json:"ask"`
	Timestamp string `json:"timestamp"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("price feed error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("price feed error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("price feed error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("price feed error (%d)", status)
}

var _ PriceOracle = (*HTTP)(nil)
