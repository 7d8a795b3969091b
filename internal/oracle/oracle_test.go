package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func noopLogger() zerolog.Logger { return zerolog.Nop() }

func TestHTTPMissingBaseURL(t *testing.T) {
	h := NewHTTP(HTTPOptions{}, noopLogger())
	if _, err := h.ReferencePrice(context.Background(), "AUXG"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestHTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "upstream down"})
	}))
	defer srv.Close()

	h := NewHTTP(HTTPOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	_, err := h.ReferencePrice(context.Background(), "AUXG")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if !strings.Contains(err.Error(), "upstream down") {
		t.Fatalf("error should carry upstream message: %v", err)
	}
}

func TestHTTPSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/prices/AUXG" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-API-Key") != "k" {
			t.Fatalf("api key header missing")
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"bid": "64.10", "ask": "64.30"})
	}))
	defer srv.Close()

	h := NewHTTP(HTTPOptions{BaseURL: srv.URL + "/", APIKey: "k", Timeout: time.Second}, noopLogger())
	p, err := h.ReferencePrice(context.Background(), "auxg")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Bid.Equal(decimal.RequireFromString("64.1")) || !p.Ask.Equal(decimal.RequireFromString("64.3")) {
		t.Fatalf("unexpected price %s/%s", p.Bid, p.Ask)
	}
	if p.Asset != "AUXG" || p.Source != "http" {
		t.Fatalf("unexpected metadata %+v", p)
	}
}

func TestHTTPRejectsCrossedBook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"bid": "65", "ask": "64"})
	}))
	defer srv.Close()

	h := NewHTTP(HTTPOptions{BaseURL: srv.URL}, noopLogger())
	if _, err := h.ReferencePrice(context.Background(), "AUXG"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("crossed book should be unavailable, got %v", err)
	}
}

func TestHTTPRejectsStalePrice(t *testing.T) {
	stamp := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"bid": "1", "ask": "1", "timestamp": stamp})
	}))
	defer srv.Close()

	h := NewHTTP(HTTPOptions{BaseURL: srv.URL, MaxAge: time.Minute}, noopLogger())
	if _, err := h.ReferencePrice(context.Background(), "BTC"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("stale price should be unavailable, got %v", err)
	}
}

func TestStaticAndRouter(t *testing.T) {
	static := NewStatic(map[string]decimal.Decimal{"auxm": decimal.NewFromInt(1)})
	gold := NewStatic(map[string]decimal.Decimal{"AUXG": decimal.NewFromInt(64)})
	r := NewRouter(static).Route("AUXG", gold)

	p, err := r.ReferencePrice(context.Background(), "AUXG")
	if err != nil || !p.Ask.Equal(decimal.NewFromInt(64)) {
		t.Fatalf("routed lookup failed: %v %v", p, err)
	}
	p, err = r.ReferencePrice(context.Background(), "AUXM")
	if err != nil || !p.Bid.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("fallback lookup failed: %v %v", p, err)
	}
	if _, err := r.ReferencePrice(context.Background(), "DOGE"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("unknown asset should be unavailable, got %v", err)
	}
}

func TestChainlinkMissingConfig(t *testing.T) {
	c := NewChainlink(ChainlinkOptions{}, noopLogger())
	if _, err := c.ReferencePrice(context.Background(), "AUXG"); !errors.Is(err, ErrUnavailable) {
		t.Fatal("missing rpc url should be unavailable")
	}

	c = NewChainlink(ChainlinkOptions{RPCURL: "http://localhost"}, noopLogger())
	if _, err := c.ReferencePrice(context.Background(), "AUXG"); !errors.Is(err, ErrUnavailable) {
		t.Fatal("missing feed should be unavailable")
	}
}
