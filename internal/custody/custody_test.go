package custody

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"quote-engine/internal/allocation"
)

func testRecord() allocation.Record {
	return allocation.Record{
		AccountID:         "acct",
		Asset:             "AUXG",
		QuoteID:           "q-1",
		TotalGrams:        decimal.RequireFromString("2.75"),
		AllocatedGrams:    decimal.NewFromInt(2),
		NonAllocatedGrams: decimal.RequireFromString("0.75"),
		CreatedAt:         time.Now().UTC(),
	}
}

func TestWebhookSuccess(t *testing.T) {
	var received webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Fatalf("missing bearer token")
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	hook := NewWebhook(srv.URL, "secret", time.Second, zerolog.Nop())
	if err := hook.Notify(context.Background(), testRecord()); err != nil {
		t.Fatalf("notify should succeed: %v", err)
	}
	if received.Event != allocationEvent || received.Allocation.QuoteID != "q-1" {
		t.Fatalf("unexpected payload %+v", received)
	}
	if !received.Allocation.AllocatedGrams.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("allocated grams lost in transit: %s", received.Allocation.AllocatedGrams)
	}
}

func TestWebhookErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	if err := NewWebhook(srv.URL, "", time.Second, zerolog.Nop()).Notify(context.Background(), testRecord()); err == nil {
		t.Fatal("ok=false should fail")
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()
	if err := NewWebhook(failing.URL, "", time.Second, zerolog.Nop()).Notify(context.Background(), testRecord()); err == nil {
		t.Fatal("5xx should fail")
	}

	if err := NewWebhook("", "", time.Second, zerolog.Nop()).Notify(context.Background(), testRecord()); err == nil {
		t.Fatal("missing url should fail")
	}
}

type recordingSink struct {
	mu      sync.Mutex
	got     []allocation.Record
	failAll bool
}

func (s *recordingSink) Notify(_ context.Context, rec allocation.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, rec)
	if s.failAll {
		return errors.New("custodian down")
	}
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func TestDispatcherDeliversAndDrains(t *testing.T) {
	sink := &recordingSink{}
	disp := NewDispatcher(sink, 8, time.Second, zerolog.Nop())

	for i := 0; i < 3; i++ {
		if err := disp.Notify(context.Background(), testRecord()); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = disp.Run(ctx)

	if sink.count() != 3 {
		t.Fatalf("expected queued notifications to drain, got %d", sink.count())
	}
	select {
	case <-disp.Done():
	default:
		t.Fatal("done should be closed after Run returns")
	}
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	sink := &recordingSink{}
	disp := NewDispatcher(sink, 1, time.Second, zerolog.Nop())

	start := time.Now()
	for i := 0; i < 5; i++ {
		_ = disp.Notify(context.Background(), testRecord())
	}
	if time.Since(start) > time.Second {
		t.Fatal("notify must not block on a full queue")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = disp.Run(ctx)
	if sink.count() != 1 {
		t.Fatalf("expected only the queued notification, got %d", sink.count())
	}
}

func TestDispatcherSurvivesSinkFailure(t *testing.T) {
	sink := &recordingSink{failAll: true}
	disp := NewDispatcher(sink, 4, time.Second, zerolog.Nop())
	_ = disp.Notify(context.Background(), testRecord())
	_ = disp.Notify(context.Background(), testRecord())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = disp.Run(ctx)
	if sink.count() != 2 {
		t.Fatalf("every notification should be attempted, got %d", sink.count())
	}
}
