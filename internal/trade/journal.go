package trade

import (
	"context"
	"sort"
	"sync"
	"time"

	"quote-engine/internal/errs"
	"quote-engine/internal/pricing"
)

// Status is the settlement state of a trade attempt.
type Status string

const (
	StatusConfirming Status = "CONFIRMING"
	StatusSettled    Status = "SETTLED"
	StatusFailed     Status = "FAILED"
)

// Record is the journal entry for one confirmation attempt.
type Record struct {
	QuoteID     string       `json:"quoteId"`
	AccountID   string       `json:"accountId"`
	Side        pricing.Side `json:"side"`
	Status      Status       `json:"status"`
	FailureCode errs.Code    `json:"failureCode,omitempty"`
	Result      *Result      `json:"result,omitempty"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// Journal stores trade records keyed by quote id.
type Journal interface {
	Save(ctx context.Context, rec Record) error
	Get(ctx context.Context, quoteID string) (Record, error)
	ListByAccount(ctx context.Context, accountID string, limit int) ([]Record, error)
}

// MemoryJournal is an in-process Journal.
type MemoryJournal struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryJournal constructs an empty journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{records: make(map[string]Record)}
}

func (j *MemoryJournal) Save(_ context.Context, rec Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records[rec.QuoteID] = rec
	return nil
}

func (j *MemoryJournal) Get(_ context.Context, quoteID string) (Record, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	rec, ok := j.records[quoteID]
	if !ok {
		return Record{}, errs.New(errs.CodeNotFound, "trade not found")
	}
	return rec, nil
}

func (j *MemoryJournal) ListByAccount(_ context.Context, accountID string, limit int) ([]Record, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []Record
	for _, rec := range j.records {
		if rec.AccountID == accountID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].UpdatedAt.After(out[k].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Journal = (*MemoryJournal)(nil)
