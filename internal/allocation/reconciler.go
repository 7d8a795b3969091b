package allocation

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"quote-engine/internal/errs"
)

// Suggestion tells the caller how to top a purchase up to the next whole gram.
type Suggestion struct {
	GramsToAdd  decimal.Decimal `json:"gramsToAdd"`
	TargetGrams decimal.Decimal `json:"targetGrams"`
	CostToAdd   decimal.Decimal `json:"costToAdd"`
}

// Split is the whole-gram / fractional breakdown of a quantity.
type Split struct {
	TotalGrams           decimal.Decimal `json:"totalGrams"`
	AllocatedGrams       decimal.Decimal `json:"allocatedGrams"`
	NonAllocatedGrams    decimal.Decimal `json:"nonAllocatedGrams"`
	HasPartialAllocation bool            `json:"hasPartialAllocation"`
	Suggestion           *Suggestion     `json:"suggestion,omitempty"`
}

// Record is the persisted allocation outcome of one buy settlement.
type Record struct {
	AccountID         string          `json:"accountId"`
	Asset             string          `json:"asset"`
	QuoteID           string          `json:"quoteId"`
	TotalGrams        decimal.Decimal `json:"totalGrams"`
	AllocatedGrams    decimal.Decimal `json:"allocatedGrams"`
	NonAllocatedGrams decimal.Decimal `json:"nonAllocatedGrams"`
	CertificateRef    string          `json:"certificateRef,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
}

// Verify checks the split invariant for a physically backed asset: allocated
// is whole and the parts add up.
func (s Split) Verify() error {
	if !s.AllocatedGrams.Equal(s.AllocatedGrams.Truncate(0)) {
		return errs.Wrap(errs.CodeInternalConsistency,
			fmt.Errorf("allocated grams %s is not an integer", s.AllocatedGrams),
			errs.ErrInternalConsistency.Message)
	}
	if !s.AllocatedGrams.Add(s.NonAllocatedGrams).Equal(s.TotalGrams) {
		return errs.Wrap(errs.CodeInternalConsistency,
			fmt.Errorf("allocated %s + non-allocated %s != total %s", s.AllocatedGrams, s.NonAllocatedGrams, s.TotalGrams),
			errs.ErrInternalConsistency.Message)
	}
	if s.NonAllocatedGrams.IsNegative() || s.NonAllocatedGrams.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return errs.Wrap(errs.CodeInternalConsistency,
			fmt.Errorf("non-allocated grams %s out of range", s.NonAllocatedGrams),
			errs.ErrInternalConsistency.Message)
	}
	return nil
}

// Record converts a verified split into a persistable record.
func (s Split) Record(accountID, asset, quoteID string, at time.Time) Record {
	return Record{
		AccountID:         accountID,
		Asset:             asset,
		QuoteID:           quoteID,
		TotalGrams:        s.TotalGrams,
		AllocatedGrams:    s.AllocatedGrams,
		NonAllocatedGrams: s.NonAllocatedGrams,
		CreatedAt:         at,
	}
}

// Reconciler splits purchased quantities of physically backed assets.
type Reconciler struct {
	physical  map[string]bool
	increment decimal.Decimal
	places    int32
}

// NewReconciler builds a Reconciler. physical lists the asset codes backed by
// custodied metal; increment is the smallest tradable gram step.
func NewReconciler(physical []string, increment decimal.Decimal, pricePlaces int32) (*Reconciler, error) {
	if !increment.IsPositive() || increment.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("allocation increment must be within (0,1], got %s", increment)
	}
	set := make(map[string]bool, len(physical))
	for _, a := range physical {
		set[strings.ToUpper(strings.TrimSpace(a))] = true
	}
	if pricePlaces <= 0 {
		pricePlaces = 8
	}
	return &Reconciler{physical: set, increment: increment, places: pricePlaces}, nil
}

// IsPhysical reports whether asset reconciles against whole-gram backing.
func (r *Reconciler) IsPhysical(asset string) bool {
	return r.physical[strings.ToUpper(strings.TrimSpace(asset))]
}

// Reconcile splits totalGrams into the allocatable whole part and the
// fractional remainder. The suggestion prices the top-up at executionPrice.
func (r *Reconciler) Reconcile(asset string, totalGrams, executionPrice decimal.Decimal) Split {
	if !r.IsPhysical(asset) {
		return Split{TotalGrams: totalGrams, AllocatedGrams: totalGrams, NonAllocatedGrams: decimal.Zero}
	}
	allocated := totalGrams.Floor()
	remainder := totalGrams.Sub(allocated)
	split := Split{
		TotalGrams:        totalGrams,
		AllocatedGrams:    allocated,
		NonAllocatedGrams: remainder,
	}
	if remainder.IsZero() {
		return split
	}
	split.HasPartialAllocation = true
	gramsToAdd := roundUpTo(decimal.NewFromInt(1).Sub(remainder), r.increment)
	split.Suggestion = &Suggestion{
		GramsToAdd:  gramsToAdd,
		TargetGrams: allocated.Add(decimal.NewFromInt(1)),
		CostToAdd:   gramsToAdd.Mul(executionPrice).RoundCeil(r.places),
	}
	return split
}

func roundUpTo(v, step decimal.Decimal) decimal.Decimal {
	steps := v.Div(step).Ceil()
	return steps.Mul(step)
}
