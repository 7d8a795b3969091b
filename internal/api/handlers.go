package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
	"github.com/shopspring/decimal"

	"quote-engine/internal/errs"
	"quote-engine/internal/pricing"
	"quote-engine/internal/quote"
	"quote-engine/internal/trade"
)

const maxBodyBytes = 1 << 16

type quoteRequest struct {
	AccountID       string          `json:"accountId"`
	Side            string          `json:"side"`
	Asset           string          `json:"asset"`
	Quantity        decimal.Decimal `json:"quantity"`
	PaymentCurrency string          `json:"paymentCurrency"`
}

type quoteResponse struct {
	quote.Quote
	State                quote.State `json:"state"`
	TimeRemainingSeconds int64       `json:"timeRemainingSeconds"`
}

func newQuoteResponse(v quote.View) quoteResponse {
	return quoteResponse{
		Quote:                v.Quote,
		State:                v.State,
		TimeRemainingSeconds: int64(v.TimeRemaining.Seconds()),
	}
}

type confirmRequest struct {
	QuoteID string `json:"quoteId"`
}

// Healthz reports liveness and, when configured, database reachability.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CreateQuote issues a price lock.
func (s *Server) CreateQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if !s.decode(w, r, &req) {
		return
	}
	side, err := pricing.ParseSide(req.Side)
	if err != nil {
		s.writeError(w, r, errs.New(errs.CodeInvalidRequest, "side must be buy or sell"))
		return
	}
	view, err := s.engine.RequestQuote(r.Context(), quote.Request{
		AccountID:       req.AccountID,
		Side:            side,
		Asset:           req.Asset,
		Quantity:        req.Quantity,
		PaymentCurrency: req.PaymentCurrency,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newQuoteResponse(view))
}

// GetQuote returns a quote and its current state.
func (s *Server) GetQuote(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.GetQuote(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newQuoteResponse(view))
}

// ConfirmTrade settles a previously issued quote.
func (s *Server) ConfirmTrade(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.QuoteID) == "" {
		s.writeError(w, r, errs.New(errs.CodeInvalidRequest, "quoteId required"))
		return
	}
	res, err := s.engine.Confirm(r.Context(), req.QuoteID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetTrade returns the journal entry for a quote.
func (s *Server) GetTrade(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.Trade(r.Context(), chi.URLParam(r, "quoteId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// AllocationPreview shows how a candidate purchase would be backed.
func (s *Server) AllocationPreview(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	raw := q.Get("candidateQuantity")
	if raw == "" {
		raw = q.Get("quantity")
	}
	qty, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		s.writeError(w, r, errs.New(errs.CodeInvalidQuantity, "candidateQuantity must be a decimal number"))
		return
	}
	split, err := s.engine.Preview(r.Context(), trade.PreviewRequest{
		AccountID:       q.Get("accountId"),
		Asset:           q.Get("asset"),
		Quantity:        qty,
		PaymentCurrency: q.Get("paymentCurrency"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, split)
}

// GetBalance returns the balance set of an account.
func (s *Server) GetBalance(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.Balances(r.Context(), chi.URLParam(r, "accountId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ListAllocations returns the allocation records of an account.
func (s *Server) ListAllocations(w http.ResponseWriter, r *http.Request) {
	recs, err := s.engine.Allocations(r.Context(), chi.URLParam(r, "accountId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"allocations": recs})
}

func (s *Server) ListTrades(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, r, errs.New(errs.CodeInvalidRequest, "limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	recs, err := s.engine.Trades(r.Context(), chi.URLParam(r, "accountId"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []trade.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": recs})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, r, errs.New(errs.CodeInvalidRequest, "malformed request body"))
		return false
	}
	return true
}
