package api

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"quote-engine/internal/errs"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    errs.Code `json:"code"`
	Message string    `json:"message"`
}

func statusFor(code errs.Code) int {
	switch code {
	case errs.CodeInvalidQuantity, errs.CodeInvalidRequest, errs.CodeUnsupportedAsset:
		return http.StatusBadRequest
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeExpired, errs.CodeAlreadyConsumed:
		return http.StatusConflict
	case errs.CodeInsufficientFunds:
		return http.StatusUnprocessableEntity
	case errs.CodePriceOracleUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err to its public code. Causes are logged, never returned.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := errs.Public(err)
	status := statusFor(code)

	var ev *zerolog.Event
	if status >= http.StatusInternalServerError {
		ev = hlog.FromRequest(r).Error()
	} else {
		ev = hlog.FromRequest(r).Debug()
	}
	ev.Err(err).Str("code", string(code)).Msg("request failed")

	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
