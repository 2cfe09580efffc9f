// Package httputil holds the JSON response helpers shared by handlers and
// middleware, and a small client for the ledger API.
package httputil

import (
	"encoding/json"
	"net/http"

	svcerrors "github.com/R3E-Network/riskledger/internal/errors"
	"github.com/R3E-Network/riskledger/pkg/logger"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string                 `json:"error"`
	Code      string                 `json:"code"`
	Retryable bool                   `json:"retryable,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
}

// WriteJSON writes payload with status.
func WriteJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteError renders err. Errors that are not service errors become a 500
// without leaking their text.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	se := svcerrors.GetServiceError(err)
	if se == nil {
		se = svcerrors.Internal("internal error", err)
	}
	if se.Retryable {
		w.Header().Set("Retry-After", "1")
	}
	WriteJSON(w, se.HTTPStatus, ErrorResponse{
		Error:     se.Message,
		Code:      string(se.Code),
		Retryable: se.Retryable,
		Details:   se.Details,
		TraceID:   logger.GetTraceID(r.Context()),
	})
}
