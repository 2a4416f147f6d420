// Package httpapi is the HTTP front door: one small request struct per
// handler, calling into orderflow.Engine for every state change.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/oxzoid/flowpay/pkg/domain"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorJSON(w http.ResponseWriter, code int, errStr, msg string) {
	writeJSON(w, code, map[string]string{"error": errStr, "message": msg})
}

func badReq(w http.ResponseWriter, msg string) {
	writeErrorJSON(w, http.StatusBadRequest, "bad_request", msg)
}

// writeEngineErr maps a domain sentinel error to an HTTP status code.
func writeEngineErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, domain.ErrPaymentNotFound):
		writeErrorJSON(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrInvalidSignature):
		writeErrorJSON(w, http.StatusUnauthorized, "invalid_signature", err.Error())
	case errors.Is(err, domain.ErrIdentityConflict):
		writeErrorJSON(w, http.StatusConflict, "identity_conflict", err.Error())
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrModificationForbidden):
		writeErrorJSON(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, domain.ErrInsufficientFunds):
		writeErrorJSON(w, http.StatusUnprocessableEntity, "insufficient_funds", err.Error())
	case errors.Is(err, domain.ErrUnauthorizedWallet):
		writeErrorJSON(w, http.StatusForbidden, "unauthorized_wallet", err.Error())
	default:
		writeErrorJSON(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
