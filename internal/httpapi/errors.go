package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/attractor-run/control-plane/internal/apierr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeAPIError maps an apierr.Error kind to the status families §7
// describes; an error that isn't one of ours falls back to 500.
func writeAPIError(w http.ResponseWriter, err error) {
	kind, ok := apierr.KindOf(err)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	status := http.StatusInternalServerError
	switch kind {
	case apierr.KindValidation:
		status = http.StatusBadRequest
	case apierr.KindPrecondition:
		status = http.StatusUnprocessableEntity
	case apierr.KindNotFound:
		status = http.StatusNotFound
	case apierr.KindConflict:
		status = http.StatusConflict
	case apierr.KindCanceled:
		status = http.StatusConflict
	case apierr.KindTransientFail:
		status = http.StatusServiceUnavailable
	case apierr.KindExecutionFail:
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Kind: string(kind)})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msg})
}
