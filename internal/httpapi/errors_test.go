package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/attractor-run/control-plane/internal/apierr"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusCreated, map[string]string{"ok": "yes"})

	if w.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != "yes" {
		t.Errorf("body = %v, want ok=yes", body)
	}
}

func TestWriteAPIError_KindToStatus(t *testing.T) {
	cases := []struct {
		err        error
		wantStatus int
		wantKind   string
	}{
		{apierr.Validation("bad input"), http.StatusBadRequest, string(apierr.KindValidation)},
		{apierr.Precondition("not ready"), http.StatusUnprocessableEntity, string(apierr.KindPrecondition)},
		{apierr.NotFound("missing"), http.StatusNotFound, string(apierr.KindNotFound)},
		{apierr.Conflict("already exists"), http.StatusConflict, string(apierr.KindConflict)},
		{apierr.Canceled("run canceled"), http.StatusConflict, string(apierr.KindCanceled)},
		{apierr.Transient(nil, "try again"), http.StatusServiceUnavailable, string(apierr.KindTransientFail)},
		{apierr.Execution(nil, "node failed"), http.StatusUnprocessableEntity, string(apierr.KindExecutionFail)},
	}
	for _, c := range cases {
		w := httptest.NewRecorder()
		writeAPIError(w, c.err)
		if w.Code != c.wantStatus {
			t.Errorf("%v: status = %d, want %d", c.err, w.Code, c.wantStatus)
		}
		var body ErrorResponse
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body.Kind != c.wantKind {
			t.Errorf("%v: kind = %q, want %q", c.err, body.Kind, c.wantKind)
		}
	}
}

func TestWriteAPIError_UnknownErrFallsBackTo500(t *testing.T) {
	w := httptest.NewRecorder()
	writeAPIError(w, errPlain("boom"))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	var body ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Kind != "" {
		t.Errorf("kind = %q, want empty for a plain error", body.Kind)
	}
	if body.Error != "boom" {
		t.Errorf("error = %q, want boom", body.Error)
	}
}

func TestWriteBadRequest(t *testing.T) {
	w := httptest.NewRecorder()
	writeBadRequest(w, "missing field")

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	var body ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error != "missing field" {
		t.Errorf("error = %q, want %q", body.Error, "missing field")
	}
}

type errPlain string

func (e errPlain) Error() string { return string(e) }
