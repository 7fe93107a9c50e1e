package common

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPStatusFromError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{ErrNotFound, http.StatusNotFound},
		{ErrUnauthorized, http.StatusUnauthorized},
		{ErrForbidden, http.StatusForbidden},
		{ErrBadRequest, http.StatusBadRequest},
		{ErrValidation, http.StatusBadRequest},
		{ErrConflict, http.StatusConflict},
		{ErrGone, http.StatusGone},
		{ErrTooManyRequests, http.StatusTooManyRequests},
		{errors.New("something else"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatusFromError(tt.err); got != tt.want {
			t.Errorf("HTTPStatusFromError(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestHTTPStatusFromWrappedError(t *testing.T) {
	err := Errorf("package for job abc has expired: %w", ErrGone)
	if got := HTTPStatusFromError(err); got != http.StatusGone {
		t.Errorf("wrapped ErrGone = %d, want 410", got)
	}

	deep := Errorf("outer: %w", Errorf("inner: %w", ErrConflict))
	if got := HTTPStatusFromError(deep); got != http.StatusConflict {
		t.Errorf("doubly wrapped ErrConflict = %d, want 409", got)
	}
}

func TestRespondWithDomainErrorPassesThroughDomainMessage(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondWithDomainError(rec, Errorf("export job abc is already finished: %w", ErrConflict))

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	var body ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !strings.Contains(body.Error, "already finished") {
		t.Errorf("error = %q, want the domain message", body.Error)
	}
	if body.Code != "conflict" {
		t.Errorf("code = %q, want conflict", body.Code)
	}
}

func TestRespondWithDomainErrorHidesInternalDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondWithDomainError(rec, errors.New("stat package /srv/packages/abc.zip: permission denied"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var body ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if strings.Contains(body.Error, "/srv/packages") || strings.Contains(body.Error, "permission denied") {
		t.Errorf("error = %q, internal detail must not reach the client", body.Error)
	}
	if body.Code != "internal_error" {
		t.Errorf("code = %q, want internal_error", body.Code)
	}
}
