package errors

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIError(t *testing.T) {
	t.Run("error interface", func(t *testing.T) {
		err := New(http.StatusBadRequest, "INVALID_REQUEST", "bad input")
		assert.Equal(t, "bad input", err.Error())
		assert.Equal(t, http.StatusBadRequest, err.StatusCode)
		assert.Equal(t, "INVALID_REQUEST", err.ErrorCode)
	})

	t.Run("render sets status", func(t *testing.T) {
		err := New(http.StatusNotFound, "NOT_FOUND", "missing")
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		require.NoError(t, err.Render(w, r))
	})

	t.Run("with details", func(t *testing.T) {
		err := NewWithDetails(http.StatusBadRequest, "VALIDATION_FAILED", "failed", ValidationError{
			Field:   "tenant_id",
			Message: "required",
		})
		details, ok := err.Details.(ValidationError)
		require.True(t, ok)
		assert.Equal(t, "tenant_id", details.Field)
	})

	t.Run("helpers", func(t *testing.T) {
		assert.Equal(t, "widget not found", NotFoundError("widget").Message)
		assert.Equal(t, http.StatusBadRequest, InvalidRequestWithError(fmt.Errorf("boom")).StatusCode)
		assert.Equal(t, http.StatusBadRequest, ErrValidation("code", "required").StatusCode)
	})
}

func TestRemoteError(t *testing.T) {
	t.Run("message with code", func(t *testing.T) {
		err := NewRemoteError("invalid_code", "activation code is not valid")
		assert.Contains(t, err.Error(), "activation code is not valid")
		assert.Contains(t, err.Error(), "invalid_code")
	})

	t.Run("message without code", func(t *testing.T) {
		err := NewRemoteError("", "rejected")
		assert.Equal(t, "control plane rejected request: rejected", err.Error())
	})

	t.Run("detection through wrapping", func(t *testing.T) {
		err := fmt.Errorf("activate: %w", NewRemoteError("x", "y"))
		assert.True(t, IsRemoteRejection(err))
		assert.False(t, IsRemoteRejection(errors.New("plain")))
	})
}

func TestSentinelErrors(t *testing.T) {
	wrapped := fmt.Errorf("dispatch: %w", ErrSignatureMismatch)
	assert.True(t, errors.Is(wrapped, ErrSignatureMismatch))
	assert.False(t, errors.Is(wrapped, ErrDeactivated))
}
