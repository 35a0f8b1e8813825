package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"validation", Validation("name", "is required"), http.StatusBadRequest},
		{"conflict", Conflict("no tables", "join_queue"), http.StatusConflict},
		{"not found", NotFound("queue entry", "Q1"), http.StatusNotFound},
		{"transient", Transient("poll", errors.New("dial tcp: refused")), http.StatusServiceUnavailable},
		{"wrapped conflict", fmt.Errorf("join: %w", Conflict("dup")), http.StatusConflict},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestFromStatusRoundTrip(t *testing.T) {
	assert.True(t, IsValidation(FromStatus(http.StatusBadRequest, "bad")))
	assert.True(t, IsConflict(FromStatus(http.StatusConflict, "taken")))
	assert.True(t, IsNotFound(FromStatus(http.StatusNotFound, "gone")))
	assert.True(t, IsTransient(FromStatus(http.StatusServiceUnavailable, "down")))
	assert.False(t, IsTransient(FromStatus(http.StatusInternalServerError, "oops")))
}

func TestTransientUnwrap(t *testing.T) {
	base := errors.New("timeout")
	err := Transient("confirm", base)
	assert.ErrorIs(t, err, base)
	assert.Nil(t, Transient("noop", nil))
	assert.Equal(t, "name: is required", Validation("name", "is required").Error())
}
