package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Message(t *testing.T) {
	assert.Equal(t, "comment: rejection comment is required", InvalidInput("comment", "rejection comment is required").Error())
	assert.Equal(t, "approval_request not found: r-1", NotFound("approval_request", "r-1").Error())

	cause := stderrors.New("connection reset")
	assert.Equal(t, "failed to load rules: connection reset", Wrap(cause, ErrCodeInternal, "failed to load rules").Error())
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{name: "nil", err: nil, want: ""},
		{name: "coded", err: New(ErrCodeAlreadyActed, "x"), want: ErrCodeAlreadyActed},
		{name: "wrapped coded", err: fmt.Errorf("outer: %w", New(ErrCodeConcurrencyConflict, "x")), want: ErrCodeConcurrencyConflict},
		{name: "plain", err: stderrors.New("boom"), want: ErrCodeInternal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CodeOf(tc.err))
		})
	}
}

func TestError_IsMatchesCode(t *testing.T) {
	sentinel := New(ErrCodeNotAuthorized, "")
	err := Newf(ErrCodeNotAuthorized, "user %s has no approve assignment at step %d", "u-1", 2)

	assert.True(t, Is(err, sentinel))
	assert.True(t, Is(fmt.Errorf("approve: %w", err), sentinel))
	assert.False(t, Is(err, New(ErrCodeAlreadyActed, "")))
}
