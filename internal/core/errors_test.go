package core

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"validation", NewValidation("bad id %q", "x"), KindValidation},
		{"state", NewState("not in lobby"), KindState},
		{"capacity", NewCapacity(time.Second, "at capacity"), KindCapacity},
		{"duplicate", NewDuplicate("pair exists"), KindDuplicate},
		{"wrapped", fmt.Errorf("outer: %w", NewNotFound("gone")), KindNotFound},
		{"plain", errors.New("boom"), KindUnexpected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapError(KindTransport, cause, "webhook post failed")

	require.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "transport")
	assert.Contains(t, err.Error(), "connection refused")
	assert.True(t, IsKind(err, KindTransport))
	assert.False(t, IsKind(err, KindValidation))
}

func TestCapacityRetryAfter(t *testing.T) {
	err := NewCapacity(30*time.Second, "scheduler full")
	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, 30*time.Second, e.RetryAfter)
}

func TestEffectiveVerification(t *testing.T) {
	now := time.Now()
	fresh := now.Add(-1 * time.Hour)
	stale := now.Add(-25 * time.Hour)

	tests := []struct {
		name   string
		status VerificationStatus
		at     *time.Time
		want   VerificationStatus
	}{
		{"fresh verified", VerificationVerified, &fresh, VerificationVerified},
		{"expired verified", VerificationVerified, &stale, VerificationUnverified},
		{"never verified", VerificationVerified, nil, VerificationUnverified},
		{"failed stays failed", VerificationFailed, &fresh, VerificationFailed},
		{"unverified stays", VerificationUnverified, nil, VerificationUnverified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &Agent{VerificationStatus: tt.status, LastVerifiedAt: tt.at}
			assert.Equal(t, tt.want, a.EffectiveVerification(now))
		})
	}
}
