package errkind

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFatalKinds(t *testing.T) {
	assert.True(t, AuthFailed.Fatal())
	assert.True(t, InvariantViolated.Fatal())
	assert.False(t, NetworkTransient.Fatal())
	assert.False(t, InsufficientMargin.Fatal())
}

func TestRetryableKinds(t *testing.T) {
	assert.True(t, NetworkTransient.Retryable())
	assert.True(t, RateLimited.Retryable())
	assert.True(t, Timeout.Retryable())
	assert.False(t, InvalidOrder.Retryable())
	assert.False(t, InsufficientMargin.Retryable())
}

func TestRecoverableExchangeCodes(t *testing.T) {
	assert.True(t, Recoverable(CodeMarginModeMismatch))
	assert.True(t, Recoverable(CodeIsolatedMarginSet))
	assert.True(t, Recoverable(CodeMaxOpenLimitReached))
	assert.False(t, Recoverable(CodePositionModeError))
	assert.False(t, Recoverable(CodeAmountPrecision))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := Wrap(NetworkTransient, cause, "fetching ticker")

	require.ErrorIs(t, err, cause)

	var kindErr *Error
	require.ErrorAs(t, err, &kindErr)
	assert.Equal(t, NetworkTransient, kindErr.Kind)
}

func TestRejectCarriesCode(t *testing.T) {
	err := Reject(CodeIsolatedMarginSet, "isolated margin set")
	assert.Equal(t, ExchangeReject, err.Kind)
	assert.Equal(t, CodeIsolatedMarginSet, err.Code)
}
