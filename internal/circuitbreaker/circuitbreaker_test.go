package circuitbreaker_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/checkout-payments/internal/circuitbreaker"
	"github.com/yourorg/checkout-payments/internal/gateway"
)

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := circuitbreaker.NewWithSettings(3, 50*time.Millisecond, 1)

	assert.True(t, cb.Allow(gateway.TypeStripe), "new gateway starts closed")
	cb.RecordFailure(gateway.TypeStripe)
	cb.RecordFailure(gateway.TypeStripe)
	assert.True(t, cb.Allow(gateway.TypeStripe), "still closed below threshold")

	cb.RecordFailure(gateway.TypeStripe)
	assert.False(t, cb.Allow(gateway.TypeStripe), "open at threshold")
	assert.Equal(t, circuitbreaker.Open, cb.GetState(gateway.TypeStripe))
}

func TestCircuitBreaker_SuccessResetsFailureStreak(t *testing.T) {
	cb := circuitbreaker.NewWithSettings(2, time.Second, 1)

	cb.RecordFailure(gateway.TypeSquare)
	cb.RecordSuccess(gateway.TypeSquare)
	cb.RecordFailure(gateway.TypeSquare)
	assert.True(t, cb.Allow(gateway.TypeSquare), "non-consecutive failures never trip the breaker")
	assert.Equal(t, circuitbreaker.Closed, cb.GetState(gateway.TypeSquare))
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	cb := circuitbreaker.NewWithSettings(1, 30*time.Millisecond, 2)

	cb.RecordFailure(gateway.TypePayPal)
	require.False(t, cb.Allow(gateway.TypePayPal))

	time.Sleep(40 * time.Millisecond)
	assert.True(t, cb.Allow(gateway.TypePayPal), "timeout elapsed, probe allowed")
	assert.Equal(t, circuitbreaker.HalfOpen, cb.GetState(gateway.TypePayPal))

	// One success is not enough with halfOpenSuccessThreshold=2.
	cb.RecordSuccess(gateway.TypePayPal)
	assert.Equal(t, circuitbreaker.HalfOpen, cb.GetState(gateway.TypePayPal))
	cb.RecordSuccess(gateway.TypePayPal)
	assert.Equal(t, circuitbreaker.Closed, cb.GetState(gateway.TypePayPal))
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := circuitbreaker.NewWithSettings(1, 30*time.Millisecond, 1)

	cb.RecordFailure(gateway.TypeNMI)
	time.Sleep(40 * time.Millisecond)
	require.True(t, cb.Allow(gateway.TypeNMI))
	require.Equal(t, circuitbreaker.HalfOpen, cb.GetState(gateway.TypeNMI))

	cb.RecordFailure(gateway.TypeNMI)
	assert.Equal(t, circuitbreaker.Open, cb.GetState(gateway.TypeNMI))
	assert.False(t, cb.Allow(gateway.TypeNMI))
}

func TestCircuitBreaker_GatewaysAreIndependent(t *testing.T) {
	cb := circuitbreaker.NewWithSettings(1, time.Second, 1)

	cb.RecordFailure(gateway.TypeStripe)
	assert.False(t, cb.Allow(gateway.TypeStripe))
	assert.True(t, cb.Allow(gateway.TypePayPal), "one gateway tripping never blocks another")
	assert.True(t, cb.Allow(gateway.TypeMercadoPago))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", circuitbreaker.Closed.String())
	assert.Equal(t, "open", circuitbreaker.Open.String())
	assert.Equal(t, "half_open", circuitbreaker.HalfOpen.String())
}
