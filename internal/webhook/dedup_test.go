package webhook_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/checkout-payments/internal/gateway"
	"github.com/yourorg/checkout-payments/internal/webhook"
)

func TestMemoryDedup_FirstDeliveryOnly(t *testing.T) {
	d := webhook.NewMemoryDedup()
	ctx := context.Background()

	first, err := d.MarkProcessed(ctx, gateway.TypeStripe, "evt_1")
	require.NoError(t, err)
	assert.True(t, first)

	first, err = d.MarkProcessed(ctx, gateway.TypeStripe, "evt_1")
	require.NoError(t, err)
	assert.False(t, first, "redelivery of the same event is not first")
}

func TestMemoryDedup_ScopedByGateway(t *testing.T) {
	d := webhook.NewMemoryDedup()
	ctx := context.Background()

	first, err := d.MarkProcessed(ctx, gateway.TypeStripe, "evt_1")
	require.NoError(t, err)
	assert.True(t, first)

	// Same id from a different gateway is a different event.
	first, err = d.MarkProcessed(ctx, gateway.TypeSquare, "evt_1")
	require.NoError(t, err)
	assert.True(t, first)
}

func TestMemoryDedup_ReleaseReopensClaim(t *testing.T) {
	d := webhook.NewMemoryDedup()
	ctx := context.Background()

	first, err := d.MarkProcessed(ctx, gateway.TypeStripe, "evt_1")
	require.NoError(t, err)
	require.True(t, first)

	require.NoError(t, d.Release(ctx, gateway.TypeStripe, "evt_1"))

	first, err = d.MarkProcessed(ctx, gateway.TypeStripe, "evt_1")
	require.NoError(t, err)
	assert.True(t, first, "a released claim may be taken again")
}
