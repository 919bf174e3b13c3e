package canteen

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/canteen-integration/internal/coordinator"
	"github.com/jcmexdev/canteen-integration/internal/epic"
	"github.com/jcmexdev/canteen-integration/internal/pkg/cache"
	"github.com/jcmexdev/canteen-integration/internal/pkg/interceptors"
)

func TestPayments_ReplaysChargeFromRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	p := NewPayments(50, cache.NewRedisCache(mr.Addr(), "canteen-epics"), nil)
	ctx := interceptors.WithIdempotencyKey(context.Background(), "tray-9")

	first, err := p.Charge(ctx, ChargeInput{StudentID: "s-1", Amount: 12.5})
	require.NoError(t, err)
	second, err := p.Charge(ctx, ChargeInput{StudentID: "s-1", Amount: 12.5})
	require.NoError(t, err)

	assert.Equal(t, first.PaymentID, second.PaymentID)
	assert.Equal(t, 12.5, p.Balance(), "charged once")
	assert.True(t, mr.Exists("canteen-epics:charge:tray-9"))
}

func TestPayments_DeclineIsPermanent(t *testing.T) {
	p := NewPayments(20, nil, nil)

	_, err := p.Charge(context.Background(), ChargeInput{StudentID: "s-1", Amount: 99})
	assert.ErrorIs(t, err, epic.ErrRejected)
	assert.ErrorIs(t, err, coordinator.ErrNonRetryable)
	assert.Zero(t, p.Balance())
}
