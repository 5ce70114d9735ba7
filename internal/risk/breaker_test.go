package risk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmquant/polyrev/internal/domain"
)

type pnlStub struct {
	domain.PositionStore
	pnl       float64
	lastSince time.Time
}

func (s *pnlStub) RealizedPnLSince(ctx context.Context, strategy string, since time.Time) (float64, error) {
	s.lastSince = since
	return s.pnl, nil
}

func TestBreaker_DisabledWhenLimitZero(t *testing.T) {
	t.Parallel()

	b := NewBreaker("test", 0, &pnlStub{pnl: -10000}, nil, testLogger())
	tripped, err := b.Tripped(context.Background())
	require.NoError(t, err)
	assert.False(t, tripped)
}

func TestBreaker_TripsAtLimit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		pnl  float64
		want bool
	}{
		{"profit", 50, false},
		{"loss under limit", -999, false},
		{"loss at limit", -1000, true},
		{"loss past limit", -1500, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := NewBreaker("test", 1000, &pnlStub{pnl: tt.pnl}, nil, testLogger())
			tripped, err := b.Tripped(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, tripped)
		})
	}
}

func TestBreaker_WindowStartsAtUTCMidnight(t *testing.T) {
	t.Parallel()

	positions := &pnlStub{}
	b := NewBreaker("test", 1000, positions, nil, testLogger())
	b.now = func() time.Time {
		return time.Date(2025, 6, 1, 18, 30, 0, 0, time.FixedZone("UTC+4", 4*3600))
	}

	_, err := b.Tripped(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), positions.lastSince)
}

func TestBreaker_EventFiresOnTransitionOnly(t *testing.T) {
	t.Parallel()

	bus := &stubBus{}
	positions := &pnlStub{pnl: -1200}
	b := NewBreaker("test", 1000, positions, NewPublisher(bus, testLogger()), testLogger())

	for i := 0; i < 3; i++ {
		tripped, err := b.Tripped(context.Background())
		require.NoError(t, err)
		require.True(t, tripped)
	}
	assert.Len(t, bus.published, 1)

	// Recovery resets the edge, so a fresh trip fires again.
	positions.pnl = -500
	tripped, err := b.Tripped(context.Background())
	require.NoError(t, err)
	require.False(t, tripped)

	positions.pnl = -1100
	tripped, err = b.Tripped(context.Background())
	require.NoError(t, err)
	require.True(t, tripped)
	assert.Len(t, bus.published, 2)
}
