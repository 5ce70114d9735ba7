package reconciler

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmquant/polyrev/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubPositions struct {
	domain.PositionStore

	open []domain.Position

	closedMissing map[int64]string
	resized       map[int64]float64
	created       []domain.Position
}

func newStubPositions() *stubPositions {
	return &stubPositions{
		closedMissing: map[int64]string{},
		resized:       map[int64]float64{},
	}
}

func (s *stubPositions) ListOpenOrClosing(ctx context.Context, strategy string) ([]domain.Position, error) {
	return s.open, nil
}

func (s *stubPositions) CloseMissing(ctx context.Context, id int64, reason string) error {
	s.closedMissing[id] = reason
	return nil
}

func (s *stubPositions) UpdateSize(ctx context.Context, id int64, size float64) error {
	s.resized[id] = size
	return nil
}

func (s *stubPositions) Create(ctx context.Context, p domain.Position) (int64, error) {
	s.created = append(s.created, p)
	return int64(len(s.created)), nil
}

type stubHoldings struct {
	holdings []domain.VenueHolding
}

func (s *stubHoldings) Holdings(ctx context.Context, wallet string) ([]domain.VenueHolding, error) {
	return s.holdings, nil
}

type stubLocks struct {
	held     bool
	acquired int
	released int
}

func (s *stubLocks) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), error) {
	if s.held {
		return nil, domain.ErrLockHeld
	}
	s.acquired++
	return func() { s.released++ }, nil
}

func testParams() Params {
	return Params{
		Strategy:     "test",
		Wallet:       "0xfunder",
		SizeDrift:    0.5,
		LockTTL:      2 * time.Minute,
		AdoptUnknown: true,
	}
}

func livePosition(id int64, market string, size float64) domain.Position {
	return domain.Position{
		ID:       id,
		Strategy: "test",
		MarketID: market,
		Outcome:  0,
		Size:     size,
		Status:   domain.PositionStatusOpen,
	}
}

func TestRunPass_ClosesVanishedPositions(t *testing.T) {
	t.Parallel()

	positions := newStubPositions()
	positions.open = []domain.Position{livePosition(1, "m1", 250)}
	locks := &stubLocks{}

	r := New(testParams(), positions, &stubHoldings{}, locks, testLogger())
	require.NoError(t, r.RunPass(context.Background()))

	assert.Equal(t, domain.ExitReasonNotOnVenue, positions.closedMissing[1])
	assert.Equal(t, 1, locks.acquired)
	assert.Equal(t, 1, locks.released)
}

func TestRunPass_ResizesOnMaterialDrift(t *testing.T) {
	t.Parallel()

	positions := newStubPositions()
	positions.open = []domain.Position{
		livePosition(1, "m1", 250),
		livePosition(2, "m2", 100),
	}
	holdings := &stubHoldings{holdings: []domain.VenueHolding{
		{MarketID: "m1", Outcome: 0, Size: 240, CurrentPrice: 0.42},
		{MarketID: "m2", Outcome: 0, Size: 100.3, CurrentPrice: 0.60},
	}}

	r := New(testParams(), positions, holdings, &stubLocks{}, testLogger())
	require.NoError(t, r.RunPass(context.Background()))

	// Ten shares off is material; a third of a share is not.
	assert.InDelta(t, 240, positions.resized[1], 1e-9)
	assert.NotContains(t, positions.resized, int64(2))
	assert.Empty(t, positions.closedMissing)
}

func TestRunPass_AdoptsUntrackedHoldings(t *testing.T) {
	t.Parallel()

	positions := newStubPositions()
	holdings := &stubHoldings{holdings: []domain.VenueHolding{
		{MarketID: "m9", Outcome: 1, Size: 80, AvgPrice: 0.35, CurrentPrice: 0.44},
	}}

	r := New(testParams(), positions, holdings, &stubLocks{}, testLogger())
	require.NoError(t, r.RunPass(context.Background()))

	require.Len(t, positions.created, 1)
	p := positions.created[0]
	assert.Equal(t, "m9", p.MarketID)
	assert.Equal(t, 1, p.Outcome)
	assert.InDelta(t, 80, p.Size, 1e-9)
	assert.InDelta(t, 0.35, p.EntryPrice, 1e-9)
	assert.Equal(t, domain.PositionStatusOpen, p.Status)
	assert.False(t, p.Paper)
}

func TestRunPass_SkipsResolvedAndPaper(t *testing.T) {
	t.Parallel()

	paper := livePosition(1, "m1", 250)
	paper.Paper = true
	positions := newStubPositions()
	positions.open = []domain.Position{paper}
	// A resolved holding reports a zero price and total loss; it must not be
	// adopted as a live position.
	holdings := &stubHoldings{holdings: []domain.VenueHolding{
		{MarketID: "m3", Outcome: 0, Size: 50, CurrentPrice: 0, PercentPnL: -100},
	}}

	r := New(testParams(), positions, holdings, &stubLocks{}, testLogger())
	require.NoError(t, r.RunPass(context.Background()))

	assert.Empty(t, positions.closedMissing)
	assert.Empty(t, positions.created)
}

func TestRunPass_LockHeldElsewhereSkipsQuietly(t *testing.T) {
	t.Parallel()

	positions := newStubPositions()
	positions.open = []domain.Position{livePosition(1, "m1", 250)}

	r := New(testParams(), positions, &stubHoldings{}, &stubLocks{held: true}, testLogger())
	require.NoError(t, r.RunPass(context.Background()))
	assert.Empty(t, positions.closedMissing)
}
