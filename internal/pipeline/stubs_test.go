package pipeline

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/pmquant/polyrev/internal/domain"
	"github.com/pmquant/polyrev/internal/platform/polymarket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubOrders backs the order-store surface the pipeline workers touch.
type stubOrders struct {
	domain.OrderStore

	byStatus     map[domain.OrderStatus][]domain.Order
	matchedSells []domain.Order
	next         *domain.Order

	aggs             map[int64]domain.FillAggregate
	filledQty        map[int64]float64
	nearestBuy       *domain.Order
	activeSell       map[int64]bool
	matchedBuysNoPos []domain.Order

	inserted []domain.Order
	fills    []domain.Fill
	statuses map[int64]domain.OrderStatus
	metas    map[int64]map[string]any
}

func newStubOrders() *stubOrders {
	return &stubOrders{
		byStatus:   map[domain.OrderStatus][]domain.Order{},
		aggs:       map[int64]domain.FillAggregate{},
		filledQty:  map[int64]float64{},
		activeSell: map[int64]bool{},
		statuses:   map[int64]domain.OrderStatus{},
		metas:      map[int64]map[string]any{},
	}
}

func (s *stubOrders) ListByStatus(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error) {
	return s.byStatus[status], nil
}

func (s *stubOrders) ListMatchedSells(ctx context.Context, limit int) ([]domain.Order, error) {
	return s.matchedSells, nil
}

func (s *stubOrders) NextSubmittable(ctx context.Context, cooldown time.Duration, onePerMarket bool) (domain.Order, error) {
	if s.next == nil {
		return domain.Order{}, domain.ErrNotFound
	}
	return *s.next, nil
}

func (s *stubOrders) AggregateFills(ctx context.Context, orderID int64) (domain.FillAggregate, error) {
	return s.aggs[orderID], nil
}

func (s *stubOrders) FilledQtyForPosition(ctx context.Context, strategy string, positionID int64) (float64, *int64, error) {
	return s.filledQty[positionID], nil, nil
}

func (s *stubOrders) NearestMatchedBuy(ctx context.Context, strategy string, pair domain.Pair, around time.Time, window time.Duration) (domain.Order, error) {
	if s.nearestBuy == nil {
		return domain.Order{}, domain.ErrNotFound
	}
	return *s.nearestBuy, nil
}

func (s *stubOrders) ListMatchedBuysWithoutPosition(ctx context.Context, strategy string, since time.Time) ([]domain.Order, error) {
	return s.matchedBuysNoPos, nil
}

func (s *stubOrders) HasActiveSellForPosition(ctx context.Context, strategy string, positionID int64) (bool, error) {
	return s.activeSell[positionID], nil
}

func (s *stubOrders) Insert(ctx context.Context, o domain.Order) (int64, bool, error) {
	s.inserted = append(s.inserted, o)
	return int64(len(s.inserted)), true, nil
}

func (s *stubOrders) InsertFill(ctx context.Context, f domain.Fill) error {
	s.fills = append(s.fills, f)
	return nil
}

func (s *stubOrders) UpdateStatus(ctx context.Context, id int64, status domain.OrderStatus) error {
	s.statuses[id] = status
	return nil
}

func (s *stubOrders) SetStatusMeta(ctx context.Context, id int64, status domain.OrderStatus, patch map[string]any) error {
	s.statuses[id] = status
	return s.MergeMetadata(ctx, id, patch)
}

func (s *stubOrders) MergeMetadata(ctx context.Context, id int64, patch map[string]any) error {
	if s.metas[id] == nil {
		s.metas[id] = map[string]any{}
	}
	for k, v := range patch {
		s.metas[id][k] = v
	}
	return nil
}

type settleCall struct {
	orderID   int64
	exitPrice float64
	pnl       float64
}

type stubPositions struct {
	domain.PositionStore

	flagged   []domain.Position
	positions map[int64]domain.Position

	created  []domain.Position
	closing  []int64
	settles  map[int64]settleCall
	settleOK bool
}

func newStubPositions() *stubPositions {
	return &stubPositions{
		positions: map[int64]domain.Position{},
		settles:   map[int64]settleCall{},
		settleOK:  true,
	}
}

func (s *stubPositions) ListExitFlagged(ctx context.Context, strategy string, limit int) ([]domain.Position, error) {
	return s.flagged, nil
}

func (s *stubPositions) GetByID(ctx context.Context, id int64) (domain.Position, error) {
	p, ok := s.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *stubPositions) Create(ctx context.Context, p domain.Position) (int64, error) {
	s.created = append(s.created, p)
	return int64(len(s.created)), nil
}

func (s *stubPositions) MarkClosing(ctx context.Context, id int64) error {
	s.closing = append(s.closing, id)
	return nil
}

func (s *stubPositions) SettleFromOrder(ctx context.Context, positionID, orderID int64, exitPrice float64, exitAt time.Time, pnl float64) (bool, error) {
	s.settles[positionID] = settleCall{orderID: orderID, exitPrice: exitPrice, pnl: pnl}
	return s.settleOK, nil
}

type markCall struct {
	status domain.IntentStatus
	note   string
}

// stubClaimOps is the in-transaction view handed to the buyer's callback.
type stubClaimOps struct {
	activeBuy       bool
	existingOrderID int64 // nonzero simulates losing the insert race
	marks           map[int64]markCall
	inserted        []domain.Order
	linked          map[int64]int64
}

func newStubClaimOps() *stubClaimOps {
	return &stubClaimOps{marks: map[int64]markCall{}, linked: map[int64]int64{}}
}

func (s *stubClaimOps) MarkIntent(ctx context.Context, id int64, status domain.IntentStatus, note string) error {
	s.marks[id] = markCall{status: status, note: note}
	return nil
}

func (s *stubClaimOps) HasActiveBuyOrder(ctx context.Context, strategy string, pair domain.Pair, paper bool) (bool, error) {
	return s.activeBuy, nil
}

func (s *stubClaimOps) InsertOrder(ctx context.Context, o domain.Order) (int64, bool, error) {
	if s.existingOrderID != 0 {
		return s.existingOrderID, false, nil
	}
	s.inserted = append(s.inserted, o)
	return int64(len(s.inserted)), true, nil
}

func (s *stubClaimOps) LinkOrder(ctx context.Context, intentID, orderID int64) error {
	s.linked[intentID] = orderID
	return nil
}

type stubIntents struct {
	domain.IntentStore

	pending  []domain.TradeIntent
	ops      *stubClaimOps
	upserted []domain.TradeIntent
}

func (s *stubIntents) ClaimBatch(ctx context.Context, source string, limit int, fn func(ctx context.Context, ops domain.IntentClaimOps, intents []domain.TradeIntent) error) error {
	if s.ops == nil {
		s.ops = newStubClaimOps()
	}
	return fn(ctx, s.ops, s.pending)
}

func (s *stubIntents) Upsert(ctx context.Context, it domain.TradeIntent) (int64, error) {
	s.upserted = append(s.upserted, it)
	return int64(len(s.upserted)), nil
}

type stubMarkets struct {
	domain.MarketStore
	markets map[string]domain.Market
}

func (s *stubMarkets) GetByID(ctx context.Context, id string) (domain.Market, error) {
	m, ok := s.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

type stubVenue struct {
	postID    string
	postErr   error
	posted    []polymarket.OrderRequest
	orderable bool

	cancelErr error
	canceled  []string

	fills  map[string][]polymarket.VenueFill
	status map[string]string
}

func (v *stubVenue) PostOrder(ctx context.Context, req polymarket.OrderRequest) (string, error) {
	if v.postErr != nil {
		return "", v.postErr
	}
	v.posted = append(v.posted, req)
	return v.postID, nil
}

func (v *stubVenue) CancelOrder(ctx context.Context, venueOrderID string) error {
	if v.cancelErr != nil {
		return v.cancelErr
	}
	v.canceled = append(v.canceled, venueOrderID)
	return nil
}

func (v *stubVenue) Orderable(ctx context.Context, marketID string) (bool, error) {
	return v.orderable, nil
}

func (v *stubVenue) Fills(ctx context.Context, venueOrderID string) ([]polymarket.VenueFill, error) {
	return v.fills[venueOrderID], nil
}

func (v *stubVenue) OrderStatus(ctx context.Context, venueOrderID string) (string, error) {
	return v.status[venueOrderID], nil
}

type stubBus struct {
	published [][]byte
}

func (b *stubBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.published = append(b.published, payload)
	return nil
}

func (b *stubBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}
