package collector

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"polymarket-monitor/internal/upstream"
	"polymarket-monitor/pkg/types"
)

type fakeUpstream struct {
	prices  map[int64]upstream.Envelope
	priceCd map[int64]int
	volumes map[int64]upstream.Envelope
	volCd   map[int64]int
}

func (f *fakeUpstream) OrderbookPrice(ctx context.Context, yesTokenID, topicID string, chainID *int64) (upstream.Envelope, int, error) {
	return nil, 0, nil
}

func (f *fakeUpstream) PrivateMarket(ctx context.Context, marketID int64) (upstream.Envelope, int, error) {
	return f.volumes[marketID], f.volCd[marketID], nil
}

type fakeStore struct {
	markets []types.Market
	lastRaw map[int64]*types.Tick
	appends []appendCall
}

type appendCall struct {
	tick     types.Tick
	accepted bool
}

func (f *fakeStore) ListStreams(ctx context.Context) ([]types.Market, error) {
	return f.markets, nil
}

func (f *fakeStore) LastRawTick(ctx context.Context, marketID int64) (*types.Tick, error) {
	return f.lastRaw[marketID], nil
}

func (f *fakeStore) AppendTick(ctx context.Context, tick types.Tick, accepted bool) error {
	f.appends = append(f.appends, appendCall{tick: tick, accepted: accepted})
	f.lastRaw[tick.MarketID] = &tick
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// orderbookStub overrides fakeUpstream.OrderbookPrice by embedding it and
// returning a fixed payload/code, since most tests only need a fixed price
// payload.
type orderbookStub struct {
	*fakeUpstream
	payload upstream.Envelope
	code    int
}

func (o *orderbookStub) OrderbookPrice(ctx context.Context, yesTokenID, topicID string, chainID *int64) (upstream.Envelope, int, error) {
	return o.payload, o.code, nil
}

func TestVolumeResetClampsNegativeDeltaToZero(t *testing.T) {
	t.Parallel()

	market := types.Market{MarketID: 1, YesTokenID: "tok-1", Title: "m"}
	store := &fakeStore{
		markets: []types.Market{market},
		lastRaw: map[int64]*types.Tick{},
	}

	up := &orderbookStub{
		fakeUpstream: &fakeUpstream{
			volumes: map[int64]upstream.Envelope{},
			volCd:   map[int64]int{},
		},
		payload: upstream.Envelope{"last_price": 0.5, "timestamp": float64(1_700_000_000)},
	}

	c := New(up, store, Config{BatchSize: 60, MinTotalVolume: 0, MinDeltaVolume: 0}, testLogger())

	sequence := []float64{1000, 1200, 900, 950}
	wantDeltas := []float64{0, 200, 0, 50}

	noop := func(ctx context.Context, market types.Market, parentTitle string, tick types.Tick) error { return nil }

	for i, vol := range sequence {
		up.volumes[1] = upstream.Envelope{"privateVolume": vol}
		if err := c.PollTicks(context.Background(), noop); err != nil {
			t.Fatalf("PollTicks() iteration %d error = %v", i, err)
		}
		last := store.appends[len(store.appends)-1]
		if last.tick.DeltaVolume != wantDeltas[i] {
			t.Errorf("iteration %d: DeltaVolume = %v, want %v", i, last.tick.DeltaVolume, wantDeltas[i])
		}
	}
}

func TestAcceptanceGateSkipsLowVolumeToRawOnly(t *testing.T) {
	t.Parallel()

	market := types.Market{MarketID: 2, YesTokenID: "tok-2", Title: "m"}
	store := &fakeStore{markets: []types.Market{market}, lastRaw: map[int64]*types.Tick{}}

	up := &orderbookStub{
		fakeUpstream: &fakeUpstream{
			volumes: map[int64]upstream.Envelope{2: {"privateVolume": 500.0}},
			volCd:   map[int64]int{},
		},
		payload: upstream.Envelope{"last_price": 0.5, "timestamp": float64(1_700_000_000)},
	}

	c := New(up, store, Config{BatchSize: 60, MinTotalVolume: 3000, MinDeltaVolume: 80}, testLogger())

	evaluated := false
	evaluate := func(ctx context.Context, market types.Market, parentTitle string, tick types.Tick) error {
		evaluated = true
		return nil
	}

	if err := c.PollTicks(context.Background(), evaluate); err != nil {
		t.Fatalf("PollTicks() error = %v", err)
	}
	if evaluated {
		t.Error("detector should not be invoked when the acceptance gate rejects the tick")
	}
	if len(store.appends) != 1 || store.appends[0].accepted {
		t.Errorf("expected one raw-only append, got %+v", store.appends)
	}
}

func TestAcceptanceGateAcceptsHighVolumeAndInvokesDetectorBeforePersisting(t *testing.T) {
	t.Parallel()

	market := types.Market{MarketID: 3, YesTokenID: "tok-3", Title: "m"}
	store := &fakeStore{markets: []types.Market{market}, lastRaw: map[int64]*types.Tick{}}

	up := &orderbookStub{
		fakeUpstream: &fakeUpstream{
			volumes: map[int64]upstream.Envelope{3: {"privateVolume": 5000.0}},
			volCd:   map[int64]int{},
		},
		payload: upstream.Envelope{"last_price": 0.5, "timestamp": float64(1_700_000_000)},
	}

	c := New(up, store, Config{BatchSize: 60, MinTotalVolume: 3000, MinDeltaVolume: 80}, testLogger())

	var order []string
	evaluate := func(ctx context.Context, market types.Market, parentTitle string, tick types.Tick) error {
		order = append(order, "evaluate")
		if len(store.appends) != 0 {
			t.Errorf("detector invoked after the tick was persisted: %+v", store.appends)
		}
		return nil
	}

	if err := c.PollTicks(context.Background(), evaluate); err != nil {
		t.Fatalf("PollTicks() error = %v", err)
	}
	if len(store.appends) != 1 || !store.appends[0].accepted {
		t.Fatalf("expected one filtered append, got %+v", store.appends)
	}
	if len(order) != 1 {
		t.Errorf("expected detector to be invoked exactly once, got %d", len(order))
	}
}

func TestSkipsOnMissingPricePayload(t *testing.T) {
	t.Parallel()

	market := types.Market{MarketID: 4, YesTokenID: "tok-4", Title: "m"}
	store := &fakeStore{markets: []types.Market{market}, lastRaw: map[int64]*types.Tick{}}

	up := &orderbookStub{fakeUpstream: &fakeUpstream{}, payload: nil, code: 0}

	c := New(up, store, Config{BatchSize: 60, MinTotalVolume: 3000, MinDeltaVolume: 80}, testLogger())
	noop := func(ctx context.Context, market types.Market, parentTitle string, tick types.Tick) error { return nil }

	if err := c.PollTicks(context.Background(), noop); err != nil {
		t.Fatalf("PollTicks() error = %v", err)
	}
	if len(store.appends) != 0 {
		t.Errorf("expected no append on missing price payload, got %+v", store.appends)
	}
}

func TestNonReentrantPollSkipsOverlap(t *testing.T) {
	t.Parallel()

	market := types.Market{MarketID: 5, YesTokenID: "tok-5", Title: "m"}
	store := &fakeStore{markets: []types.Market{market}, lastRaw: map[int64]*types.Tick{}}
	up := &orderbookStub{
		fakeUpstream: &fakeUpstream{volumes: map[int64]upstream.Envelope{5: {"privateVolume": 5000.0}}},
		payload:      upstream.Envelope{"last_price": 0.5, "timestamp": float64(1_700_000_000)},
	}
	c := New(up, store, Config{BatchSize: 60}, testLogger())
	c.polling.Store(true)

	noop := func(ctx context.Context, market types.Market, parentTitle string, tick types.Tick) error { return nil }
	if err := c.PollTicks(context.Background(), noop); err != nil {
		t.Fatalf("PollTicks() error = %v", err)
	}
	if len(store.appends) != 0 {
		t.Errorf("expected no appends while a poll is already in flight, got %+v", store.appends)
	}
	c.polling.Store(false)
}
