package market

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"papertrade/internal/events"
	"papertrade/pkg/cache"
)

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()
	assert.Len(t, c.List(), 52)

	btc, ok := c.Lookup("BTC/USD")
	require.True(t, ok)
	assert.Equal(t, TypeFutures, btc.Type)
	assert.True(t, btc.BasePrice.Equal(decimal.NewFromInt(45000)))

	eur, ok := c.Lookup("EUR/USD")
	require.True(t, ok)
	assert.Equal(t, "1.1234", eur.BasePrice.String())

	_, ok = c.Lookup("NOPE")
	assert.False(t, ok)
	assert.Equal(t, "BTC/USD", c.IDs()[0])
}

func TestParseCatalogRejectsBadEntries(t *testing.T) {
	cases := map[string]string{
		"empty":          "instruments: []",
		"missing id":     `instruments: [{type: STOCKS, base_price: "1"}]`,
		"bad type":       `instruments: [{id: X, type: BONDS, base_price: "1"}]`,
		"bad price":      `instruments: [{id: X, type: STOCKS, base_price: "abc"}]`,
		"negative price": `instruments: [{id: X, type: STOCKS, base_price: "-1"}]`,
		"duplicate":      `instruments: [{id: X, type: STOCKS, base_price: "1"}, {id: X, type: STOCKS, base_price: "2"}]`,
		"not yaml":       "instruments: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestSimulatedOracleWalk(t *testing.T) {
	c := DefaultCatalog()
	a := NewSimulatedOracle(c, 42)
	b := NewSimulatedOracle(c, 42)
	ctx := context.Background()

	maxStep := decimal.RequireFromString("0.0010001")
	prev := decimal.NewFromInt(45000)
	for i := 0; i < 200; i++ {
		qa, err := a.CurrentPrice(ctx, "BTC/USD")
		require.NoError(t, err)
		qb, err := b.CurrentPrice(ctx, "BTC/USD")
		require.NoError(t, err)

		assert.True(t, qa.Price.Equal(qb.Price), "same seed must give same walk")
		assert.True(t, qa.Price.IsPositive())
		step := qa.Price.Div(prev).Sub(decimal.NewFromInt(1)).Abs()
		assert.True(t, step.LessThanOrEqual(maxStep), "step %s too large", step)
		assert.Equal(t, "simulated", qa.Source)
		prev = qa.Price
	}

	_, err := a.CurrentPrice(ctx, "NOPE")
	assert.ErrorIs(t, err, ErrUnknownInstrument)
	assert.ErrorIs(t, err, ErrPriceUnavailable)
}

func TestStaticOracle(t *testing.T) {
	o := NewStaticOracle(map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(100)})
	q, err := o.CurrentPrice(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(decimal.NewFromInt(100)))

	o.Set("AAPL", decimal.NewFromInt(110))
	q, err = o.CurrentPrice(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(decimal.NewFromInt(110)))

	_, err = o.CurrentPrice(context.Background(), "MSFT")
	assert.ErrorIs(t, err, ErrPriceUnavailable)
}

type failingOracle struct{ calls int }

func (f *failingOracle) CurrentPrice(ctx context.Context, id string) (Quote, error) {
	f.calls++
	return Quote{}, errors.New("upstream down")
}

type staleOracle struct{ price decimal.Decimal }

func (s staleOracle) CurrentPrice(ctx context.Context, id string) (Quote, error) {
	return Quote{InstrumentID: id, Price: s.price, Source: "stale", Stale: true}, nil
}

func TestFallbackOracle(t *testing.T) {
	ctx := context.Background()
	static := NewStaticOracle(map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(101)})

	t.Run("falls through failures", func(t *testing.T) {
		bad := &failingOracle{}
		f := NewFallbackOracle(nil, false, bad, static)
		q, err := f.CurrentPrice(ctx, "AAPL")
		require.NoError(t, err)
		assert.Equal(t, "static", q.Source)
		assert.Equal(t, 1, bad.calls)
	})

	t.Run("all fail", func(t *testing.T) {
		f := NewFallbackOracle(nil, false, &failingOracle{}, &failingOracle{})
		_, err := f.CurrentPrice(ctx, "AAPL")
		assert.ErrorIs(t, err, ErrPriceUnavailable)
		assert.Contains(t, err.Error(), "upstream down")
	})

	t.Run("prefers fresh over stale", func(t *testing.T) {
		f := NewFallbackOracle(nil, true, staleOracle{price: decimal.NewFromInt(90)}, static)
		q, err := f.CurrentPrice(ctx, "AAPL")
		require.NoError(t, err)
		assert.Equal(t, "static", q.Source)
	})

	t.Run("stale beats nothing", func(t *testing.T) {
		f := NewFallbackOracle(nil, true, staleOracle{price: decimal.NewFromInt(90)}, &failingOracle{})
		q, err := f.CurrentPrice(ctx, "AAPL")
		require.NoError(t, err)
		assert.True(t, q.Stale)
		assert.True(t, q.Price.Equal(decimal.NewFromInt(90)))
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		f := NewFallbackOracle(nil, false, static)
		_, err := f.CurrentPrice(cctx, "AAPL")
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestCachedOracleAndTicker(t *testing.T) {
	c := cache.NewShardedPriceCache()
	bus := events.NewBus()
	ticks, unsub := bus.Subscribe(events.TopicPrices, 8)
	defer unsub()

	oracle := NewCachedOracle(c, time.Hour)
	_, err := oracle.CurrentPrice(context.Background(), "AAPL")
	assert.ErrorIs(t, err, ErrPriceUnavailable)

	tk := &Ticker{
		Source:      NewStaticOracle(map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(175)}),
		Cache:       c,
		Bus:         bus,
		Instruments: []string{"AAPL", "UNKNOWN"},
	}
	assert.Equal(t, 1, tk.Tick(context.Background()))

	q, err := oracle.CurrentPrice(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(decimal.NewFromInt(175)))
	assert.False(t, q.Stale)
	assert.Equal(t, "cache:static", q.Source)

	ev := <-ticks
	assert.Equal(t, events.KindPriceTick, ev.Kind)
	assert.Equal(t, "AAPL", ev.Data.(events.PriceTick).InstrumentID)

	strict := NewCachedOracle(c, time.Nanosecond)
	time.Sleep(time.Millisecond)
	q, err = strict.CurrentPrice(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.True(t, q.Stale)
}

func TestHTTPOracle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/quote/")
		w.Header().Set("Content-Type", "application/json")
		switch id {
		case "BTC/USD":
			_, _ = w.Write([]byte(`{"symbol":"BTC/USD","price":"45123.5","time":"2024-05-01T10:00:00Z"}`))
		case "ZERO":
			_, _ = w.Write([]byte(`{"symbol":"ZERO","price":0}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"unknown"}`))
		}
	}))
	defer srv.Close()

	o := NewHTTPOracle(srv.URL, 0, time.Second, nil)
	defer o.Close()
	ctx := context.Background()

	q, err := o.CurrentPrice(ctx, "BTC/USD")
	require.NoError(t, err)
	assert.Equal(t, "45123.5", q.Price.String())
	assert.Equal(t, "http", q.Source)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), q.Time)

	_, err = o.CurrentPrice(ctx, "ZERO")
	assert.ErrorIs(t, err, ErrPriceUnavailable)

	_, err = o.CurrentPrice(ctx, "MISSING")
	assert.ErrorIs(t, err, ErrPriceUnavailable)
}

func TestAlpacaOracleServesStocksOnly(t *testing.T) {
	o := NewAlpacaOracle("key", "secret", "http://127.0.0.1:0", DefaultCatalog())

	_, err := o.CurrentPrice(context.Background(), "BTC/USD")
	assert.ErrorIs(t, err, ErrPriceUnavailable)

	_, err = o.CurrentPrice(context.Background(), "NOPE")
	assert.ErrorIs(t, err, ErrUnknownInstrument)
}
