// internal/normalize/normalizer_test.go
package normalize

import (
	"testing"

	"github.com/vkarpenko/tvstream/pkg/logger"
	"github.com/vkarpenko/tvstream/pkg/protocol"
)

func msg(t *testing.T, body string) protocol.Message {
	t.Helper()
	msgs := protocol.Decode(protocol.Wrap(body), logger.Nop())
	if len(msgs) != 1 {
		t.Fatalf("Decode yielded %d messages; want 1", len(msgs))
	}
	return msgs[0]
}

func quoteBody(values string) string {
	return `{"m":"qsd","p":["qs_a",{"n":"BINANCE:BTCUSDT","s":"ok","v":` + values + `}]}`
}

func TestFeedQuoteEmitsSnapshot(t *testing.T) {
	n := New("BINANCE", "BTCUSDT", logger.Nop())
	tick, ok := n.Feed(msg(t, quoteBody(`{"lp":50000.5,"ch":120.5,"chp":0.24,"bid":50000.1,"ask":50000.9}`)))
	if !ok {
		t.Fatal("expected a tick")
	}
	if tick.Price == nil || *tick.Price != 50000.5 {
		t.Errorf("Price = %v", tick.Price)
	}
	if tick.Bid == nil || *tick.Bid != 50000.1 {
		t.Errorf("Bid = %v", tick.Bid)
	}
	if tick.Volume != nil {
		t.Errorf("Volume = %v; want nil (never set)", tick.Volume)
	}
	if tick.Exchange != "BINANCE" || tick.Symbol != "BTCUSDT" {
		t.Errorf("identity = %s:%s", tick.Exchange, tick.Symbol)
	}
}

// Identical field values produce no emission; changing one field produces
// exactly one tick with old fields preserved.
func TestFeedSuppressesNoopUpdates(t *testing.T) {
	n := New("BINANCE", "BTCUSDT", logger.Nop())

	if _, ok := n.Feed(msg(t, quoteBody(`{"lp":100.0,"bid":99.5}`))); !ok {
		t.Fatal("first update must emit")
	}
	if tick, ok := n.Feed(msg(t, quoteBody(`{"lp":100.0,"bid":99.5}`))); ok {
		t.Fatalf("identical update emitted %+v", tick)
	}

	tick, ok := n.Feed(msg(t, quoteBody(`{"lp":101.0}`)))
	if !ok {
		t.Fatal("changed price must emit")
	}
	if *tick.Price != 101.0 {
		t.Errorf("Price = %v; want 101.0", *tick.Price)
	}
	if tick.Bid == nil || *tick.Bid != 99.5 {
		t.Errorf("Bid = %v; want preserved 99.5", tick.Bid)
	}
}

// Quote and chart messages populate disjoint subsets; the merge keeps the
// latest value per field across both sources.
func TestPartialFieldMerge(t *testing.T) {
	n := New("BINANCE", "BTCUSDT", logger.Nop())

	if _, ok := n.Feed(msg(t, quoteBody(`{"lp":100.0}`))); !ok {
		t.Fatal("quote update must emit")
	}

	chart := `{"m":"du","p":["cs_a",{"sds_1":{"s":[{"i":7,"v":[1700000000,99,102,98,101.5,3400]}]}}]}`
	tick, ok := n.Feed(msg(t, chart))
	if !ok {
		t.Fatal("chart update must emit")
	}
	if tick.Price == nil || *tick.Price != 101.5 {
		t.Errorf("Price = %v; want chart close 101.5", tick.Price)
	}
	if tick.Volume == nil || *tick.Volume != 3400 {
		t.Errorf("Volume = %v; want chart volume 3400", tick.Volume)
	}
	if tick.Bid != nil || tick.Ask != nil || tick.Change != nil {
		t.Errorf("bid/ask/change = %v/%v/%v; want nil (never set)", tick.Bid, tick.Ask, tick.Change)
	}
}

// The snapshot is a copy: later updates must not mutate an emitted tick.
func TestSnapshotIsolation(t *testing.T) {
	n := New("BINANCE", "BTCUSDT", logger.Nop())
	first, _ := n.Feed(msg(t, quoteBody(`{"lp":100.0}`)))
	_, _ = n.Feed(msg(t, quoteBody(`{"lp":200.0}`)))
	if *first.Price != 100.0 {
		t.Errorf("earlier snapshot mutated: Price = %v", *first.Price)
	}
}

func TestFeedIgnoresOtherKinds(t *testing.T) {
	n := New("BINANCE", "BTCUSDT", logger.Nop())
	if tick, ok := n.Feed(msg(t, `{"m":"series_completed","p":["cs_a","sds_1"]}`)); ok {
		t.Errorf("session event emitted %+v", tick)
	}
}

func TestMultiNormalizerRoutesBySymbol(t *testing.T) {
	m := NewMulti(logger.Nop())

	btc := `{"m":"qsd","p":["qs_a",{"n":"BINANCE:BTCUSDT","s":"ok","v":{"lp":50000.0}}]}`
	eth := `{"m":"qsd","p":["qs_a",{"n":"BINANCE:ETHUSDT","s":"ok","v":{"lp":3000.0}}]}`

	key, tick, ok := m.Feed(msg(t, btc))
	if !ok || key != "BINANCE:BTCUSDT" || *tick.Price != 50000.0 {
		t.Fatalf("btc: key=%q ok=%v tick=%+v", key, ok, tick)
	}
	key, tick, ok = m.Feed(msg(t, eth))
	if !ok || key != "BINANCE:ETHUSDT" || *tick.Price != 3000.0 {
		t.Fatalf("eth: key=%q ok=%v tick=%+v", key, ok, tick)
	}

	// Per-symbol suppression is independent.
	if _, _, ok := m.Feed(msg(t, btc)); ok {
		t.Error("identical btc update emitted")
	}
	if _, _, ok := m.Feed(msg(t, eth)); ok {
		t.Error("identical eth update emitted")
	}
}
