// internal/normalize/normalizer.go

// Package normalize merges quote-session and chart-session fields for a
// symbol into one evolving tick record. QUOTE and CHART messages populate
// disjoint field subsets; the merge is last-write-wins per field, and a
// snapshot is emitted only when at least one field actually changed.
package normalize

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/vkarpenko/tvstream/internal/metrics"
	"github.com/vkarpenko/tvstream/pkg/logger"
	"github.com/vkarpenko/tvstream/pkg/protocol"
)

// Tick is one normalized realtime price update. Fields are nullable because
// no single message carries all of them.
type Tick struct {
	Exchange      string   `json:"exchange"`
	Symbol        string   `json:"symbol"`
	Price         *float64 `json:"price"`
	Volume        *float64 `json:"volume"`
	Change        *float64 `json:"change"`
	ChangePercent *float64 `json:"change_percent"`
	High          *float64 `json:"high"`
	Low           *float64 `json:"low"`
	Open          *float64 `json:"open"`
	PrevClose     *float64 `json:"prev_close"`
	Bid           *float64 `json:"bid"`
	Ask           *float64 `json:"ask"`
}

func (t *Tick) clone() *Tick {
	c := &Tick{Exchange: t.Exchange, Symbol: t.Symbol}
	c.Price = copyVal(t.Price)
	c.Volume = copyVal(t.Volume)
	c.Change = copyVal(t.Change)
	c.ChangePercent = copyVal(t.ChangePercent)
	c.High = copyVal(t.High)
	c.Low = copyVal(t.Low)
	c.Open = copyVal(t.Open)
	c.PrevClose = copyVal(t.PrevClose)
	c.Bid = copyVal(t.Bid)
	c.Ask = copyVal(t.Ask)
	return c
}

func (t *Tick) empty() bool {
	return t.Price == nil && t.Volume == nil && t.Change == nil &&
		t.ChangePercent == nil && t.High == nil && t.Low == nil &&
		t.Open == nil && t.PrevClose == nil && t.Bid == nil && t.Ask == nil
}

func copyVal(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// quoteValues mirrors the "v" object of a qsd packet.
type quoteValues struct {
	Exchange  string   `json:"exchange"`
	ShortName string   `json:"short_name"`
	Lp        *float64 `json:"lp"`
	Volume    *float64 `json:"volume"`
	Ch        *float64 `json:"ch"`
	Chp       *float64 `json:"chp"`
	High      *float64 `json:"high_price"`
	Low       *float64 `json:"low_price"`
	Open      *float64 `json:"open_price"`
	PrevClose *float64 `json:"prev_close_price"`
	Bid       *float64 `json:"bid"`
	Ask       *float64 `json:"ask"`
}

// Normalizer merges updates for a single symbol.
type Normalizer struct {
	log   *logger.Logger
	state Tick
}

func New(exchange, symbol string, log *logger.Logger) *Normalizer {
	return &Normalizer{
		log:   log.Named("normalize"),
		state: Tick{Exchange: exchange, Symbol: symbol},
	}
}

// Feed consumes one message. It returns a snapshot of the merged state if and
// only if at least one field changed value; an update that yields nothing new
// returns (nil, false).
func (n *Normalizer) Feed(msg protocol.Message) (*Tick, bool) {
	changed := false
	switch msg.Kind {
	case protocol.KindQuoteUpdate:
		changed = n.applyQuote(msg)
	case protocol.KindChartUpdate:
		changed = n.applyChart(msg)
	default:
		return nil, false
	}

	if !changed || n.state.empty() {
		metrics.TicksSuppressed.Inc()
		return nil, false
	}
	metrics.TicksEmitted.Inc()
	return n.state.clone(), true
}

func (n *Normalizer) applyQuote(msg protocol.Message) bool {
	v, ok := decodeQuote(msg, n.log)
	if !ok {
		return false
	}
	changed := false
	if v.Exchange != "" && v.Exchange != n.state.Exchange {
		n.state.Exchange = v.Exchange
		changed = true
	}
	if v.ShortName != "" && v.ShortName != n.state.Symbol {
		n.state.Symbol = v.ShortName
		changed = true
	}
	changed = setField(&n.state.Price, v.Lp) || changed
	changed = setField(&n.state.Volume, v.Volume) || changed
	changed = setField(&n.state.Change, v.Ch) || changed
	changed = setField(&n.state.ChangePercent, v.Chp) || changed
	changed = setField(&n.state.High, v.High) || changed
	changed = setField(&n.state.Low, v.Low) || changed
	changed = setField(&n.state.Open, v.Open) || changed
	changed = setField(&n.state.PrevClose, v.PrevClose) || changed
	changed = setField(&n.state.Bid, v.Bid) || changed
	changed = setField(&n.state.Ask, v.Ask) || changed
	return changed
}

// applyChart extracts close and volume of the most recent bar in the update.
// Only those two fields are overwritten; everything else keeps its last known
// quote-session value.
func (n *Normalizer) applyChart(msg protocol.Message) bool {
	if len(msg.Params) < 2 {
		return false
	}
	var content map[string]struct {
		S []struct {
			I int       `json:"i"`
			V []float64 `json:"v"`
		} `json:"s"`
	}
	if err := json.Unmarshal(msg.Params[1], &content); err != nil {
		n.log.Debug("unparseable chart payload", zap.Error(err))
		return false
	}

	changed := false
	for _, series := range content {
		for _, b := range series.S {
			if len(b.V) < 5 {
				continue
			}
			closePrice := b.V[4]
			changed = setField(&n.state.Price, &closePrice) || changed
			if len(b.V) > 5 {
				vol := b.V[5]
				changed = setField(&n.state.Volume, &vol) || changed
			}
		}
	}
	return changed
}

// setField overwrites dst with src when src is present and differs.
func setField(dst **float64, src *float64) bool {
	if src == nil {
		return false
	}
	if *dst != nil && **dst == *src {
		return false
	}
	v := *src
	*dst = &v
	return true
}

func decodeQuote(msg protocol.Message, log *logger.Logger) (quoteValues, bool) {
	var v quoteValues
	if len(msg.Params) < 2 {
		return v, false
	}
	var payload struct {
		N string      `json:"n"`
		S string      `json:"s"`
		V quoteValues `json:"v"`
	}
	if err := json.Unmarshal(msg.Params[1], &payload); err != nil {
		log.Debug("unparseable quote payload", zap.Error(err))
		return v, false
	}
	return payload.V, true
}

// SymbolOf extracts the "n" symbol tag of a quote update, used to route
// multi-symbol streams.
func SymbolOf(msg protocol.Message) string {
	if msg.Kind != protocol.KindQuoteUpdate || len(msg.Params) < 2 {
		return ""
	}
	var payload struct {
		N string `json:"n"`
	}
	if err := json.Unmarshal(msg.Params[1], &payload); err != nil {
		return ""
	}
	return payload.N
}

// MultiNormalizer keeps one Normalizer per EXCHANGE:SYMBOL pair and routes
// each quote update by the symbol tag carried in the message.
type MultiNormalizer struct {
	log   *logger.Logger
	perns map[string]*Normalizer
}

func NewMulti(log *logger.Logger) *MultiNormalizer {
	return &MultiNormalizer{log: log, perns: make(map[string]*Normalizer)}
}

// Feed routes one message and returns the pair key with the emitted snapshot.
func (m *MultiNormalizer) Feed(msg protocol.Message) (string, *Tick, bool) {
	key := SymbolOf(msg)
	if key == "" {
		return "", nil, false
	}
	n, ok := m.perns[key]
	if !ok {
		n = New("", key, m.log)
		m.perns[key] = n
	}
	tick, emitted := n.Feed(msg)
	return key, tick, emitted
}
