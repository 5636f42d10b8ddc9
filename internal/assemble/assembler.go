// internal/assemble/assembler.go

// Package assemble reduces chart-session frames into ordered OHLCV candle
// lists and per-study indicator series. The assembler owns its accumulation
// state and has no notion of "done": the caller decides when enough bars have
// arrived and drains.
package assemble

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/vkarpenko/tvstream/internal/metrics"
	"github.com/vkarpenko/tvstream/pkg/logger"
	"github.com/vkarpenko/tvstream/pkg/protocol"
)

// DefaultSeriesID is the series slot used by create_series.
const DefaultSeriesID = "sds_1"

// Candle is one OHLCV bar.
type Candle struct {
	Index     int     `json:"index"`
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// IndicatorValue is one per-bar set of study outputs keyed by numeric slot
// ("0", "1", ...), aligned with the candle at the same index.
type IndicatorValue struct {
	Index     int                `json:"index"`
	Timestamp int64              `json:"timestamp"`
	Values    map[string]float64 `json:"values"`
}

// bar mirrors the wire layout {"i": <index>, "v": [ts, ...]}.
type bar struct {
	I int       `json:"i"`
	V []float64 `json:"v"`
}

// Assembler accumulates candles and indicator series for one chart session.
// Not safe for concurrent use; exactly one reader feeds it.
type Assembler struct {
	log      *logger.Logger
	seriesID string

	studies    map[string]string // study id ("st9") -> indicator script id
	candles    map[int]Candle
	indicators map[string]map[int]IndicatorValue
}

func New(log *logger.Logger) *Assembler {
	return &Assembler{
		log:        log.Named("assemble"),
		seriesID:   DefaultSeriesID,
		studies:    make(map[string]string),
		candles:    make(map[int]Candle),
		indicators: make(map[string]map[int]IndicatorValue),
	}
}

// RegisterStudy maps a study slot (e.g. "st9") to the indicator it carries.
// Unregistered study slots in incoming frames are ignored.
func (a *Assembler) RegisterStudy(studyID, indicator string) {
	a.studies[studyID] = indicator
}

// Feed consumes one chart-session message. A bar revision for an index seen
// before overwrites the stored candle rather than duplicating it. Messages of
// other kinds are ignored.
func (a *Assembler) Feed(msg protocol.Message) {
	if msg.Kind != protocol.KindChartUpdate && msg.Kind != protocol.KindIndicatorUpdate {
		return
	}
	if len(msg.Params) < 2 {
		return
	}

	var content map[string]json.RawMessage
	if err := json.Unmarshal(msg.Params[1], &content); err != nil {
		a.log.Debug("unparseable chart payload", zap.Error(err))
		return
	}

	for key, raw := range content {
		switch {
		case key == a.seriesID:
			a.feedSeries(raw)
		case strings.HasPrefix(key, "st"):
			if name, ok := a.studies[key]; ok {
				a.feedStudy(name, raw)
			}
		}
	}
}

func (a *Assembler) feedSeries(raw json.RawMessage) {
	var series struct {
		S []bar `json:"s"`
	}
	if err := json.Unmarshal(raw, &series); err != nil {
		a.log.Debug("unparseable series update", zap.Error(err))
		return
	}
	for _, b := range series.S {
		if len(b.V) < 5 {
			continue
		}
		c := Candle{
			Index:     b.I,
			Timestamp: int64(b.V[0]),
			Open:      b.V[1],
			High:      b.V[2],
			Low:       b.V[3],
			Close:     b.V[4],
		}
		if len(b.V) > 5 {
			c.Volume = b.V[5]
		}
		if _, seen := a.candles[b.I]; !seen {
			metrics.CandlesAssembled.Inc()
		}
		a.candles[b.I] = c
	}
}

func (a *Assembler) feedStudy(name string, raw json.RawMessage) {
	var study struct {
		St []bar `json:"st"`
	}
	if err := json.Unmarshal(raw, &study); err != nil {
		a.log.Debug("unparseable study update", zap.String("indicator", name), zap.Error(err))
		return
	}
	byIndex, ok := a.indicators[name]
	if !ok {
		byIndex = make(map[int]IndicatorValue)
		a.indicators[name] = byIndex
	}
	for _, b := range study.St {
		if len(b.V) < 1 {
			continue
		}
		v := IndicatorValue{
			Index:     b.I,
			Timestamp: int64(b.V[0]),
			Values:    make(map[string]float64, len(b.V)-1),
		}
		for i, val := range b.V[1:] {
			v.Values[strconv.Itoa(i)] = val
		}
		byIndex[b.I] = v
	}
}

// CandleCount reports the number of distinct bars received so far.
func (a *Assembler) CandleCount() int { return len(a.candles) }

// StudiesReported reports how many registered studies have produced at least
// one value.
func (a *Assembler) StudiesReported() int {
	n := 0
	for _, byIndex := range a.indicators {
		if len(byIndex) > 0 {
			n++
		}
	}
	return n
}

// Drain returns up to limit most-recent candles in ascending index order,
// plus each indicator series restricted to the same index window. Fewer bars
// than requested is not an error: whatever arrived is returned.
func (a *Assembler) Drain(limit int) ([]Candle, map[string][]IndicatorValue) {
	indices := make([]int, 0, len(a.candles))
	for i := range a.candles {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	if limit > 0 && len(indices) > limit {
		indices = indices[len(indices)-limit:]
	}

	candles := make([]Candle, 0, len(indices))
	for _, i := range indices {
		candles = append(candles, a.candles[i])
	}

	indicators := make(map[string][]IndicatorValue, len(a.indicators))
	minIndex := 0
	if len(candles) > 0 {
		minIndex = candles[0].Index
	}
	for name, byIndex := range a.indicators {
		series := make([]IndicatorValue, 0, len(byIndex))
		for i, v := range byIndex {
			if len(candles) > 0 && i < minIndex {
				continue
			}
			series = append(series, v)
		}
		sort.Slice(series, func(x, y int) bool { return series[x].Index < series[y].Index })
		indicators[name] = series
	}
	return candles, indicators
}
