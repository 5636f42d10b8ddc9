// internal/sink/sink.go

// Package sink delivers finished candle batches and realtime ticks to export
// destinations: JSON/CSV files or a Kafka topic.
package sink

import (
	"context"

	"github.com/vkarpenko/tvstream/internal/assemble"
	"github.com/vkarpenko/tvstream/internal/normalize"
)

// CandleBatch is one finished get-candles result handed to a sink.
type CandleBatch struct {
	Symbol     string                               `json:"symbol"`
	Timeframe  string                               `json:"timeframe"`
	Candles    []assemble.Candle                    `json:"ohlcv"`
	Indicators map[string][]assemble.IndicatorValue `json:"indicators,omitempty"`
}

// Sink receives export batches. Implementations must be safe for sequential
// use from one streaming call; they are never shared across calls.
type Sink interface {
	WriteCandles(ctx context.Context, batch CandleBatch) error
	WriteTick(ctx context.Context, tick *normalize.Tick) error
	Close() error
}
