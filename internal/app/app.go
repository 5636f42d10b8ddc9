// internal/app/app.go

// Package app wires config, sinks, the streaming facade and the operational
// HTTP server into the long-running service modes.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vkarpenko/tvstream/internal/config"
	"github.com/vkarpenko/tvstream/internal/httpserver"
	"github.com/vkarpenko/tvstream/internal/metrics"
	"github.com/vkarpenko/tvstream/internal/normalize"
	"github.com/vkarpenko/tvstream/internal/sink"
	"github.com/vkarpenko/tvstream/internal/telemetry"
	"github.com/vkarpenko/tvstream/pkg/backoff"
	"github.com/vkarpenko/tvstream/pkg/logger"
	"github.com/vkarpenko/tvstream/pkg/stream"
)

// Run starts the watch service: one realtime stream per configured symbol,
// ticks delivered to the export sink, plus the metrics/health server. Blocks
// until ctx is cancelled or a stream fails beyond its retry budget.
func Run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	metrics.Register(nil)

	shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.Config{
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		Insecure:       cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdownSafe(ctx, "telemetry", func() error { return shutdownTracer(ctx) }, log)

	exporter, err := buildSink(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("sink init: %w", err)
	}
	defer shutdownSafe(ctx, "sink", exporter.Close, log)

	streamer := newStreamer(cfg, exporter, log)

	var active atomic.Int32
	readiness := func() error {
		if active.Load() == 0 {
			return errors.New("no active streams")
		}
		return nil
	}
	httpSrv := httpserver.New(cfg.HTTP, readiness, log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpSrv.Start(ctx) })

	for _, pair := range cfg.Watch.Symbols {
		exchange, symbol, err := splitPair(pair)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return watchSymbol(ctx, streamer, exchange, symbol, &active, cfg.TradingView.Socket.Backoff, log)
		})
	}

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("service stopped by context")
			return nil
		}
		return err
	}
	return nil
}

// RunCandles is the one-shot mode: fetch the configured candle window for
// every watch symbol, print each envelope to stdout and hand batches to the
// export sink.
func RunCandles(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	metrics.Register(nil)

	exporter, err := buildSink(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("sink init: %w", err)
	}
	defer shutdownSafe(ctx, "sink", exporter.Close, log)

	streamer := newStreamer(cfg, exporter, log)

	indicators := make([]stream.IndicatorRequest, 0, len(cfg.Watch.Indicators))
	for _, ind := range cfg.Watch.Indicators {
		indicators = append(indicators, stream.IndicatorRequest{ID: ind.ID, Version: ind.Version})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for _, pair := range cfg.Watch.Symbols {
		exchange, symbol, err := splitPair(pair)
		if err != nil {
			return err
		}
		resp := streamer.GetCandles(ctx, exchange, symbol, cfg.Watch.Timeframe, cfg.Watch.CandleCount, indicators)
		if resp.Status != stream.StatusSuccess {
			log.Error("candle fetch failed", zap.String("symbol", pair), zap.Stringp("error", resp.Error))
		}
		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("encode result for %s: %w", pair, err)
		}
	}
	return nil
}

func newStreamer(cfg *config.Config, exporter sink.Sink, log *logger.Logger) *stream.Streamer {
	return stream.New(stream.Config{
		Token:      cfg.TradingView.AuthToken,
		Socket:     cfg.TradingView.Socket,
		MaxStudies: cfg.TradingView.MaxStudies,
		Sink:       exporter,
	}, log)
}

// watchSymbol keeps one realtime stream alive, reconnecting with backoff
// whenever the upstream ends it.
func watchSymbol(ctx context.Context, streamer *stream.Streamer, exchange, symbol string, active *atomic.Int32, boCfg backoff.Config, log *logger.Logger) error {
	pair := exchange + ":" + symbol
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var ticks <-chan *normalize.Tick
		err := backoff.Execute(ctx, boCfg, log, func(ctx context.Context) error {
			ch, e := streamer.StreamRealtimePrice(ctx, exchange, symbol)
			if e == nil {
				ticks = ch
			}
			return e
		})
		if err != nil {
			return fmt.Errorf("stream %s: %w", pair, err)
		}

		active.Add(1)
		for tick := range ticks {
			if tick.Price != nil {
				log.Debug("tick",
					zap.String("symbol", pair),
					zap.Float64("price", *tick.Price),
				)
			}
		}
		active.Add(-1)
		log.Warn("stream ended, reconnecting", zap.String("symbol", pair))
	}
}

// buildSink selects the export destination: Kafka when enabled, files
// otherwise.
func buildSink(ctx context.Context, cfg *config.Config, log *logger.Logger) (sink.Sink, error) {
	if cfg.Export.KafkaEnabled {
		return sink.NewKafkaSink(ctx, cfg.Export.Kafka, log)
	}
	return sink.NewFileSink(cfg.Export.Dir, sink.Format(strings.ToLower(cfg.Export.Format)), log)
}

func splitPair(pair string) (exchange, symbol string, err error) {
	parts := strings.SplitN(pair, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("app: malformed symbol %q, want EXCHANGE:SYMBOL", pair)
	}
	return parts[0], parts[1], nil
}

// shutdownSafe wraps a Close/Shutdown call with logging.
func shutdownSafe(ctx context.Context, name string, fn func() error, log *logger.Logger) {
	log.Info(name + ": shutting down")
	if err := fn(); err != nil {
		log.Error(name+" shutdown error", zap.Error(err))
		return
	}
	log.Info(name + ": shutdown complete")
}
