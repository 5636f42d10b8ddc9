// pkg/stream/candles.go
package stream

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vkarpenko/tvstream/internal/assemble"
	"github.com/vkarpenko/tvstream/internal/metrics"
	"github.com/vkarpenko/tvstream/internal/sink"
	"github.com/vkarpenko/tvstream/pkg/session"
	"github.com/vkarpenko/tvstream/pkg/tvws"
)

// GetCandles fetches up to count OHLCV bars plus optional indicator series in
// one blocking call. The connection is opened, drained and closed inside the
// call; the result is always a well-formed envelope and never an error.
//
// Requesting more indicators than Config.MaxStudies fails fast before any
// socket is opened. Zero accumulated candles yields a failed envelope; a
// partial window (fewer bars than requested) is a success.
func (s *Streamer) GetCandles(ctx context.Context, exchange, symbol, timeframe string, count int, indicators []IndicatorRequest) Response {
	start := time.Now()
	defer func() { metrics.StreamDuration.Observe(time.Since(start).Seconds()) }()

	ctx, span := tracer.Start(ctx, "GetCandles", trace.WithAttributes(
		attribute.String("exchange", exchange),
		attribute.String("symbol", symbol),
		attribute.String("timeframe", timeframe),
	))
	defer span.End()

	failMeta := map[string]interface{}{"exchange": exchange, "symbol": symbol}
	fail := func(err error) Response {
		span.RecordError(err)
		s.log.Error("get candles failed", zap.String("symbol", symbol), zap.Error(err))
		return errorResponse(err, failMeta)
	}

	if err := s.validator.ValidateSymbol(ctx, exchange, symbol); err != nil {
		return fail(err)
	}
	mappedTF, err := s.validator.Timeframe(timeframe)
	if err != nil {
		return fail(err)
	}
	if len(indicators) > s.cfg.MaxStudies {
		return fail(fmt.Errorf("stream: %d indicators requested, limit is %d concurrent studies",
			len(indicators), s.cfg.MaxStudies))
	}

	conn, err := tvws.Dial(ctx, s.cfg.Socket, s.log)
	if err != nil {
		return fail(&ConnError{Err: err})
	}
	defer conn.Close()

	qs := s.registry.NewQuoteSession()
	cs := s.registry.NewChartSession()
	if err := conn.Initialize(s.cfg.Token, qs, cs); err != nil {
		return fail(err)
	}
	s.registry.Bind(qs, exchange, symbol)
	s.registry.Bind(cs, exchange, symbol)

	if err := s.subscribeSeries(conn, qs, cs, exchange, symbol, mappedTF, count); err != nil {
		return fail(&ConnError{Err: err})
	}

	assembler := assemble.New(s.log)
	expectedStudies := s.attachStudies(ctx, conn, assembler, qs, cs, indicators)

	s.drain(ctx, conn, assembler, count, expectedStudies)

	candles, series := assembler.Drain(count)
	if len(candles) == 0 {
		return fail(fmt.Errorf("stream: no candles received for %s within the read budget",
			session.FormatSymbol(exchange, symbol)))
	}

	if s.cfg.Sink != nil {
		batch := sink.CandleBatch{
			Symbol:     session.FormatSymbol(exchange, symbol),
			Timeframe:  timeframe,
			Candles:    candles,
			Indicators: series,
		}
		if err := s.cfg.Sink.WriteCandles(ctx, batch); err != nil {
			s.log.Error("candle export failed", zap.Error(err))
		}
	}

	return successResponse(
		CandleData{OHLCV: candles, Indicators: series},
		map[string]interface{}{
			"exchange":     exchange,
			"symbol":       symbol,
			"timeframe":    timeframe,
			"numb_candles": count,
		},
	)
}

// subscribeSeries registers the symbol in both sessions and requests the
// candle series.
func (s *Streamer) subscribeSeries(conn *tvws.Conn, qs, cs, exchange, symbol, mappedTF string, count int) error {
	pair := session.FormatSymbol(exchange, symbol)
	resolve := resolvePayload{Adjustment: "splits", Symbol: pair}.encode()

	steps := []struct {
		method string
		params []interface{}
	}{
		{"quote_add_symbols", []interface{}{qs, resolve}},
		{"resolve_symbol", []interface{}{cs, "sds_sym_1", resolve}},
		{"create_series", []interface{}{cs, assemble.DefaultSeriesID, "s1", "sds_sym_1", mappedTF, count, ""}},
		{"quote_fast_symbols", []interface{}{qs, pair}},
	}
	for _, step := range steps {
		if err := conn.Send(step.method, step.params); err != nil {
			return err
		}
	}
	return nil
}

// attachStudies resolves each indicator's metadata and issues create_study,
// assigning study slots st9, st10, ... in request order. An indicator whose
// metadata cannot be fetched is skipped with a log entry; the remaining ones
// still attach. Returns the number of studies actually registered.
func (s *Streamer) attachStudies(ctx context.Context, conn *tvws.Conn, assembler *assemble.Assembler, qs, cs string, indicators []IndicatorRequest) int {
	attached := 0
	for i, ind := range indicators {
		params, err := s.pine.StudyPayload(ctx, ind.ID, ind.Version, cs)
		if err != nil {
			s.log.Error("indicator metadata fetch failed",
				zap.String("indicator", ind.ID), zap.Error(err))
			continue
		}
		studyID := "st" + strconv.Itoa(9+i)
		params[1] = studyID

		if err := conn.Send("create_study", params); err != nil {
			s.log.Error("create_study failed", zap.String("indicator", ind.ID), zap.Error(err))
			continue
		}
		if err := conn.Send("quote_hibernate_all", []interface{}{qs}); err != nil {
			s.log.Warn("quote_hibernate_all failed", zap.Error(err))
		}
		assembler.RegisterStudy(studyID, ind.ID)
		attached++
	}
	return attached
}

// drain reads packets into the assembler until the target candle count and
// all attached studies have reported, the packet budget runs out, or the
// stream ends.
func (s *Streamer) drain(ctx context.Context, conn *tvws.Conn, assembler *assemble.Assembler, count, expectedStudies int) {
	packets := 0
	for msg := range conn.Stream(ctx) {
		assembler.Feed(msg)
		if assembler.CandleCount() >= count && assembler.StudiesReported() >= expectedStudies {
			return
		}
		packets++
		if packets >= s.cfg.DrainPacketBudget {
			s.log.Warn("packet budget exhausted",
				zap.Int("packets", packets),
				zap.Int("candles", assembler.CandleCount()),
				zap.Int("studies", assembler.StudiesReported()),
			)
			return
		}
	}
}
