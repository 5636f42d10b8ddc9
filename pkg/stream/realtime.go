// pkg/stream/realtime.go
package stream

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vkarpenko/tvstream/internal/metrics"
	"github.com/vkarpenko/tvstream/internal/normalize"
	"github.com/vkarpenko/tvstream/pkg/protocol"
	"github.com/vkarpenko/tvstream/pkg/session"
	"github.com/vkarpenko/tvstream/pkg/tvws"
)

// realtimeTimeframe is the chart resolution subscribed alongside the quote
// session so that in-progress bar revisions refresh price/volume between
// quote packets.
const realtimeTimeframe = "1S"

// StreamRealtimePrice opens a quote session and a 1-second chart session for
// one symbol and returns a channel of normalized ticks. Setup failures
// (validation, dial, handshake) are returned synchronously; once the channel
// is handed out, mid-stream errors are logged and end the channel instead of
// surfacing. Cancel ctx to stop streaming and release the socket.
func (s *Streamer) StreamRealtimePrice(ctx context.Context, exchange, symbol string) (<-chan *normalize.Tick, error) {
	ctx, span := tracer.Start(ctx, "StreamRealtimePrice", trace.WithAttributes(
		attribute.String("exchange", exchange),
		attribute.String("symbol", symbol),
	))

	if err := s.validator.ValidateSymbol(ctx, exchange, symbol); err != nil {
		span.RecordError(err)
		span.End()
		return nil, err
	}

	conn, qs, cs, err := s.openInitialized(ctx, s.cfg.Socket)
	if err != nil {
		span.RecordError(err)
		span.End()
		return nil, err
	}
	s.registry.Bind(qs, exchange, symbol)
	s.registry.Bind(cs, exchange, symbol)

	pair := session.FormatSymbol(exchange, symbol)
	resolve := resolvePayload{Adjustment: "splits", Symbol: pair}.encode()
	setup := []struct {
		method string
		params []interface{}
	}{
		{"quote_add_symbols", []interface{}{qs, resolve}},
		{"quote_fast_symbols", []interface{}{qs, pair}},
		{"resolve_symbol", []interface{}{cs, "sds_sym_1", resolve}},
		{"create_series", []interface{}{cs, "sds_1", "s1", "sds_sym_1", realtimeTimeframe, 1, ""}},
	}
	for _, step := range setup {
		if err := conn.Send(step.method, step.params); err != nil {
			conn.Close()
			span.RecordError(err)
			span.End()
			return nil, &ConnError{Err: err}
		}
	}

	msgs := conn.Stream(ctx)
	out := make(chan *normalize.Tick, s.cfg.Socket.BufferSize)

	go func() {
		start := time.Now()
		defer func() {
			metrics.StreamDuration.Observe(time.Since(start).Seconds())
			span.End()
			close(out)
		}()

		norm := normalize.New(exchange, symbol, s.log)
		for msg := range msgs {
			tick, ok := norm.Feed(msg)
			if !ok {
				continue
			}
			if s.cfg.Sink != nil {
				if err := s.cfg.Sink.WriteTick(ctx, tick); err != nil {
					s.log.Error("tick export failed", zap.Error(err))
				}
			}
			select {
			case out <- tick:
			case <-ctx.Done():
				return
			}
		}
		s.log.Info("realtime stream ended", zap.String("symbol", pair))
	}()
	return out, nil
}

// GetOHLCV subscribes one symbol on the raw watchlist endpoint and returns
// the unreduced decoded packet stream: heartbeat echo is applied inside the
// connection, everything else is passed through. Cancel ctx to stop.
func (s *Streamer) GetOHLCV(ctx context.Context, exchange, symbol string) (<-chan protocol.Message, error) {
	ctx, span := tracer.Start(ctx, "GetOHLCV", trace.WithAttributes(
		attribute.String("exchange", exchange),
		attribute.String("symbol", symbol),
	))
	defer span.End()

	if err := s.validator.ValidateSymbol(ctx, exchange, symbol); err != nil {
		span.RecordError(err)
		return nil, err
	}

	conn, qs, cs, err := s.openInitialized(ctx, s.screenerSocket())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.registry.Bind(qs, exchange, symbol)
	s.registry.Bind(cs, exchange, symbol)

	pair := session.FormatSymbol(exchange, symbol)
	resolve := resolvePayload{Adjustment: "splits", Symbol: pair}.encode()
	setup := []struct {
		method string
		params []interface{}
	}{
		{"quote_add_symbols", []interface{}{qs, resolve}},
		{"resolve_symbol", []interface{}{cs, "sds_sym_1", resolve}},
		{"create_series", []interface{}{cs, "sds_1", "s1", "sds_sym_1", "1", 10, ""}},
		{"quote_fast_symbols", []interface{}{qs, pair}},
		{"create_study", []interface{}{cs, "st1", "st1", "sds_1", "Volume@tv-basicstudies-246",
			map[string]interface{}{"length": 20, "col_prev_close": "false"}}},
		{"quote_hibernate_all", []interface{}{qs}},
	}
	for _, step := range setup {
		if err := conn.Send(step.method, step.params); err != nil {
			conn.Close()
			span.RecordError(err)
			return nil, &ConnError{Err: err}
		}
	}
	return conn.Stream(ctx), nil
}

// GetLatestTradeInfo subscribes a watchlist of symbols on one quote session
// and returns the raw decoded packet stream. exchanges and symbols are
// matched pairwise.
func (s *Streamer) GetLatestTradeInfo(ctx context.Context, exchanges, symbols []string) (<-chan protocol.Message, error) {
	ctx, span := tracer.Start(ctx, "GetLatestTradeInfo", trace.WithAttributes(
		attribute.Int("symbols", len(symbols)),
	))
	defer span.End()

	if len(exchanges) != len(symbols) || len(symbols) == 0 {
		err := fmt.Errorf("stream: exchanges and symbols must be non-empty lists of equal length")
		span.RecordError(err)
		return nil, err
	}
	pairs := make([]string, len(symbols))
	for i := range symbols {
		if err := s.validator.ValidateSymbol(ctx, exchanges[i], symbols[i]); err != nil {
			span.RecordError(err)
			return nil, err
		}
		pairs[i] = session.FormatSymbol(exchanges[i], symbols[i])
	}

	conn, qs, _, err := s.openInitialized(ctx, s.screenerSocket())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	for i := range symbols {
		s.registry.Bind(qs, exchanges[i], symbols[i])
	}

	// The first symbol anchors the watchlist with full resolve options, the
	// rest ride along in bulk.
	resolve := resolvePayload{
		Adjustment: "splits",
		CurrencyID: "USD",
		Session:    "regular",
		Symbol:     pairs[0],
	}.encode()

	setup := [][]interface{}{
		{qs, resolve},
		{qs, resolve},
	}
	bulk := make([]interface{}, 0, len(pairs)+1)
	bulk = append(bulk, qs)
	for _, p := range pairs {
		bulk = append(bulk, p)
	}

	methods := []string{"quote_add_symbols", "quote_fast_symbols"}
	for i, m := range methods {
		if err := conn.Send(m, setup[i]); err != nil {
			conn.Close()
			span.RecordError(err)
			return nil, &ConnError{Err: err}
		}
	}
	for _, m := range methods {
		if err := conn.Send(m, bulk); err != nil {
			conn.Close()
			span.RecordError(err)
			return nil, &ConnError{Err: err}
		}
	}
	return conn.Stream(ctx), nil
}

// openInitialized dials and runs the session handshake, returning the
// connection with its fresh quote and chart session ids.
func (s *Streamer) openInitialized(ctx context.Context, socketCfg tvws.Config) (*tvws.Conn, string, string, error) {
	conn, err := tvws.Dial(ctx, socketCfg, s.log)
	if err != nil {
		return nil, "", "", &ConnError{Err: err}
	}
	qs := s.registry.NewQuoteSession()
	cs := s.registry.NewChartSession()
	if err := conn.Initialize(s.cfg.Token, qs, cs); err != nil {
		conn.Close()
		return nil, "", "", err
	}
	return conn, qs, cs, nil
}
