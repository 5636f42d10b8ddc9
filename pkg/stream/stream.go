// pkg/stream/stream.go

// Package stream is the public facade over the streaming protocol stack. It
// wires validation, session setup, the socket and the reducers together and
// shapes one-shot results into the standard response envelope.
package stream

import (
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/vkarpenko/tvstream/internal/pine"
	"github.com/vkarpenko/tvstream/internal/sink"
	"github.com/vkarpenko/tvstream/internal/validate"
	"github.com/vkarpenko/tvstream/pkg/logger"
	"github.com/vkarpenko/tvstream/pkg/session"
	"github.com/vkarpenko/tvstream/pkg/tvws"
)

var tracer = otel.Tracer("tvstream-stream")

// Status of a one-shot operation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Response is the envelope returned by one-shot operations. Callers never
// need error handling: failures arrive as StatusFailed with Error set.
type Response struct {
	Status   Status                 `json:"status"`
	Data     interface{}            `json:"data"`
	Metadata map[string]interface{} `json:"metadata"`
	Error    *string                `json:"error"`
}

func successResponse(data interface{}, metadata map[string]interface{}) Response {
	return Response{Status: StatusSuccess, Data: data, Metadata: metadata}
}

func errorResponse(err error, metadata map[string]interface{}) Response {
	msg := err.Error()
	return Response{Status: StatusFailed, Metadata: metadata, Error: &msg}
}

// ConnError reports a failure to open or initialize the streaming socket.
type ConnError struct{ Err error }

func (e *ConnError) Error() string { return fmt.Sprintf("stream: connection failed: %v", e.Err) }
func (e *ConnError) Unwrap() error { return e.Err }

// CandleData is the payload of a successful GetCandles call.
type CandleData struct {
	OHLCV      interface{} `json:"ohlcv"`
	Indicators interface{} `json:"indicators"`
}

// IndicatorRequest selects one study to attach to a candle stream.
type IndicatorRequest struct {
	ID      string
	Version string
}

// Config holds facade-level settings.
type Config struct {
	// Token is sent in set_auth_token; empty means guest access.
	Token string
	// Socket configures the underlying connection. Its URL is the chart
	// endpoint; raw watchlist operations derive the screener endpoint.
	Socket tvws.Config
	// MaxStudies caps the indicators attachable to one candle stream.
	// Requests above the cap fail fast with a failed envelope.
	MaxStudies int
	// DrainPacketBudget bounds how many packets GetCandles reads while
	// waiting for the target candle count.
	DrainPacketBudget int
	// Sink, when set, receives finished candle batches and ticks.
	Sink sink.Sink
}

func (c *Config) ApplyDefaults() {
	if c.Token == "" {
		c.Token = tvws.GuestToken
	}
	if c.MaxStudies <= 0 {
		c.MaxStudies = 2
	}
	if c.DrainPacketBudget <= 0 {
		c.DrainPacketBudget = 16
	}
	c.Socket.ApplyDefaults()
}

// Streamer exposes the public streaming operations. Safe for concurrent use:
// every operation opens its own connection and owns its own reducer state.
type Streamer struct {
	cfg       Config
	log       *logger.Logger
	registry  *session.Registry
	validator *validate.Validator
	pine      *pine.Client
}

func New(cfg Config, log *logger.Logger) *Streamer {
	cfg.ApplyDefaults()
	return &Streamer{
		cfg:       cfg,
		log:       log.Named("stream"),
		registry:  session.NewRegistry(),
		validator: validate.New(log),
		pine:      pine.NewClient(log),
	}
}

// screenerSocket derives the raw-watchlist endpoint config. A custom URL
// (tests, proxies) is left untouched.
func (s *Streamer) screenerSocket() tvws.Config {
	cfg := s.cfg.Socket
	if cfg.URL == tvws.DefaultChartURL {
		cfg.URL = tvws.DefaultScreenerURL
	}
	return cfg
}

// resolvePayload is the symbol-resolution argument of quote_add_symbols and
// resolve_symbol, sent as "=<json>".
type resolvePayload struct {
	Adjustment string `json:"adjustment"`
	CurrencyID string `json:"currency-id,omitempty"`
	Session    string `json:"session,omitempty"`
	Symbol     string `json:"symbol"`
}

func (p resolvePayload) encode() string {
	buf, _ := json.Marshal(p)
	return "=" + string(buf)
}
