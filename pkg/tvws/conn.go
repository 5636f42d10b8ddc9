// pkg/tvws/conn.go

// Package tvws owns the physical streaming socket: dialing with low-latency
// socket options, the session initialization handshake, mutex-guarded writes,
// and a background read loop that decodes frames and echoes heartbeats.
package tvws

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/vkarpenko/tvstream/pkg/backoff"
	"github.com/vkarpenko/tvstream/pkg/logger"
	"github.com/vkarpenko/tvstream/pkg/protocol"
)

// SessionInitError reports a rejected handshake command.
type SessionInitError struct {
	Command string
	Err     error
}

func (e *SessionInitError) Error() string {
	return fmt.Sprintf("tvws: session init %q failed: %v", e.Command, e.Err)
}
func (e *SessionInitError) Unwrap() error { return e.Err }

var (
	framesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tvstream", Subsystem: "ws", Name: "frames_total",
		Help: "Total number of frames decoded from the socket",
	})
	heartbeatsEchoed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tvstream", Subsystem: "ws", Name: "heartbeats_echoed_total",
		Help: "Number of heartbeat frames echoed back to the server",
	})

	registerOnce sync.Once
)

func registerMetrics(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(framesTotal, heartbeatsEchoed)
	})
}

// Conn is one physical streaming connection. It is exclusively owned: one
// background reader drains it, and writes are serialized through a mutex so
// a foreground sender cannot interleave with heartbeat echoes.
type Conn struct {
	cfg Config
	log *logger.Logger
	ws  *websocket.Conn

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial opens the streaming socket, retrying transient failures with backoff.
// The underlying TCP connection disables send-side coalescing (TCP_NODELAY)
// and the handshake is bounded by Config.HandshakeTimeout. Dial does not
// auto-reconnect after the connection is established.
func Dial(ctx context.Context, cfg Config, log *logger.Logger) (*Conn, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	registerMetrics(prometheus.DefaultRegisterer)
	log = log.Named("tvws")

	dialer := websocket.Dialer{
		HandshakeTimeout:  cfg.HandshakeTimeout,
		EnableCompression: true,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := net.Dialer{Timeout: cfg.HandshakeTimeout}
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tc, ok := conn.(*net.TCPConn); ok {
				_ = tc.SetNoDelay(true)
			}
			return conn, nil
		},
	}
	header := http.Header{
		"Origin":     {"https://www.tradingview.com"},
		"User-Agent": {"Mozilla/5.0 (Windows NT 6.3; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/107.0.0.0 Safari/537.36"},
	}

	var ws *websocket.Conn
	err := backoff.Execute(ctx, cfg.Backoff, log, func(ctx context.Context) error {
		var dialErr error
		ws, _, dialErr = dialer.DialContext(ctx, cfg.URL, header)
		return dialErr
	})
	if err != nil {
		return nil, fmt.Errorf("tvws: dial %s: %w", cfg.URL, err)
	}
	log.Info("connected", zap.String("url", cfg.URL))

	return &Conn{
		cfg:    cfg,
		log:    log,
		ws:     ws,
		closed: make(chan struct{}),
	}, nil
}

// Initialize performs the session handshake: auth token, locale, chart and
// quote session creation, and the quote field subscription. Any rejected
// command surfaces as a *SessionInitError.
func (c *Conn) Initialize(token, quoteSession, chartSession string) error {
	if token == "" {
		token = GuestToken
	}
	steps := []struct {
		method string
		params []interface{}
	}{
		{"set_auth_token", []interface{}{token}},
		{"set_locale", []interface{}{"en", "US"}},
		{"chart_create_session", []interface{}{chartSession, ""}},
		{"quote_create_session", []interface{}{quoteSession}},
		{"quote_set_fields", quoteFieldParams(quoteSession)},
		{"quote_hibernate_all", []interface{}{quoteSession}},
	}
	for _, s := range steps {
		if err := c.Send(s.method, s.params); err != nil {
			return &SessionInitError{Command: s.method, Err: err}
		}
	}
	c.log.Debug("sessions initialized",
		zap.String("quote_session", quoteSession),
		zap.String("chart_session", chartSession),
	)
	return nil
}

func quoteFieldParams(quoteSession string) []interface{} {
	params := make([]interface{}, 0, len(DefaultQuoteFields)+1)
	params = append(params, quoteSession)
	for _, f := range DefaultQuoteFields {
		params = append(params, f)
	}
	return params
}

// Send frames and writes one command. Safe for concurrent use with the read loop.
func (c *Conn) Send(method string, params []interface{}) error {
	frame, err := protocol.Encode(method, params)
	if err != nil {
		return err
	}
	return c.writeRaw(frame)
}

func (c *Conn) writeRaw(frame string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(deadline(c.cfg.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		return fmt.Errorf("tvws: write: %w", err)
	}
	return nil
}

// Stream starts the background read loop and returns its message channel.
// Heartbeats are echoed back verbatim inside the loop and never surfaced.
// The channel closes (it does not error) on context cancellation, Close, a
// peer disconnect, or a read timeout — reconnecting is the caller's policy.
func (c *Conn) Stream(ctx context.Context) <-chan protocol.Message {
	ch := make(chan protocol.Message, c.cfg.BufferSize)

	// Unblock the pending read when the caller gives up.
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.closed:
		}
	}()

	go c.readLoop(ctx, ch)
	return ch
}

func (c *Conn) readLoop(ctx context.Context, ch chan<- protocol.Message) {
	defer close(ch)

	for {
		_ = c.ws.SetReadDeadline(deadline(c.cfg.ReadTimeout))
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				c.log.Debug("read loop stopped", zap.Error(err))
			default:
				c.log.Warn("read error, ending stream", zap.Error(err))
			}
			return
		}

		for _, msg := range protocol.Decode(string(data), c.log) {
			framesTotal.Inc()
			switch msg.Kind {
			case protocol.KindHeartbeat:
				heartbeatsEchoed.Inc()
				if err := c.writeRaw(protocol.Wrap(msg.Raw)); err != nil {
					c.log.Warn("heartbeat echo failed", zap.Error(err))
				}
			default:
				select {
				case ch <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// Close tears the connection down. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			deadline(c.cfg.WriteTimeout))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func deadline(d time.Duration) time.Time { return time.Now().Add(d) }
