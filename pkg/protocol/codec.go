// pkg/protocol/codec.go

// Package protocol implements the TradingView wire framing: every message in
// both directions is an ASCII frame "~m~<len>~m~<body>", where <len> is the
// byte length of <body>. A body is either a JSON command/event envelope
// {"m": "<method>", "p": [...]} or a bare heartbeat token "~h~<n>".
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/vkarpenko/tvstream/pkg/logger"
)

var (
	decodeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tvstream", Subsystem: "protocol", Name: "decode_errors_total",
		Help: "Number of unparseable frame bodies skipped",
	})
	registerOnce sync.Once
)

const separator = "~m~"
const heartbeatPrefix = "~h~"

// Kind discriminates decoded messages into a closed set of variants.
type Kind int

const (
	KindUnknown Kind = iota
	KindHeartbeat
	KindQuoteUpdate     // "qsd"
	KindChartUpdate     // "timescale_update", "du" carrying series bars
	KindIndicatorUpdate // "du" carrying study values only
	KindSessionEvent    // session lifecycle acks and errors
)

func (k Kind) String() string {
	switch k {
	case KindHeartbeat:
		return "heartbeat"
	case KindQuoteUpdate:
		return "quote_update"
	case KindChartUpdate:
		return "chart_update"
	case KindIndicatorUpdate:
		return "indicator_update"
	case KindSessionEvent:
		return "session_event"
	default:
		return "unknown"
	}
}

// Message is one decoded frame body.
type Message struct {
	Kind   Kind
	Method string            // "m" field of the envelope, empty for heartbeats
	Params []json.RawMessage // "p" field of the envelope, element-wise raw
	Token  string            // heartbeat token, e.g. "42"
	Raw    string            // unframed body as received
}

// Encode builds a complete framed command ready for sending.
func Encode(method string, params []interface{}) (string, error) {
	body, err := json.Marshal(struct {
		M string        `json:"m"`
		P []interface{} `json:"p"`
	}{M: method, P: params})
	if err != nil {
		return "", fmt.Errorf("protocol: encode %q: %w", method, err)
	}
	return Wrap(string(body)), nil
}

// Wrap prepends the length header to a raw body.
func Wrap(body string) string {
	return fmt.Sprintf("%s%d%s%s", separator, len(body), separator, body)
}

// sessionEventMethods are lifecycle acks/errors sent by the server.
var sessionEventMethods = map[string]struct{}{
	"symbol_resolved":  {},
	"series_loading":   {},
	"series_completed": {},
	"study_loading":    {},
	"study_completed":  {},
	"quote_completed":  {},
	"critical_error":   {},
	"protocol_error":   {},
}

// Decode splits a raw read buffer into zero or more Messages. One physical
// read may carry several concatenated frames; they are split strictly by the
// length prefix, never by scanning the JSON for the separator text. Malformed
// segments are logged and skipped so one corrupt frame cannot abort the rest
// of the buffer.
func Decode(buf string, log *logger.Logger) []Message {
	registerOnce.Do(func() { prometheus.DefaultRegisterer.MustRegister(decodeErrors) })

	var out []Message
	rest := buf
	for len(rest) > 0 {
		body, next, ok := nextFrame(rest, log)
		rest = next
		if !ok {
			break
		}
		if body == "" {
			continue
		}
		msg, ok := decodeBody(body, log)
		if !ok {
			decodeErrors.Inc()
			continue
		}
		out = append(out, msg)
	}
	return out
}

// nextFrame consumes one "~m~<len>~m~" header and returns the frame body and
// the remaining buffer. ok=false means the buffer is exhausted or corrupt
// beyond recovery.
func nextFrame(buf string, log *logger.Logger) (body, rest string, ok bool) {
	if !strings.HasPrefix(buf, separator) {
		log.Debug("protocol: buffer does not start with frame separator",
			zap.String("head", head(buf, 32)))
		return "", "", false
	}
	buf = buf[len(separator):]

	end := strings.Index(buf, separator)
	if end < 0 {
		log.Debug("protocol: unterminated length header", zap.String("head", head(buf, 32)))
		return "", "", false
	}
	n, err := strconv.Atoi(buf[:end])
	if err != nil || n < 0 {
		log.Debug("protocol: invalid frame length", zap.String("len", buf[:end]))
		return "", "", false
	}
	buf = buf[end+len(separator):]
	if len(buf) < n {
		log.Debug("protocol: truncated frame",
			zap.Int("want", n), zap.Int("have", len(buf)))
		return "", "", false
	}
	return buf[:n], buf[n:], true
}

func decodeBody(body string, log *logger.Logger) (Message, bool) {
	if strings.HasPrefix(body, heartbeatPrefix) {
		return Message{Kind: KindHeartbeat, Token: body[len(heartbeatPrefix):], Raw: body}, true
	}

	var env struct {
		M string            `json:"m"`
		P []json.RawMessage `json:"p"`
	}
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		log.Debug("protocol: non-JSON fragment skipped",
			zap.String("fragment", head(body, 80)), zap.Error(err))
		return Message{}, false
	}

	msg := Message{Method: env.M, Params: env.P, Raw: body}
	switch {
	case env.M == "qsd":
		msg.Kind = KindQuoteUpdate
	case env.M == "timescale_update":
		msg.Kind = KindChartUpdate
	case env.M == "du":
		msg.Kind = classifyDataUpdate(env.P)
	default:
		if _, ok := sessionEventMethods[env.M]; ok {
			msg.Kind = KindSessionEvent
		} else {
			msg.Kind = KindUnknown
		}
	}
	return msg, true
}

// classifyDataUpdate inspects a "du" payload: updates carrying series bars
// ("s" arrays) are chart updates, updates carrying only study values ("st"
// arrays) are indicator updates.
func classifyDataUpdate(p []json.RawMessage) Kind {
	if len(p) < 2 {
		return KindChartUpdate
	}
	var content map[string]struct {
		S  []json.RawMessage `json:"s"`
		St []json.RawMessage `json:"st"`
	}
	if err := json.Unmarshal(p[1], &content); err != nil {
		return KindChartUpdate
	}
	hasSeries, hasStudy := false, false
	for _, v := range content {
		if len(v.S) > 0 {
			hasSeries = true
		}
		if len(v.St) > 0 {
			hasStudy = true
		}
	}
	if hasStudy && !hasSeries {
		return KindIndicatorUpdate
	}
	return KindChartUpdate
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
