// pkg/stream/streamer_test.go
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vkarpenko/tvstream/internal/assemble"
	"github.com/vkarpenko/tvstream/pkg/backoff"
	"github.com/vkarpenko/tvstream/pkg/logger"
	"github.com/vkarpenko/tvstream/pkg/protocol"
	"github.com/vkarpenko/tvstream/pkg/tvws"
)

func fastBackoff() backoff.Config {
	return backoff.Config{
		InitialInterval:     time.Millisecond,
		RandomizationFactor: 0.01,
		Multiplier:          1,
		MaxInterval:         time.Millisecond,
		MaxElapsedTime:      50 * time.Millisecond,
	}
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// scannerServer accepts every symbol except those on the NOSUCH exchange.
func scannerServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Query().Get("symbol"), "NOSUCH:") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
}

// commandMethod decodes the "m" field of one framed command.
func commandMethod(t *testing.T, frame []byte) string {
	t.Helper()
	body := string(frame)
	idx := strings.LastIndex(body, "~m~")
	if idx < 0 {
		t.Fatalf("frame %q has no separator", body)
	}
	var env struct {
		M string `json:"m"`
	}
	if err := json.Unmarshal([]byte(body[idx+len("~m~"):]), &env); err != nil {
		t.Fatalf("unmarshal %q: %v", body, err)
	}
	return env.M
}

// chartDataFrame builds a timescale_update frame carrying n sequential bars.
func chartDataFrame(t *testing.T, n int) string {
	t.Helper()
	type bar struct {
		I int       `json:"i"`
		V []float64 `json:"v"`
	}
	bars := make([]bar, 0, n)
	base := int64(1700000000)
	for i := 0; i < n; i++ {
		bars = append(bars, bar{I: i, V: []float64{
			float64(base + int64(i)*60), 100 + float64(i), 105 + float64(i),
			95 + float64(i), 101 + float64(i), 1000,
		}})
	}
	payload := map[string]interface{}{
		"m": "timescale_update",
		"p": []interface{}{"cs_fake", map[string]interface{}{
			"sds_1": map[string]interface{}{"s": bars},
		}},
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return protocol.Wrap(string(buf))
}

// quoteFrame builds a qsd frame with the given last price.
func quoteFrame(t *testing.T, pair string, lp float64) string {
	t.Helper()
	payload := map[string]interface{}{
		"m": "qsd",
		"p": []interface{}{"qs_fake", map[string]interface{}{
			"n": pair, "s": "ok",
			"v": map[string]interface{}{"lp": lp, "volume": 3000.0},
		}},
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return protocol.Wrap(string(buf))
}

// tvServer runs a fake streaming endpoint: it reads client commands and calls
// onCommand for each decoded method, letting the test script responses.
func tvServer(t *testing.T, onCommand func(ws *websocket.Conn, method string)) *httptest.Server {
	t.Helper()
	upg := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upg.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			_, frame, err := ws.ReadMessage()
			if err != nil {
				return
			}
			onCommand(ws, commandMethod(t, frame))
		}
	}))
}

func newTestStreamer(t *testing.T, tv *httptest.Server, scanner *httptest.Server, maxStudies int) *Streamer {
	t.Helper()
	s := New(Config{
		MaxStudies: maxStudies,
		Socket: tvws.Config{
			URL:         wsURL(tv),
			ReadTimeout: 2 * time.Second,
			Backoff:     fastBackoff(),
		},
	}, logger.Nop())
	s.validator.BaseURL = scanner.URL
	return s
}

func TestGetCandlesHappyPath(t *testing.T) {
	dataFrame := chartDataFrame(t, 10)
	tv := tvServer(t, func(ws *websocket.Conn, method string) {
		if method == "create_series" {
			if err := ws.WriteMessage(websocket.TextMessage, []byte(dataFrame)); err != nil {
				t.Errorf("server write: %v", err)
			}
		}
	})
	defer tv.Close()
	scanner := scannerServer(t)
	defer scanner.Close()

	s := newTestStreamer(t, tv, scanner, 2)
	resp := s.GetCandles(context.Background(), "BINANCE", "BTCUSDT", "1m", 10, nil)

	if resp.Status != StatusSuccess {
		t.Fatalf("status = %q, error = %v; want success", resp.Status, resp.Error)
	}
	data, ok := resp.Data.(CandleData)
	if !ok {
		t.Fatalf("data type = %T; want CandleData", resp.Data)
	}
	candles, ok := data.OHLCV.([]assemble.Candle)
	if !ok {
		t.Fatalf("ohlcv type = %T", data.OHLCV)
	}
	if len(candles) != 10 {
		t.Fatalf("len(ohlcv) = %d; want 10", len(candles))
	}
	for i := 1; i < len(candles); i++ {
		if candles[i].Timestamp <= candles[i-1].Timestamp {
			t.Errorf("timestamps not ascending at %d: %d then %d",
				i, candles[i-1].Timestamp, candles[i].Timestamp)
		}
	}
	if resp.Metadata["timeframe"] != "1m" || resp.Metadata["numb_candles"] != 10 {
		t.Errorf("metadata = %v", resp.Metadata)
	}
	if resp.Error != nil {
		t.Errorf("error = %q; want nil", *resp.Error)
	}
}

func TestGetCandlesInvalidExchange(t *testing.T) {
	tv := tvServer(t, func(*websocket.Conn, string) {})
	defer tv.Close()
	scanner := scannerServer(t)
	defer scanner.Close()

	s := newTestStreamer(t, tv, scanner, 2)
	resp := s.GetCandles(context.Background(), "NOSUCH", "BTCUSDT", "1m", 10, nil)

	if resp.Status != StatusFailed {
		t.Fatalf("status = %q; want failed", resp.Status)
	}
	if resp.Data != nil {
		t.Errorf("data = %v; want nil", resp.Data)
	}
	if resp.Error == nil || !strings.Contains(*resp.Error, "NOSUCH") {
		t.Errorf("error = %v; must name the exchange", resp.Error)
	}
}

func TestGetCandlesIndicatorLimit(t *testing.T) {
	tv := tvServer(t, func(*websocket.Conn, string) {})
	defer tv.Close()
	scanner := scannerServer(t)
	defer scanner.Close()

	s := newTestStreamer(t, tv, scanner, 2)
	resp := s.GetCandles(context.Background(), "BINANCE", "BTCUSDT", "1m", 10, []IndicatorRequest{
		{ID: "STD;RSI", Version: "37.0"},
		{ID: "STD;MA", Version: "26.0"},
		{ID: "STD;MACD", Version: "30.0"},
	})

	if resp.Status != StatusFailed {
		t.Fatalf("status = %q; want failed (3 studies over a limit of 2)", resp.Status)
	}
	if resp.Error == nil || !strings.Contains(*resp.Error, "limit") {
		t.Errorf("error = %v; must explain the study limit", resp.Error)
	}
}

func TestGetCandlesNoDataIsFailed(t *testing.T) {
	// Server never sends chart data; the drain loop must give up on stream
	// end and report failure rather than hang or succeed empty.
	tv := tvServer(t, func(ws *websocket.Conn, method string) {
		if method == "quote_fast_symbols" {
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
		}
	})
	defer tv.Close()
	scanner := scannerServer(t)
	defer scanner.Close()

	s := newTestStreamer(t, tv, scanner, 2)
	resp := s.GetCandles(context.Background(), "BINANCE", "BTCUSDT", "1m", 10, nil)

	if resp.Status != StatusFailed {
		t.Fatalf("status = %q; want failed when zero candles arrive", resp.Status)
	}
	if resp.Error == nil || !strings.Contains(*resp.Error, "BINANCE:BTCUSDT") {
		t.Errorf("error = %v; must name the pair", resp.Error)
	}
}

func TestStreamRealtimePriceYieldsTicks(t *testing.T) {
	pair := "BINANCE:BTCUSDT"
	tv := tvServer(t, func(ws *websocket.Conn, method string) {
		if method == "create_series" {
			for _, lp := range []float64{50000.5, 50001.5, 50002.5} {
				frame := quoteFrame(t, pair, lp)
				if err := ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
					return
				}
			}
		}
	})
	defer tv.Close()
	scanner := scannerServer(t)
	defer scanner.Close()

	s := newTestStreamer(t, tv, scanner, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ticks, err := s.StreamRealtimePrice(ctx, "BINANCE", "BTCUSDT")
	if err != nil {
		t.Fatalf("StreamRealtimePrice: %v", err)
	}

	var got []float64
	for tick := range ticks {
		if tick.Price == nil || *tick.Price <= 0 {
			t.Errorf("tick price = %v; want positive", tick.Price)
			continue
		}
		got = append(got, *tick.Price)
		if len(got) == 3 {
			cancel()
			break
		}
	}
	if len(got) != 3 {
		t.Fatalf("got %d ticks; want 3", len(got))
	}
	if got[0] != 50000.5 || got[2] != 50002.5 {
		t.Errorf("tick prices = %v", got)
	}
}

func TestStreamRealtimePriceRejectsInvalidSymbol(t *testing.T) {
	tv := tvServer(t, func(*websocket.Conn, string) {})
	defer tv.Close()
	scanner := scannerServer(t)
	defer scanner.Close()

	s := newTestStreamer(t, tv, scanner, 2)
	if _, err := s.StreamRealtimePrice(context.Background(), "NOSUCH", "BTCUSDT"); err == nil {
		t.Fatal("want validation error before any socket work")
	}
}

func TestGetLatestTradeInfoRequiresMatchedLists(t *testing.T) {
	tv := tvServer(t, func(*websocket.Conn, string) {})
	defer tv.Close()
	scanner := scannerServer(t)
	defer scanner.Close()

	s := newTestStreamer(t, tv, scanner, 2)
	if _, err := s.GetLatestTradeInfo(context.Background(), []string{"BINANCE"}, nil); err == nil {
		t.Fatal("want error for mismatched exchange/symbol lists")
	}
}

func TestGetOHLCVYieldsRawMessages(t *testing.T) {
	dataFrame := chartDataFrame(t, 2)
	tv := tvServer(t, func(ws *websocket.Conn, method string) {
		if method == "quote_hibernate_all" {
			if err := ws.WriteMessage(websocket.TextMessage, []byte(dataFrame)); err != nil {
				return
			}
		}
	})
	defer tv.Close()
	scanner := scannerServer(t)
	defer scanner.Close()

	s := newTestStreamer(t, tv, scanner, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	msgs, err := s.GetOHLCV(ctx, "BINANCE", "BTCUSDT")
	if err != nil {
		t.Fatalf("GetOHLCV: %v", err)
	}

	select {
	case msg := <-msgs:
		if msg.Kind != protocol.KindChartUpdate {
			t.Errorf("Kind = %v; want chart update", msg.Kind)
		}
		if msg.Method != "timescale_update" {
			t.Errorf("Method = %q", msg.Method)
		}
	case <-ctx.Done():
		t.Fatal("no raw message before timeout")
	}
}

func TestGetAvailableIndicatorsEnvelope(t *testing.T) {
	facade := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"scriptName":"RSI","scriptIdPart":"STD;RSI","version":"37.0"}]`))
	}))
	defer facade.Close()
	tv := tvServer(t, func(*websocket.Conn, string) {})
	defer tv.Close()
	scanner := scannerServer(t)
	defer scanner.Close()

	s := newTestStreamer(t, tv, scanner, 2)
	s.pine.FacadeURL = facade.URL

	resp := s.GetAvailableIndicators(context.Background())
	if resp.Status != StatusSuccess {
		t.Fatalf("status = %q, error = %v", resp.Status, resp.Error)
	}
	if resp.Metadata["count"] != 1 {
		t.Errorf("metadata count = %v; want 1", resp.Metadata["count"])
	}
}
