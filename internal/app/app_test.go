// internal/app/app_test.go
package app

import (
	"context"
	"testing"

	"github.com/vkarpenko/tvstream/internal/config"
	"github.com/vkarpenko/tvstream/internal/sink"
	"github.com/vkarpenko/tvstream/pkg/logger"
)

func TestSplitPair(t *testing.T) {
	cases := []struct {
		in       string
		exchange string
		symbol   string
		wantErr  bool
	}{
		{"BINANCE:BTCUSDT", "BINANCE", "BTCUSDT", false},
		{"NASDAQ:AAPL", "NASDAQ", "AAPL", false},
		{"BTCUSDT", "", "", true},
		{":BTCUSDT", "", "", true},
		{"BINANCE:", "", "", true},
	}
	for _, c := range cases {
		ex, sym, err := splitPair(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("splitPair(%q): want error", c.in)
			}
			continue
		}
		if err != nil || ex != c.exchange || sym != c.symbol {
			t.Errorf("splitPair(%q) = %q, %q, %v", c.in, ex, sym, err)
		}
	}
}

func TestBuildSinkSelectsFileByDefault(t *testing.T) {
	cfg := &config.Config{}
	cfg.Export.Dir = t.TempDir()
	cfg.Export.Format = "json"

	s, err := buildSink(context.Background(), cfg, logger.Nop())
	if err != nil {
		t.Fatalf("buildSink: %v", err)
	}
	defer s.Close()
	if _, ok := s.(*sink.FileSink); !ok {
		t.Errorf("sink type = %T; want *sink.FileSink", s)
	}
}
