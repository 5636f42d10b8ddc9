// internal/sink/file.go
package sink

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vkarpenko/tvstream/internal/assemble"
	"github.com/vkarpenko/tvstream/internal/metrics"
	"github.com/vkarpenko/tvstream/internal/normalize"
	"github.com/vkarpenko/tvstream/pkg/logger"
)

// Format selects the file sink encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// FileSink exports candle batches as timestamped files and ticks as an
// append-only log under a single directory.
type FileSink struct {
	dir    string
	format Format
	log    *logger.Logger

	tickFile *os.File
	tickCSV  *csv.Writer
}

// NewFileSink creates the export directory if needed.
func NewFileSink(dir string, format Format, log *logger.Logger) (*FileSink, error) {
	switch format {
	case FormatJSON, FormatCSV:
	default:
		return nil, fmt.Errorf("sink: unsupported format %q", format)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sink: create export dir: %w", err)
	}
	return &FileSink{dir: dir, format: format, log: log.Named("filesink")}, nil
}

// WriteCandles writes one batch to <dir>/<symbol>_ohlcv_<unix>.<ext>. When the
// batch carries indicator series they go to a sibling _indicators file.
func (s *FileSink) WriteCandles(_ context.Context, batch CandleBatch) error {
	now := time.Now().Unix()
	if err := s.writeCategory(batch, "ohlcv", now); err != nil {
		metrics.SinkErrors.WithLabelValues("file").Inc()
		return err
	}
	if len(batch.Indicators) > 0 {
		if err := s.writeCategory(batch, "indicators", now); err != nil {
			metrics.SinkErrors.WithLabelValues("file").Inc()
			return err
		}
	}
	metrics.SinkWrites.WithLabelValues("file").Inc()
	return nil
}

func (s *FileSink) writeCategory(batch CandleBatch, category string, unix int64) error {
	name := fmt.Sprintf("%s_%s_%d.%s", sanitizeSymbol(batch.Symbol), category, unix, s.format)
	path := filepath.Join(s.dir, name)

	var err error
	switch {
	case s.format == FormatJSON && category == "ohlcv":
		err = writeJSONFile(path, batch)
	case s.format == FormatJSON:
		err = writeJSONFile(path, batch.Indicators)
	case category == "ohlcv":
		err = writeCandlesCSV(path, batch.Candles)
	default:
		err = writeIndicatorsCSV(path, batch.Indicators)
	}
	if err != nil {
		return fmt.Errorf("sink: write %s: %w", name, err)
	}
	s.log.Info("exported batch", zap.String("file", path), zap.Int("candles", len(batch.Candles)))
	return nil
}

// WriteTick appends one tick to <dir>/ticks.jsonl (or ticks.csv). The file is
// opened lazily on the first tick and kept open until Close.
func (s *FileSink) WriteTick(_ context.Context, tick *normalize.Tick) error {
	if s.tickFile == nil {
		ext := "jsonl"
		if s.format == FormatCSV {
			ext = "csv"
		}
		f, err := os.OpenFile(filepath.Join(s.dir, "ticks."+ext),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			metrics.SinkErrors.WithLabelValues("file").Inc()
			return fmt.Errorf("sink: open tick log: %w", err)
		}
		s.tickFile = f
		if s.format == FormatCSV {
			s.tickCSV = csv.NewWriter(f)
			if err := s.tickCSV.Write([]string{"time", "exchange", "symbol", "price", "volume", "bid", "ask"}); err != nil {
				return fmt.Errorf("sink: tick header: %w", err)
			}
		}
	}

	var err error
	if s.format == FormatCSV {
		err = s.tickCSV.Write([]string{
			time.Now().UTC().Format(time.RFC3339),
			tick.Exchange, tick.Symbol,
			floatField(tick.Price), floatField(tick.Volume),
			floatField(tick.Bid), floatField(tick.Ask),
		})
		s.tickCSV.Flush()
		if err == nil {
			err = s.tickCSV.Error()
		}
	} else {
		var buf []byte
		if buf, err = json.Marshal(tick); err == nil {
			_, err = s.tickFile.Write(append(buf, '\n'))
		}
	}
	if err != nil {
		metrics.SinkErrors.WithLabelValues("file").Inc()
		return fmt.Errorf("sink: append tick: %w", err)
	}
	metrics.SinkWrites.WithLabelValues("file").Inc()
	return nil
}

func (s *FileSink) Close() error {
	if s.tickCSV != nil {
		s.tickCSV.Flush()
	}
	if s.tickFile != nil {
		return s.tickFile.Close()
	}
	return nil
}

func writeJSONFile(path string, v interface{}) error {
	buf, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0o644)
}

func writeCandlesCSV(path string, candles []assemble.Candle) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"index", "timestamp", "open", "high", "low", "close", "volume"}); err != nil {
		return err
	}
	for _, c := range candles {
		rec := []string{
			strconv.Itoa(c.Index),
			strconv.FormatInt(c.Timestamp, 10),
			formatFloat(c.Open), formatFloat(c.High), formatFloat(c.Low),
			formatFloat(c.Close), formatFloat(c.Volume),
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func writeIndicatorsCSV(path string, indicators map[string][]assemble.IndicatorValue) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"study", "index", "timestamp", "slot", "value"}); err != nil {
		return err
	}
	for study, values := range indicators {
		for _, v := range values {
			for slot, val := range v.Values {
				rec := []string{
					study,
					strconv.Itoa(v.Index),
					strconv.FormatInt(v.Timestamp, 10),
					slot,
					formatFloat(val),
				}
				if err := w.Write(rec); err != nil {
					return err
				}
			}
		}
	}
	w.Flush()
	return w.Error()
}

func sanitizeSymbol(symbol string) string {
	return strings.NewReplacer(":", "_", "/", "_").Replace(symbol)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func floatField(f *float64) string {
	if f == nil {
		return ""
	}
	return formatFloat(*f)
}
