// internal/sink/kafka.go
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vkarpenko/tvstream/internal/metrics"
	"github.com/vkarpenko/tvstream/internal/normalize"
	"github.com/vkarpenko/tvstream/pkg/backoff"
	"github.com/vkarpenko/tvstream/pkg/logger"
)

var kafkaTracer = otel.Tracer("tvstream-kafka-sink")

// KafkaConfig groups tunables for the Kafka export producer.
// Zero values are replaced with defaults by ApplyDefaults.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`

	// CandlesTopic receives finished candle batches; TicksTopic the live ticks.
	CandlesTopic string `mapstructure:"candles_topic"`
	TicksTopic   string `mapstructure:"ticks_topic"`

	// RequiredAcks: "all" (default) | "leader" | "none".
	RequiredAcks string        `mapstructure:"required_acks"`
	Timeout      time.Duration `mapstructure:"timeout"`

	// Compression: "none" (default), "gzip", "snappy", "lz4", "zstd".
	Compression string `mapstructure:"compression"`

	Backoff backoff.Config `mapstructure:"backoff"`
}

func (c *KafkaConfig) ApplyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.RequiredAcks == "" {
		c.RequiredAcks = "all"
	}
	if c.Compression == "" {
		c.Compression = "none"
	}
	if c.CandlesTopic == "" {
		c.CandlesTopic = "tvstream.candles"
	}
	if c.TicksTopic == "" {
		c.TicksTopic = "tvstream.ticks"
	}
}

func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka sink: brokers required")
	}
	return nil
}

func buildSaramaConfig(c KafkaConfig) (*sarama.Config, error) {
	sc := sarama.NewConfig()

	switch strings.ToLower(c.RequiredAcks) {
	case "all":
		sc.Producer.RequiredAcks = sarama.WaitForAll
	case "leader":
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	case "none":
		sc.Producer.RequiredAcks = sarama.NoResponse
	default:
		return nil, fmt.Errorf("kafka sink: invalid RequiredAcks %q", c.RequiredAcks)
	}

	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Timeout = c.Timeout
	sc.Producer.Idempotent = true
	sc.Net.MaxOpenRequests = 1

	switch strings.ToLower(c.Compression) {
	case "none":
		sc.Producer.Compression = sarama.CompressionNone
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		return nil, fmt.Errorf("kafka sink: invalid Compression %q", c.Compression)
	}

	return sc, nil
}

// KafkaSink publishes candle batches and ticks as JSON messages keyed by
// symbol. Publishes retry on transient broker errors.
type KafkaSink struct {
	prod   sarama.SyncProducer
	client sarama.Client
	cfg    KafkaConfig
	log    *logger.Logger
}

// NewKafkaSink connects a sync producer with retry.
func NewKafkaSink(ctx context.Context, cfg KafkaConfig, log *logger.Logger) (*KafkaSink, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log = log.Named("kafka-sink")

	sc, err := buildSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}
	client, err := sarama.NewClient(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("kafka sink: new client: %w", err)
	}

	var prod sarama.SyncProducer
	connect := func(ctx context.Context) error {
		p, err := sarama.NewSyncProducerFromClient(client)
		if err != nil {
			return err
		}
		prod = p
		return nil
	}

	ctxConn, span := kafkaTracer.Start(ctx, "Connect",
		trace.WithAttributes(attribute.StringSlice("brokers", cfg.Brokers)))
	if err := backoff.Execute(ctxConn, cfg.Backoff, log, connect); err != nil {
		span.RecordError(err)
		span.End()
		_ = client.Close()
		log.Error("kafka sink connect failed", zap.Error(err))
		return nil, fmt.Errorf("kafka sink: connect: %w", err)
	}
	span.End()

	log.Info("kafka sink ready", zap.Strings("brokers", cfg.Brokers))
	return &KafkaSink{prod: prod, client: client, cfg: cfg, log: log}, nil
}

func (s *KafkaSink) WriteCandles(ctx context.Context, batch CandleBatch) error {
	value, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("kafka sink: marshal batch: %w", err)
	}
	return s.publish(ctx, s.cfg.CandlesTopic, batch.Symbol, value)
}

func (s *KafkaSink) WriteTick(ctx context.Context, tick *normalize.Tick) error {
	value, err := json.Marshal(tick)
	if err != nil {
		return fmt.Errorf("kafka sink: marshal tick: %w", err)
	}
	key := tick.Exchange + ":" + tick.Symbol
	return s.publish(ctx, s.cfg.TicksTopic, key, value)
}

func (s *KafkaSink) publish(ctx context.Context, topic, key string, value []byte) error {
	ctxPub, span := kafkaTracer.Start(ctx, "Publish",
		trace.WithAttributes(attribute.String("topic", topic)))
	defer span.End()

	send := func(ctx context.Context) error {
		msg := &sarama.ProducerMessage{
			Topic: topic,
			Key:   sarama.StringEncoder(key),
			Value: sarama.ByteEncoder(value),
		}
		_, _, err := s.prod.SendMessage(msg)
		return err
	}
	if err := backoff.Execute(ctxPub, s.cfg.Backoff, s.log, send); err != nil {
		metrics.SinkErrors.WithLabelValues("kafka").Inc()
		span.RecordError(err)
		s.log.Error("publish failed", zap.String("topic", topic), zap.Error(err))
		return err
	}
	metrics.SinkWrites.WithLabelValues("kafka").Inc()
	return nil
}

// Ping refreshes client metadata to verify broker reachability.
func (s *KafkaSink) Ping(ctx context.Context) error {
	_, span := kafkaTracer.Start(ctx, "Ping")
	defer span.End()
	if err := s.client.RefreshMetadata(); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func (s *KafkaSink) Close() error {
	if err := s.prod.Close(); err != nil {
		s.log.Error("producer close failed", zap.Error(err))
		return err
	}
	if err := s.client.Close(); err != nil {
		s.log.Error("client close failed", zap.Error(err))
		return err
	}
	s.log.Info("kafka sink closed")
	return nil
}
