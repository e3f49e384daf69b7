// Package kafka implements the Kafka log module.
// Log records are encoded as JSON and written to a topic asynchronously.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"
	"github.com/spf13/pflag"

	"firestige.xyz/pktforge/internal/log"
	"firestige.xyz/pktforge/pkg/module"
)

// Name is the module name.
const Name = "kafka"

const (
	defaultBatchSize    = 100
	defaultBatchTimeout = 100 * time.Millisecond
	defaultCompression  = "snappy"
	defaultMaxAttempts  = 3
)

// messageWriter is the part of kafka.Writer the module uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config is the parsed module configuration.
type Config struct {
	Brokers      []string
	Topic        string
	Level        slog.Level
	BatchSize    int
	BatchTimeout time.Duration
	Compression  string
	MaxAttempts  int
	Sync         bool
}

// Module ships log records to Kafka.
type Module struct {
	config Config
	host   string

	writer    messageWriter
	newWriter func(Config) (messageWriter, error)

	emitted atomic.Uint64
	errors  atomic.Uint64
}

// New returns an uninitialized module.
func New() module.Descriptor {
	return &Module{newWriter: newKafkaWriter}
}

// Info implements module.Descriptor.
func (m *Module) Info() module.Info {
	return module.Info{
		Name:        Name,
		Description: "Ship log records to a Kafka topic as JSON",
		Author:      "pktforge",
		Kind:        module.KindLog,
	}
}

// Init implements module.Descriptor.
//
//	--brokers a,b       broker addresses (required)
//	--topic t           topic (required)
//	--level l           minimum level (default warn)
//	--batch-size n      messages per batch
//	--batch-timeout d   flush interval
//	--compression c     none|gzip|snappy|lz4
//	--max-attempts n    write attempts per batch
//	--sync              block Emit until the batch is written
func (m *Module) Init(args []string) error {
	fs := pflag.NewFlagSet(Name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	brokers := fs.StringSlice("brokers", nil, "broker addresses")
	topic := fs.String("topic", "", "topic")
	level := fs.String("level", "warn", "minimum level")
	batchSize := fs.Int("batch-size", defaultBatchSize, "messages per batch")
	batchTimeout := fs.Duration("batch-timeout", defaultBatchTimeout, "flush interval")
	compression := fs.String("compression", defaultCompression, "compression codec")
	maxAttempts := fs.Int("max-attempts", defaultMaxAttempts, "write attempts")
	sync := fs.Bool("sync", false, "synchronous writes")

	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("kafka module args: %w", err)
	}
	if len(*brokers) == 0 {
		return fmt.Errorf("kafka module args: --brokers is required")
	}
	if *topic == "" {
		return fmt.Errorf("kafka module args: --topic is required")
	}
	lvl, err := log.ParseLevel(*level)
	if err != nil {
		return fmt.Errorf("kafka module args: %w", err)
	}

	cfg := Config{
		Brokers:      *brokers,
		Topic:        *topic,
		Level:        lvl,
		BatchSize:    *batchSize,
		BatchTimeout: *batchTimeout,
		Compression:  *compression,
		MaxAttempts:  *maxAttempts,
		Sync:         *sync,
	}

	newWriter := m.newWriter
	if newWriter == nil {
		newWriter = newKafkaWriter
	}
	w, err := newWriter(cfg)
	if err != nil {
		return err
	}

	m.config = cfg
	m.writer = w
	m.host, _ = os.Hostname()

	slog.Info("kafka log module started",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"batch_size", cfg.BatchSize,
		"batch_timeout", cfg.BatchTimeout,
		"compression", cfg.Compression,
	)
	return nil
}

func newKafkaWriter(cfg Config) (messageWriter, error) {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		MaxAttempts:  cfg.MaxAttempts,
		Async:        !cfg.Sync,
	}

	// Set compression codec
	switch cfg.Compression {
	case "none", "":
	case "gzip":
		w.Compression = compress.Gzip
	case "snappy":
		w.Compression = compress.Snappy
	case "lz4":
		w.Compression = compress.Lz4
	default:
		return nil, fmt.Errorf("invalid compression type: %s", cfg.Compression)
	}
	return w, nil
}

// Cleanup implements module.Descriptor. Pending batches are flushed.
func (m *Module) Cleanup() {
	if m.writer != nil {
		if err := m.writer.Close(); err != nil {
			slog.Error("error closing kafka writer", "error", err)
		}
		m.writer = nil
	}
	slog.Info("kafka log module stopped",
		"total_emitted", m.emitted.Load(),
		"total_errors", m.errors.Load(),
	)
}

// Enabled implements module.LogSink.
func (m *Module) Enabled(level slog.Level) bool {
	return m.writer != nil && level >= m.config.Level
}

// Emit implements module.LogSink.
func (m *Module) Emit(ctx context.Context, r slog.Record) error {
	if m.writer == nil {
		return fmt.Errorf("kafka module not initialized")
	}

	value, err := m.encode(r)
	if err != nil {
		m.errors.Add(1)
		return fmt.Errorf("encode record failed: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(m.host),
		Value: value,
		Time:  r.Time,
		Headers: []kafka.Header{
			{Key: "level", Value: []byte(r.Level.String())},
		},
	}

	if err := m.writer.WriteMessages(ctx, msg); err != nil {
		m.errors.Add(1)
		return fmt.Errorf("kafka write failed: %w", err)
	}
	m.emitted.Add(1)
	return nil
}

// encode renders a record as a flat JSON object.
func (m *Module) encode(r slog.Record) ([]byte, error) {
	out := map[string]any{
		"time":  r.Time.UnixMilli(),
		"level": r.Level.String(),
		"msg":   r.Message,
		"host":  m.host,
	}
	attrs := log.Attrs(r)
	if len(attrs) > 0 {
		out["attrs"] = attrs
	}
	return json.Marshal(out)
}
