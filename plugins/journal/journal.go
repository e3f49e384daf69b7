// Package journal implements the journal log module: JSON lines written by
// zerolog into a size-rotated file.
package journal

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"

	"firestige.xyz/pktforge/internal/log"
	"firestige.xyz/pktforge/pkg/module"
)

// Name is the module name.
const Name = "journal"

// Module writes log records as JSON lines.
type Module struct {
	mu     sync.Mutex
	level  slog.Level
	logger zerolog.Logger
	out    io.WriteCloser
	open   func(cfg fileConfig) io.WriteCloser
}

type fileConfig struct {
	path       string
	maxSizeMB  int
	maxBackups int
	maxAgeDays int
	compress   bool
}

// New returns an uninitialized module.
func New() module.Descriptor {
	return &Module{open: openFile}
}

func openFile(cfg fileConfig) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   cfg.path,
		MaxSize:    cfg.maxSizeMB,
		MaxBackups: cfg.maxBackups,
		MaxAge:     cfg.maxAgeDays,
		Compress:   cfg.compress,
	}
}

// Info implements module.Descriptor.
func (m *Module) Info() module.Info {
	return module.Info{
		Name:        Name,
		Description: "Append log records as JSON lines to a rotated file",
		Author:      "pktforge",
		Kind:        module.KindLog,
	}
}

// Init implements module.Descriptor.
func (m *Module) Init(args []string) error {
	fs := pflag.NewFlagSet(Name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	path := fs.String("path", "", "journal file (required)")
	level := fs.String("level", "info", "minimum level")
	maxSize := fs.Int("max-size-mb", 100, "rotate after this many megabytes")
	maxBackups := fs.Int("max-backups", 5, "rotated files to keep")
	maxAge := fs.Int("max-age-days", 30, "days to keep rotated files")
	compress := fs.Bool("compress", true, "gzip rotated files")

	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("journal module args: %w", err)
	}
	if *path == "" {
		return fmt.Errorf("journal module args: --path is required")
	}
	lvl, err := log.ParseLevel(*level)
	if err != nil {
		return fmt.Errorf("journal module args: %w", err)
	}

	open := m.open
	if open == nil {
		open = openFile
	}
	m.out = open(fileConfig{
		path:       *path,
		maxSizeMB:  *maxSize,
		maxBackups: *maxBackups,
		maxAgeDays: *maxAge,
		compress:   *compress,
	})
	m.level = lvl
	m.logger = zerolog.New(m.out).Level(toZerologLevel(lvl))
	return nil
}

// Cleanup implements module.Descriptor.
func (m *Module) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.out != nil {
		if err := m.out.Close(); err != nil {
			slog.Error("error closing journal", "error", err)
		}
		m.out = nil
	}
}

// Enabled implements module.LogSink.
func (m *Module) Enabled(level slog.Level) bool {
	return level >= m.level
}

// Emit implements module.LogSink.
func (m *Module) Emit(_ context.Context, r slog.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.out == nil {
		return fmt.Errorf("journal module not initialized")
	}

	ev := m.logger.WithLevel(toZerologLevel(r.Level))
	if ev == nil {
		return nil
	}
	ev.Time(zerolog.TimestampFieldName, r.Time).
		Fields(log.Attrs(r)).
		Msg(r.Message)
	return nil
}

func toZerologLevel(l slog.Level) zerolog.Level {
	switch {
	case l >= slog.LevelError:
		return zerolog.ErrorLevel
	case l >= slog.LevelWarn:
		return zerolog.WarnLevel
	case l >= slog.LevelInfo:
		return zerolog.InfoLevel
	default:
		return zerolog.DebugLevel
	}
}
