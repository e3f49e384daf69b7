// Package console implements the console log module.
// Records are rendered by logrus with the pattern formatter.
package console

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"firestige.xyz/pktforge/internal/log"
	"firestige.xyz/pktforge/pkg/module"
)

// Name is the module name.
const Name = "console"

// Module writes log records to stdout or stderr.
type Module struct {
	level  slog.Level
	logger *logrus.Logger
	out    io.Writer // overrides --output when set

	emitted atomic.Uint64
}

// New returns an uninitialized module.
func New() module.Descriptor {
	return &Module{}
}

// Info implements module.Descriptor.
func (m *Module) Info() module.Info {
	return module.Info{
		Name:        Name,
		Description: "Pattern-formatted console log output",
		Author:      "pktforge",
		Kind:        module.KindLog,
	}
}

// Init implements module.Descriptor.
//
//	--level        debug|info|warn|error (default info)
//	--pattern      log line pattern, see log.PatternFormatter
//	--time-layout  Go time layout for %time
//	--output       stdout|stderr (default stderr)
func (m *Module) Init(args []string) error {
	fs := pflag.NewFlagSet(Name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	level := fs.String("level", "info", "minimum level")
	pattern := fs.String("pattern", log.DefaultPattern, "line pattern")
	layout := fs.String("time-layout", log.DefaultTimeLayout, "time layout")
	output := fs.String("output", "stderr", "stdout or stderr")

	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("console module args: %w", err)
	}

	lvl, err := log.ParseLevel(*level)
	if err != nil {
		return fmt.Errorf("console module args: %w", err)
	}

	out := m.out
	if out == nil {
		switch *output {
		case "stdout":
			out = os.Stdout
		case "stderr":
			out = os.Stderr
		default:
			return fmt.Errorf("console module args: invalid output %q", *output)
		}
	}

	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(logrus.TraceLevel)
	logger.SetFormatter(&log.PatternFormatter{Pattern: *pattern, TimeLayout: *layout})

	m.level = lvl
	m.logger = logger
	return nil
}

// Cleanup implements module.Descriptor.
func (m *Module) Cleanup() {
	slog.Debug("console module cleanup", "emitted", m.emitted.Load())
}

// Enabled implements module.LogSink.
func (m *Module) Enabled(level slog.Level) bool {
	return m.logger != nil && level >= m.level
}

// Emit implements module.LogSink.
func (m *Module) Emit(_ context.Context, r slog.Record) error {
	if m.logger == nil {
		return fmt.Errorf("console module not initialized")
	}

	fields := make(logrus.Fields, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		addField(fields, "", a)
		return true
	})

	m.logger.WithFields(fields).WithTime(r.Time).Log(toLogrusLevel(r.Level), r.Message)
	m.emitted.Add(1)
	return nil
}

// addField flattens groups into dotted keys.
func addField(fields logrus.Fields, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	if v.Kind() == slog.KindGroup {
		for _, ga := range v.Group() {
			addField(fields, key, ga)
		}
		return
	}
	fields[key] = v.Any()
}

func toLogrusLevel(l slog.Level) logrus.Level {
	switch {
	case l < slog.LevelInfo:
		return logrus.DebugLevel
	case l < slog.LevelWarn:
		return logrus.InfoLevel
	case l < slog.LevelError:
		return logrus.WarnLevel
	default:
		return logrus.ErrorLevel
	}
}
