// Package metrics implements the metrics extension module. It serves the
// process Prometheus registry over HTTP while loaded.
package metrics

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/pflag"

	"firestige.xyz/pktforge/internal/metrics"
	"firestige.xyz/pktforge/pkg/module"
)

// Name is the module name.
const Name = "metrics"

// Module owns a metrics.Server.
type Module struct {
	server *metrics.Server
}

// New returns an uninitialized module.
func New() module.Descriptor {
	return &Module{}
}

// Info implements module.Descriptor.
func (m *Module) Info() module.Info {
	return module.Info{
		Name:        Name,
		Description: "Prometheus metrics endpoint",
		Author:      "pktforge",
		Kind:        module.KindExtension,
	}
}

// Init implements module.Descriptor. It binds --listen (default :9091)
// and serves --path (default /metrics).
func (m *Module) Init(args []string) error {
	fs := pflag.NewFlagSet(Name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	listen := fs.String("listen", ":9091", "listen address")
	path := fs.String("path", "/metrics", "scrape path")

	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("metrics module args: %w", err)
	}

	server := metrics.NewServer(*listen, *path)
	if err := server.Start(context.Background()); err != nil {
		return err
	}
	m.server = server
	return nil
}

// Addr returns the bound address, empty before Init.
func (m *Module) Addr() string {
	if m.server == nil {
		return ""
	}
	return m.server.Addr()
}

// Cleanup implements module.Descriptor.
func (m *Module) Cleanup() {
	if m.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.server.Stop(ctx); err != nil {
		slog.Error("metrics module stop failed", "error", err)
	}
	m.server = nil
}
