package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/pktforge/internal/config"
	"firestige.xyz/pktforge/internal/log"
	"firestige.xyz/pktforge/internal/module"
	"firestige.xyz/pktforge/internal/pipeline"
	api "firestige.xyz/pktforge/pkg/module"
)

// errDrainTimeout means the pipeline was still running when waitPipeline
// gave up on it.
var errDrainTimeout = errors.New("pipeline did not stop in time")

var (
	inputPath  string
	outputPath string
	snapLen    uint32
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a capture file through the packet modules",
	Long: `Run a capture file through the packet modules.

The preloaded modules from the config file are loaded first. Frames that
no module drops are written to the output file with checksums forged.
SIGINT and SIGTERM stop reading and drain the workers.

Examples:
  pktforge run -i in.pcap -o out.pcap
  pktforge run -c pktforge.yml -i in.pcapng -o out.pcap`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := runPipeline(ctx, os.Stdout); err != nil {
			exitWithError("run failed", err)
		}
	},
}

func init() {
	runCmd.Flags().StringVarP(&inputPath, "input", "i", "", "capture file to read (pcap or pcapng)")
	runCmd.Flags().StringVarP(&outputPath, "output", "o", "", "pcap file to write")
	runCmd.Flags().Uint32Var(&snapLen, "snaplen", 262144, "snap length of the output file")
	runCmd.MarkFlagRequired("input")
	runCmd.MarkFlagRequired("output")
}

func runPipeline(ctx context.Context, w io.Writer) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if err := log.Init(cfg.Log); err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}

	reg, err := newRegistry(cfg.Modules)
	if err != nil {
		return err
	}

	specs := preloadSpecs(cfg.Modules)
	if cfg.Metrics.Enabled {
		specs = append(specs, module.Spec{
			Name: "metrics",
			Args: []string{"--listen", cfg.Metrics.Listen, "--path", cfg.Metrics.Path},
		})
	}
	set, err := reg.LoadAll(ctx, specs)
	if err != nil {
		return err
	}
	defer set.Release()

	detach := attachLogModules(reg)
	defer detach()

	p, err := pipeline.New(cfg.Pipeline, reg)
	if err != nil {
		return err
	}

	src, err := pipeline.OpenFile(inputPath)
	if err != nil {
		return err
	}
	defer src.Close()

	sink, err := pipeline.CreateFile(outputPath, src.LinkType(), snapLen)
	if err != nil {
		return err
	}

	runErr := waitPipeline(ctx, cfg.Pipeline.ShutdownTimeout, func(ctx context.Context) error {
		return p.Run(ctx, src, sink)
	})
	runErr = closeSink(sink, runErr)

	for _, f := range p.Flows().Top(5) {
		slog.Info("busiest flow",
			"src", f.Key.SrcIP.String(),
			"sport", f.Key.SrcPort,
			"dst", f.Key.DstIP.String(),
			"dport", f.Key.DstPort,
			"proto", f.Key.Proto,
			"packets", f.Packets,
			"bytes", f.Bytes)
	}

	out, err := yaml.Marshal(p.Stats())
	if err != nil {
		return err
	}
	fmt.Fprint(w, string(out))
	return runErr
}

// waitPipeline runs fn until it returns. Once ctx is done fn gets timeout
// to drain before waitPipeline gives up on it.
func waitPipeline(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down", "timeout", timeout)
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("%w: waited %s", errDrainTimeout, timeout)
	}
}

// closeSink flushes and closes sink once the pipeline has returned. After a
// drain timeout the writer goroutine may still be using it, so it is left
// alone and whatever it buffered is lost.
func closeSink(sink io.Closer, runErr error) error {
	if errors.Is(runErr, errDrainTimeout) {
		slog.Warn("output not flushed, pipeline still running")
		return runErr
	}
	if err := sink.Close(); err != nil && runErr == nil {
		return err
	}
	return runErr
}

// attachLogModules routes the process log stream to every loaded log
// module. The returned func detaches them and drops the extra references.
func attachLogModules(reg *module.Registry) func() {
	var cleanups []func()
	for _, h := range reg.ByKind(api.KindLog) {
		d, err := h.Descriptor()
		sink, ok := d.(api.LogSink)
		if err != nil || !ok {
			slog.Warn("log module does not implement a sink", "module", h.Name())
			_ = h.Release()
			continue
		}
		detach := log.AttachSink(h.Name(), sink)
		cleanups = append(cleanups, func() {
			detach()
			_ = h.Release()
		})
		slog.Info("log module attached", "module", h.Name())
	}
	return func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
}
