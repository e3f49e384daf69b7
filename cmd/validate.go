package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/pktforge/internal/config"
	"firestige.xyz/pktforge/internal/pipeline"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Validate a configuration file without loading any module.

The file is decoded with the same defaults and environment overrides as
"pktforge run", and the BPF pre-filter is assembled.

Examples:
  pktforge validate -c pktforge.yml`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runValidate(os.Stdout, configFile); err != nil {
			fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
			os.Exit(1)
		}
	},
}

func runValidate(w io.Writer, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	filter, err := pipeline.NewFilter(cfg.Pipeline.Filter)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "VALID: mode %s, %d preload module(s), %d worker(s), %d filter instruction(s)\n",
		cfg.Modules.Mode,
		len(cfg.Modules.Preload),
		cfg.Pipeline.Workers,
		filter.Len(),
	)
	return nil
}
