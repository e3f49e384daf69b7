// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pktforge",
	Short: "pktforge - packet rewriting through loadable protocol modules",
	Long: `pktforge reads captured traffic, hands every IPv4 packet to the packet
module registered for its protocol and writes the result back out with
checksums forged.

Modules are either built in or loaded from shared objects on the module
search path. Log modules receive the process log stream and extension
modules add services such as the metrics endpoint.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults and PKTFORGE_* environment when empty)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(moduleCmd)
	rootCmd.AddCommand(checksumCmd)
	rootCmd.AddCommand(validateCmd)
}

// exitWithError prints error message and exits with code 1
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
