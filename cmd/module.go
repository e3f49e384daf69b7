package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/pktforge/internal/config"
	"firestige.xyz/pktforge/internal/module"
)

var moduleCmd = &cobra.Command{
	Use:   "module",
	Short: "Inspect modules",
}

var moduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "Load the configured modules and print their status",
	Long: `Load every module listed under modules.preload, print the registry
status as YAML and unload them again.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configFile)
		if err != nil {
			exitWithError("failed to load config", err)
		}
		reg, err := newRegistry(cfg.Modules)
		if err != nil {
			exitWithError("failed to create registry", err)
		}
		if err := runModuleStatus(cmd.Context(), os.Stdout, reg, preloadSpecs(cfg.Modules), moduleOutput); err != nil {
			exitWithError("module list failed", err)
		}
	},
}

var moduleLoadCmd = &cobra.Command{
	Use:   "load NAME [-- ARGS...]",
	Short: "Load one module with arguments and print its status",
	Long: `Load one module from the configured search path, pass ARGS to its
init hook, print its status as YAML and unload it.

Examples:
  pktforge module load tcp -- --verify --map-port 80:8080
  pktforge module load console -- --level debug`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configFile)
		if err != nil {
			exitWithError("failed to load config", err)
		}
		reg, err := newRegistry(cfg.Modules)
		if err != nil {
			exitWithError("failed to create registry", err)
		}
		spec := module.Spec{Name: args[0], Args: args[1:]}
		if err := runModuleStatus(cmd.Context(), os.Stdout, reg, []module.Spec{spec}, moduleOutput); err != nil {
			exitWithError(fmt.Sprintf("failed to load module %s", spec.Name), err)
		}
	},
}

var moduleOutput string

func init() {
	moduleCmd.PersistentFlags().StringVarP(&moduleOutput, "output", "o", "yaml", "output format: yaml|table")
	moduleCmd.AddCommand(moduleListCmd)
	moduleCmd.AddCommand(moduleLoadCmd)
}

type moduleLoader interface {
	LoadAll(ctx context.Context, specs []module.Spec) (*module.Set, error)
	Modules() []module.Status
}

func runModuleStatus(ctx context.Context, w io.Writer, loader moduleLoader, specs []module.Spec, format string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	set, err := loader.LoadAll(ctx, specs)
	if err != nil {
		return err
	}
	defer set.Release()

	status := loader.Modules()
	if len(status) == 0 {
		fmt.Fprintln(w, "no modules loaded")
		return nil
	}

	switch format {
	case "table":
		return writeStatusTable(w, status)
	case "yaml", "":
		out, err := yaml.Marshal(status)
		if err != nil {
			return fmt.Errorf("failed to format status: %w", err)
		}
		_, err = w.Write(out)
		return err
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func writeStatusTable(w io.Writer, status []module.Status) error {
	data := pterm.TableData{{"NAME", "KIND", "STATE", "REFS", "PATH", "DESCRIPTION"}}
	for _, s := range status {
		data = append(data, []string{
			s.Name,
			s.Kind.String(),
			s.State,
			strconv.Itoa(s.RefCount),
			s.Path,
			s.Description,
		})
	}
	out, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	_, err = fmt.Fprintln(w, out)
	return err
}
