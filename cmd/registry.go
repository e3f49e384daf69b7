package cmd

import (
	"fmt"

	"github.com/spf13/afero"

	"firestige.xyz/pktforge/internal/config"
	"firestige.xyz/pktforge/internal/module"
	"firestige.xyz/pktforge/plugins"
)

// builtinDir is the virtual directory built-in modules are listed under.
const builtinDir = "builtin"

// newRegistry creates the module registry for the configured mode. Static
// mode resolves names against the built-in catalog; dynamic mode opens
// shared objects from the host filesystem.
func newRegistry(cfg config.ModulesConfig) (*module.Registry, error) {
	switch cfg.Mode {
	case config.ModeDynamic:
		return module.NewRegistry(
			module.WithFs(afero.NewOsFs()),
			module.WithOpener(module.DynamicOpener{}),
			module.WithPath(cfg.Path),
		), nil

	case config.ModeStatic, "":
		c := plugins.Catalog()
		fs, err := c.Fs(builtinDir)
		if err != nil {
			return nil, fmt.Errorf("failed to list built-in modules: %w", err)
		}
		return module.NewRegistry(
			module.WithFs(fs),
			module.WithOpener(c),
			module.WithPath(cfg.Path),
		), nil

	default:
		return nil, fmt.Errorf("unknown module mode %q", cfg.Mode)
	}
}

func preloadSpecs(cfg config.ModulesConfig) []module.Spec {
	specs := make([]module.Spec, 0, len(cfg.Preload))
	for _, p := range cfg.Preload {
		specs = append(specs, module.Spec{Name: p.Name, Args: p.Args})
	}
	return specs
}
