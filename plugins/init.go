// Package plugins registers all built-in modules.
package plugins

import (
	"firestige.xyz/pktforge/internal/module"
	"firestige.xyz/pktforge/plugins/console"
	"firestige.xyz/pktforge/plugins/journal"
	"firestige.xyz/pktforge/plugins/kafka"
	"firestige.xyz/pktforge/plugins/metrics"
	"firestige.xyz/pktforge/plugins/tail"
	"firestige.xyz/pktforge/plugins/tcp"
)

// Register adds every built-in module to c.
func Register(c *module.Catalog) error {
	builtins := []struct {
		name    string
		factory module.Factory
	}{
		// packet modules
		{tcp.Name, tcp.New},
		// log modules
		{console.Name, console.New},
		{journal.Name, journal.New},
		{kafka.Name, kafka.New},
		{tail.Name, tail.New},
		// extension modules
		{metrics.Name, metrics.New},
	}
	for _, b := range builtins {
		if err := c.Register(b.name, b.factory); err != nil {
			return err
		}
	}
	return nil
}

// Catalog returns a catalog holding every built-in module.
func Catalog() *module.Catalog {
	c := module.NewCatalog()
	if err := Register(c); err != nil {
		// names are constants; a collision is a programming error
		panic(err)
	}
	return c
}
