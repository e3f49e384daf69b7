// Command pktforge-tcp packages the tcp packet module as a shared object
// for dynamic mode:
//
//	go build -buildmode=plugin -o modules/tcp.so ./cmd/pktforge-tcp
package main

import (
	api "firestige.xyz/pktforge/pkg/module"
	"firestige.xyz/pktforge/plugins/tcp"
)

// Module is the symbol the dynamic opener looks up.
func Module() api.Descriptor {
	return tcp.New()
}

func main() {}
