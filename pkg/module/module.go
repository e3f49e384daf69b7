// Package module defines the contract a loadable module exposes.
//
// A module is a code unit, either compiled in or built with
// -buildmode=plugin, that exports a Descriptor under the symbol named
// Symbol. The runtime calls Init once after loading and Cleanup once when
// the last holder releases it.
package module

import (
	"fmt"
	"strings"
)

// Symbol is the name a plugin exports its Descriptor under. The symbol may
// be a Descriptor value or a func() Descriptor.
const Symbol = "Module"

// Kind tells the runtime what a module is for.
type Kind int

const (
	KindUnknown Kind = iota
	KindPacket
	KindLog
	KindExtension
)

var kindNames = map[Kind]string{
	KindUnknown:   "unknown",
	KindPacket:    "packet",
	KindLog:       "log",
	KindExtension: "extension",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// ParseKind converts a kind name, case-insensitive.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown module kind: %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Info is the identity of a module. It must not change after load.
type Info struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Author      string `yaml:"author"`
	Kind        Kind   `yaml:"kind"`
}

// Descriptor is what every module exports.
type Descriptor interface {
	Info() Info

	// Init prepares the module. A non-nil error means the module never
	// became usable: it is unloaded and Cleanup is not called.
	Init(args []string) error

	// Cleanup runs once, when the last reference is released.
	Cleanup()
}
