package module

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"firestige.xyz/pktforge/internal/core"
)

const (
	// PathSeparator separates patterns in a search path.
	PathSeparator = ";"
	// Wildcard is replaced by the module name in each pattern.
	Wildcard = "*"
	// Ext is tried after the bare candidate.
	Ext = ".so"
)

// SplitPath returns the non-empty patterns of a search path, in order.
func SplitPath(path string) []string {
	parts := strings.Split(path, PathSeparator)
	patterns := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, p)
		}
	}
	return patterns
}

// candidates expands one pattern for a module name.
func candidates(pattern, name string) []string {
	var base string
	if strings.Contains(pattern, Wildcard) {
		base = strings.ReplaceAll(pattern, Wildcard, name)
	} else {
		base = filepath.Join(pattern, name)
	}
	if filepath.Ext(base) == Ext {
		return []string{base}
	}
	return []string{base, base + Ext}
}

func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\*?[]`)
}

// resolvePath finds the file for name. Patterns are tried in order; within
// a pattern the bare candidate is tried before the one with Ext, and glob
// matches in lexical order. The first regular file wins.
func resolvePath(fs afero.Fs, searchPath, name string) (string, error) {
	if !validName(name) {
		return "", fmt.Errorf("invalid module name %q: %w", name, core.ErrModuleNotFound)
	}

	for _, pattern := range SplitPath(searchPath) {
		for _, candidate := range candidates(pattern, name) {
			matches, err := afero.Glob(fs, candidate)
			if err != nil {
				// malformed pattern, skip it like a miss
				continue
			}
			sort.Strings(matches)
			for _, match := range matches {
				fi, err := fs.Stat(match)
				if err == nil && fi.Mode().IsRegular() {
					return match, nil
				}
			}
		}
	}
	return "", fmt.Errorf("module %q not in search path %q: %w", name, searchPath, core.ErrModuleNotFound)
}
