package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/pktforge/internal/core"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pktforge.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestRunValidate_Valid(t *testing.T) {
	path := writeConfig(t, `
pktforge:
  modules:
    mode: static
    path: builtin/*
    preload:
      - name: tcp
        args: ["--verify"]
  pipeline:
    workers: 2
    filter:
      - {op: 0x28, k: 12}
      - {op: 0x15, jt: 0, jf: 1, k: 0x800}
      - {op: 0x06, k: 65535}
      - {op: 0x06, k: 0}
`)

	var buf bytes.Buffer
	require.NoError(t, runValidate(&buf, path))
	assert.Equal(t, "VALID: mode static, 1 preload module(s), 2 worker(s), 4 filter instruction(s)\n", buf.String())
}

func TestRunValidate_BadFilter(t *testing.T) {
	path := writeConfig(t, `
pktforge:
  pipeline:
    filter:
      - {op: 0x28, k: 12}
`)

	var buf bytes.Buffer
	assert.Error(t, runValidate(&buf, path))
	assert.Empty(t, buf.String())
}

func TestRunValidate_BadConfig(t *testing.T) {
	path := writeConfig(t, `
pktforge:
  pipeline:
    workers: -1
`)

	err := runValidate(&bytes.Buffer{}, path)
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}
