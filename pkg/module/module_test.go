package module

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestKind_String(t *testing.T) {
	assert.Equal(t, "packet", KindPacket.String())
	assert.Equal(t, "log", KindLog.String())
	assert.Equal(t, "extension", KindExtension.String())
	assert.Equal(t, "unknown", KindUnknown.String())
	assert.Equal(t, "kind(9)", Kind(9).String())
}

func TestKind_Valid(t *testing.T) {
	assert.True(t, KindUnknown.Valid())
	assert.True(t, KindExtension.Valid())
	assert.False(t, Kind(-1).Valid())
	assert.False(t, Kind(4).Valid())
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" Packet ")
	require.NoError(t, err)
	assert.Equal(t, KindPacket, k)

	_, err = ParseKind("filter")
	assert.Error(t, err)
}

func TestInfo_YAML(t *testing.T) {
	out, err := yaml.Marshal(Info{Name: "tcp", Kind: KindPacket})
	require.NoError(t, err)
	assert.Contains(t, string(out), "kind: packet")

	var info Info
	require.NoError(t, yaml.Unmarshal([]byte("name: console\nkind: log\n"), &info))
	assert.Equal(t, KindLog, info.Kind)

	assert.Error(t, yaml.Unmarshal([]byte("kind: bogus\n"), &info))
}

func TestVerdict_String(t *testing.T) {
	assert.Equal(t, "accept", VerdictAccept.String())
	assert.Equal(t, "drop", VerdictDrop.String())
}
