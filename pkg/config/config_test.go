package config

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigParses(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteDefaultConfig(&buf))
	c, err := Parse(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, []string{"sample.exe"}, c.Targets)
	assert.Equal(t, DefaultSymbolCacheSize, c.SymbolCacheSize)
	assert.Empty(t, c.Hooks)
	assert.NoError(t, c.Validate())
}

func TestParseHooksAndEntryPoints(t *testing.T) {
	c, err := Parse([]byte(`
targets: [mal.exe]
instrument: [mal.exe, Kernel32.dll]
extra-entry-points: [0x401015]
hooks:
  - {library: kernel32.dll, function: CreateFileW, script: cf.star, cond: "esp > 0"}
`))
	require.NoError(t, err)
	assert.Equal(t, []uint64{0x401015}, c.ExtraEntryPoints)
	require.Len(t, c.Hooks, 1)
	assert.Equal(t, HookConfig{Library: "kernel32.dll", Function: "CreateFileW", Script: "cf.star", Cond: "esp > 0"}, c.Hooks[0])
	assert.True(t, c.IsInstrumented("KERNEL32.DLL"))
	assert.False(t, c.IsInstrumented("ntdll.dll"))
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("instrumnet: [a.exe]\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	c := &Config{}
	assert.Error(t, c.Validate())
	c.Targets = []string{"a.exe"}
	assert.NoError(t, c.Validate())
	c.Hooks = []HookConfig{{Library: "x.dll", Script: "a.star"}}
	assert.Error(t, c.Validate())
	c.Hooks = []HookConfig{{Function: "f"}}
	assert.Error(t, c.Validate())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	in := &Config{
		Targets:         []string{"a.exe"},
		Instrument:      []string{"a.exe"},
		SymbolCacheSize: 16,
		Hooks:           []HookConfig{{Function: "connect", Script: "net.star"}},
	}
	require.NoError(t, SaveConfig(in, path))
	out, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
