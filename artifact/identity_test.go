package artifact_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/wasm-sandbox/artifact"
	"github.com/wippyai/wasm-sandbox/engine"
)

func TestIdentity(t *testing.T) {
	code := []byte("\x00asm\x01\x00\x00\x00")
	base := artifact.NewIdentity(code, "interpreter", engine.CompileConfig{HeapPages: 16})

	require.NoError(t, base.Validate())
	assert.True(t, strings.HasPrefix(base.String(), "sha256:"))
	assert.Len(t, base.Short(), 12)
	assert.Equal(t, base, artifact.NewIdentity(code, "interpreter", engine.CompileConfig{HeapPages: 16}))

	tests := []struct {
		name string
		id   artifact.Identity
	}{
		{"engine", artifact.NewIdentity(code, "compiler", engine.CompileConfig{HeapPages: 16})},
		{"heap pages", artifact.NewIdentity(code, "interpreter", engine.CompileConfig{HeapPages: 17})},
		{"extra pages", artifact.NewIdentity(code, "interpreter", engine.CompileConfig{HeapPages: 16, ExtraHeapPages: 1})},
		{"code", artifact.NewIdentity(append(code, 0), "interpreter", engine.CompileConfig{HeapPages: 16})},
		{"opt none", artifact.NewIdentity(code, "interpreter", engine.CompileConfig{HeapPages: 16, OptLevel: engine.OptNone})},
		{"opt speed", artifact.NewIdentity(code, "interpreter", engine.CompileConfig{HeapPages: 16, OptLevel: engine.OptSpeed})},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.NotEqual(t, base, tc.id)
		})
	}
}

func TestIdentityAliases(t *testing.T) {
	code := []byte("code")
	assert.Equal(t,
		artifact.NewIdentity(code, "compiler", engine.CompileConfig{}),
		artifact.NewIdentity(code, "engine-a", engine.CompileConfig{}))
}

func TestParse(t *testing.T) {
	id := artifact.NewIdentity([]byte("x"), "interpreter", engine.CompileConfig{})

	parsed, err := artifact.Parse(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = artifact.Parse("sha256:nothex")
	assert.Error(t, err)
	assert.Error(t, artifact.Identity("").Validate())
}
