package artifact_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/wasm-sandbox/artifact"
	"github.com/wippyai/wasm-sandbox/engine"
)

func TestStores(t *testing.T) {
	dir := t.TempDir()
	ds, err := artifact.NewDirStore(filepath.Join(dir, "artifacts"))
	require.NoError(t, err)

	stores := map[string]artifact.Store{
		"dir": ds,
		"mem": artifact.NewMemStore(),
	}
	ctx := context.Background()
	id := artifact.NewIdentity([]byte("code"), "jit", engine.CompileConfig{})

	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			_, ok, err := s.Load(ctx, id)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Save(ctx, id, []byte("first")))
			require.NoError(t, s.Save(ctx, id, []byte("second")))

			got, ok, err := s.Load(ctx, id)
			require.NoError(t, err)
			require.True(t, ok)
			if diff := cmp.Diff([]byte("second"), got); diff != "" {
				t.Errorf("blob mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDirStoreLayout(t *testing.T) {
	dir := t.TempDir()
	s, err := artifact.NewDirStore(dir)
	require.NoError(t, err)

	id := artifact.NewIdentity([]byte("code"), "jit", engine.CompileConfig{})
	require.NoError(t, s.Save(context.Background(), id, []byte("blob")))

	entries, err := os.ReadDir(filepath.Join(dir, "sha256"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files must not be left behind")
	assert.Equal(t, id.Digest().Encoded(), entries[0].Name())

	assert.Error(t, s.Save(context.Background(), artifact.Identity("../escape"), []byte("x")))
}
