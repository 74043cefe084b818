package artifact

import (
	"context"
	stderrors "errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/wippyai/wasm-sandbox/errors"
)

// Store persists serialized artifacts by identity. Implementations must be
// safe for concurrent use.
type Store interface {
	// Load returns the blob stored for id. ok is false when there is none.
	Load(ctx context.Context, id Identity) (blob []byte, ok bool, err error)
	// Save stores blob for id, replacing any previous blob.
	Save(ctx context.Context, id Identity, blob []byte) error
}

// DirStore keeps one file per identity under a directory, laid out as
// <dir>/<algorithm>/<hex>.
type DirStore struct {
	dir string
}

// NewDirStore creates dir if needed.
func NewDirStore(dir string) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "artifact store directory")
	}
	return &DirStore{dir: dir}, nil
}

func (s *DirStore) path(id Identity) (string, error) {
	if err := id.Validate(); err != nil {
		return "", errors.Wrap(errors.PhaseCompile, errors.KindInvalidInput, err, "artifact identity")
	}
	d := id.Digest()
	return filepath.Join(s.dir, d.Algorithm().String(), d.Encoded()), nil
}

func (s *DirStore) Load(_ context.Context, id Identity) ([]byte, bool, error) {
	p, err := s.path(id)
	if err != nil {
		return nil, false, err
	}
	b, err := os.ReadFile(p)
	if stderrors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// Save writes to a temporary file first so readers never see a partial blob.
func (s *DirStore) Save(_ context.Context, id Identity, blob []byte) error {
	p, err := s.path(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}

	f, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(blob); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// MemStore keeps blobs in memory.
type MemStore struct {
	mu    sync.RWMutex
	blobs map[Identity][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{blobs: make(map[Identity][]byte)}
}

func (s *MemStore) Load(_ context.Context, id Identity) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[id]
	return b, ok, nil
}

func (s *MemStore) Save(_ context.Context, id Identity, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[id] = append([]byte(nil), blob...)
	return nil
}

// Len returns the number of stored blobs.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

var (
	_ Store = (*DirStore)(nil)
	_ Store = (*MemStore)(nil)
)
