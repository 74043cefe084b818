package artifact

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/errors"
)

// Option configures a Cache.
type Option func(*Cache)

// WithStore persists compiled code in s when the adapter supports it.
func WithStore(s Store) Option {
	return func(c *Cache) { c.store = s }
}

// WithLogger sets the logger. The engine logger is used by default.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// Cache maps identities to compiled artifacts of one adapter.
// It is safe for concurrent use.
type Cache struct {
	adapter engine.Adapter
	store   Store
	logger  *zap.Logger
	group   singleflight.Group

	mu       sync.Mutex
	entries  map[Identity]*entry
	evicted  map[engine.Artifact]*entry
	failures map[Identity]error
	closed   bool
}

type entry struct {
	art  engine.Artifact
	refs int
}

// NewCache creates a cache compiling with adapter.
func NewCache(adapter engine.Adapter, opts ...Option) *Cache {
	c := &Cache{
		adapter:  adapter,
		logger:   engine.Logger(),
		entries:  make(map[Identity]*entry),
		evicted:  make(map[engine.Artifact]*entry),
		failures: make(map[Identity]error),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Adapter returns the adapter artifacts are compiled with.
func (c *Cache) Adapter() engine.Adapter { return c.adapter }

// Compile returns the identity of code, compiling it on first use. Concurrent
// calls for one identity share a single compilation. A compile error is
// remembered and returned for every later call with the same identity.
func (c *Cache) Compile(ctx context.Context, code []byte, cfg engine.CompileConfig) (Identity, error) {
	id := NewIdentity(code, c.adapter.Name(), cfg)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return id, errors.Closed(errors.PhaseCompile, "artifact cache")
	}
	if err, ok := c.failures[id]; ok {
		c.mu.Unlock()
		return id, err
	}
	if _, ok := c.entries[id]; ok {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	_, err, _ := c.group.Do(id.String(), func() (any, error) {
		c.mu.Lock()
		_, done := c.entries[id]
		c.mu.Unlock()
		if done {
			return nil, nil
		}

		art, err := c.build(ctx, id, code, cfg)

		c.mu.Lock()
		defer c.mu.Unlock()
		if err != nil {
			err = errors.Annotate(err, id.String(), "")
			if stderrors.Is(err, errors.ErrCompile) {
				c.failures[id] = err
			}
			return nil, err
		}
		if c.closed {
			_ = art.Close(context.Background())
			return nil, errors.Closed(errors.PhaseCompile, "artifact cache")
		}
		c.entries[id] = &entry{art: art}
		return nil, nil
	})
	return id, err
}

// build loads the artifact from the store or compiles it.
func (c *Cache) build(ctx context.Context, id Identity, code []byte, cfg engine.CompileConfig) (engine.Artifact, error) {
	if art := c.load(ctx, id, code, cfg); art != nil {
		return art, nil
	}

	art, err := c.adapter.Compile(ctx, code, cfg)
	if err != nil {
		c.logger.Debug("compile failed", zap.String("identity", id.Short()), zap.Error(err))
		return nil, err
	}
	c.logger.Debug("compiled artifact",
		zap.String("identity", id.Short()),
		zap.String("engine", c.adapter.Name()),
		zap.Int("code_bytes", len(code)))

	c.save(ctx, id, art)
	return art, nil
}

func (c *Cache) load(ctx context.Context, id Identity, code []byte, cfg engine.CompileConfig) engine.Artifact {
	d, ok := c.adapter.(engine.Deserializer)
	if c.store == nil || !ok {
		return nil
	}
	blob, found, err := c.store.Load(ctx, id)
	if err != nil {
		c.logger.Warn("load stored artifact", zap.String("identity", id.Short()), zap.Error(err))
		return nil
	}
	if !found {
		return nil
	}
	art, err := d.Deserialize(ctx, code, blob, cfg)
	if err != nil {
		c.logger.Warn("stored artifact unusable, recompiling", zap.String("identity", id.Short()), zap.Error(err))
		return nil
	}
	c.logger.Debug("loaded stored artifact", zap.String("identity", id.Short()))
	return art
}

func (c *Cache) save(ctx context.Context, id Identity, art engine.Artifact) {
	s, ok := c.adapter.(engine.Serializer)
	if c.store == nil || !ok {
		return
	}
	blob, err := s.Serialize(art)
	if err == nil {
		err = c.store.Save(ctx, id, blob)
	}
	if err != nil {
		c.logger.Warn("store artifact", zap.String("identity", id.Short()), zap.Error(err))
	}
}

// Get returns the cached artifact without taking a reference.
func (c *Cache) Get(id Identity) (engine.Artifact, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	return e.art, true
}

// Failure returns the remembered compile error of id, if any.
func (c *Cache) Failure(id Identity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures[id]
}

// Retain takes a reference on the artifact of id. Every successful Retain
// must be paired with Release.
func (c *Cache) Retain(id Identity) (engine.Artifact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.Closed(errors.PhaseInstantiate, "artifact cache")
	}
	if err, ok := c.failures[id]; ok {
		return nil, err
	}
	e, ok := c.entries[id]
	if !ok {
		return nil, errors.NotFound(errors.PhaseInstantiate, "artifact", id.String())
	}
	e.refs++
	return e.art, nil
}

// Release drops a reference taken by Retain. The artifact of an evicted
// identity is closed with its last reference.
func (c *Cache) Release(ctx context.Context, id Identity, art engine.Artifact) error {
	c.mu.Lock()
	if e, ok := c.entries[id]; ok && e.art == art {
		e.refs--
		c.mu.Unlock()
		return nil
	}
	e, ok := c.evicted[art]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	e.refs--
	if e.refs > 0 {
		c.mu.Unlock()
		return nil
	}
	delete(c.evicted, art)
	c.mu.Unlock()

	return c.closeArtifact(ctx, id, art)
}

// Evict removes id from the cache. The artifact is closed now when nothing
// references it, otherwise when the last reference is released. It reports
// whether id was cached. Remembered compile failures are kept.
func (c *Cache) Evict(ctx context.Context, id Identity) (bool, error) {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		return false, nil
	}
	delete(c.entries, id)
	if e.refs > 0 {
		c.evicted[e.art] = e
		c.mu.Unlock()
		c.logger.Debug("artifact evicted while in use", zap.String("identity", id.Short()), zap.Int("refs", e.refs))
		return true, nil
	}
	c.mu.Unlock()

	return true, c.closeArtifact(ctx, id, e.art)
}

// Refs returns the number of references held on the cached artifact of id.
func (c *Cache) Refs(id Identity) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		return e.refs
	}
	return 0
}

// Identities returns the cached identities, sorted.
func (c *Cache) Identities() []Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]Identity, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of cached artifacts.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) closeArtifact(ctx context.Context, id Identity, art engine.Artifact) error {
	c.logger.Debug("closing artifact", zap.String("identity", id.Short()))
	return art.Close(ctx)
}

// Close closes every artifact, referenced or not. Instances must be closed
// before.
func (c *Cache) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	arts := make([]engine.Artifact, 0, len(c.entries)+len(c.evicted))
	for _, e := range c.entries {
		arts = append(arts, e.art)
	}
	for art := range c.evicted {
		arts = append(arts, art)
	}
	c.entries = make(map[Identity]*entry)
	c.evicted = make(map[engine.Artifact]*entry)
	c.mu.Unlock()

	var err error
	for _, art := range arts {
		err = multierr.Append(err, art.Close(ctx))
	}
	return err
}
