package pool

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-sandbox/artifact"
	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/errors"
)

// Binder resolves the imports of an artifact to host functions.
type Binder func(info *engine.Info) (engine.Bindings, error)

// GroupStats describes the instances of one identity and heap size.
type GroupStats struct {
	Identity  artifact.Identity
	HeapPages uint32
	Idle      int
	Active    int
	// Uses counts acquisitions served by the group.
	Uses uint64
	// LastUsed is the logical time of the group's latest acquire or release.
	LastUsed uint64
}

// CostFunc weighs a group for eviction. Groups with a lower cost lose their
// idle instances first; equal costs fall back to least recently used.
type CostFunc func(GroupStats) float64

// Config configures a Pool.
type Config struct {
	Policy Policy

	// Capacity bounds the live instances. Checked-out instances count but are
	// never evicted, so the bound can be exceeded while they are in use.
	// Zero means unbounded.
	Capacity int

	// MaxIdlePerIdentity bounds idle instances per group under PolicyPool.
	// Zero means Capacity.
	MaxIdlePerIdentity int

	Cost    CostFunc
	Metrics *Metrics
	Logger  *zap.Logger
}

type groupKey struct {
	id        artifact.Identity
	heapPages uint32
}

type group struct {
	key    groupKey
	idle   []*Handle // least recently used first
	active int
	uses   uint64
	last   uint64
}

func (g *group) stats() GroupStats {
	return GroupStats{
		Identity:  g.key.id,
		HeapPages: g.key.heapPages,
		Idle:      len(g.idle),
		Active:    g.active,
		Uses:      g.uses,
		LastUsed:  g.last,
	}
}

// Handle is an instance checked out of the pool. It must not be used after
// Release.
type Handle struct {
	pool  *Pool
	key   groupKey
	art   engine.Artifact
	inst  engine.Instance
	state State
	uses  int
	last  uint64
}

// Instance returns the engine instance.
func (h *Handle) Instance() engine.Instance { return h.inst }

// Identity returns the code identity the instance was created from.
func (h *Handle) Identity() artifact.Identity { return h.key.id }

// Info describes the module the instance runs.
func (h *Handle) Info() *engine.Info { return h.art.Info() }

// HeapPages returns the heap pages requested for the instance.
func (h *Handle) HeapPages() uint32 { return h.key.heapPages }

// State returns the lifecycle state.
func (h *Handle) State() State { return h.state }

// Reused reports whether the instance served an earlier acquisition.
func (h *Handle) Reused() bool { return h.uses > 1 }

// Stats is a snapshot of the pool.
type Stats struct {
	Live   int
	Idle   int
	Active int
	Groups []GroupStats
}

// Pool owns every live instance created from a cache's artifacts. It is safe
// for concurrent use; the lock covers bookkeeping only, so instantiation and
// reset run unlocked.
type Pool struct {
	cache  *artifact.Cache
	bind   Binder
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	groups map[groupKey]*group
	live   int
	idle   int
	clock  uint64
	closed bool
}

// New creates a pool instantiating artifacts of cache with bindings from bind.
func New(cache *artifact.Cache, bind Binder, cfg Config) *Pool {
	if cfg.Policy == "" {
		cfg.Policy = PolicyPool
	}
	logger := cfg.Logger
	if logger == nil {
		logger = engine.Logger()
	}
	return &Pool{
		cache:  cache,
		bind:   bind,
		cfg:    cfg,
		logger: logger,
		groups: make(map[groupKey]*group),
	}
}

// Policy returns the policy in effect for the cache's adapter.
func (p *Pool) Policy() Policy {
	return p.cfg.Policy.Effective(p.cache.Adapter().ResetStrategy())
}

func (p *Pool) tick() uint64 {
	p.clock++
	return p.clock
}

func (p *Pool) groupLocked(key groupKey) *group {
	g, ok := p.groups[key]
	if !ok {
		g = &group{key: key}
		p.groups[key] = g
	}
	return g
}

// Acquire checks out an instance of id. An idle instance is reused when the
// policy allows it, otherwise a fresh one is created.
func (p *Pool) Acquire(ctx context.Context, id artifact.Identity, heapPages uint32) (*Handle, error) {
	key := groupKey{id: id, heapPages: heapPages}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.Closed(errors.PhasePool, "pool")
	}
	g := p.groupLocked(key)
	now := p.tick()
	g.last = now
	g.uses++
	g.active++
	if n := len(g.idle); n > 0 && p.Policy() != PolicyRecreate {
		// most recently used first, its pages are the warmest
		h := g.idle[n-1]
		g.idle = g.idle[:n-1]
		p.idle--
		h.state = StateActive
		h.uses++
		h.last = now
		p.cfg.Metrics.gauges(p.live, p.idle)
		p.mu.Unlock()

		p.cfg.Metrics.acquired(OutcomeReused)
		return h, nil
	}
	p.live++
	victims := p.overCapacityLocked()
	p.cfg.Metrics.gauges(p.live, p.idle)
	p.mu.Unlock()

	_ = p.evict(ctx, victims)
	h, err := p.create(ctx, key)
	if err != nil {
		p.mu.Lock()
		g.active--
		p.live--
		p.cfg.Metrics.gauges(p.live, p.idle)
		p.dropGroupLocked(g)
		p.mu.Unlock()

		p.cfg.Metrics.acquired(OutcomeFailed)
		return nil, err
	}
	h.state = StateActive
	h.uses = 1
	h.last = now
	p.cfg.Metrics.acquired(OutcomeCreated)
	return h, nil
}

func (p *Pool) create(ctx context.Context, key groupKey) (*Handle, error) {
	art, err := p.cache.Retain(key.id)
	if err != nil {
		return nil, err
	}

	var bindings engine.Bindings
	if p.bind != nil {
		bindings, err = p.bind(art.Info())
		if err != nil {
			_ = p.cache.Release(ctx, key.id, art)
			var e *errors.Error
			if !stderrors.As(err, &e) {
				err = errors.Instantiation("bind imports", err)
			}
			return nil, errors.Annotate(err, key.id.String(), "")
		}
	}

	start := time.Now()
	inst, err := p.cache.Adapter().Instantiate(ctx, art, key.heapPages, bindings)
	if err != nil {
		_ = p.cache.Release(ctx, key.id, art)
		return nil, errors.Annotate(err, key.id.String(), "")
	}
	p.cfg.Metrics.observeInstantiate(time.Since(start).Seconds())

	p.logger.Debug("instantiated",
		zap.String("identity", key.id.Short()),
		zap.Uint32("heap_pages", key.heapPages),
		zap.Stringer("reset", inst.Strategy()))

	return &Handle{pool: p, key: key, art: art, inst: inst, state: StateFresh}, nil
}

// Release returns a checked-out instance. callErr is the outcome of the
// caller's last invocation: a trap discards the instance. Otherwise the
// instance is reset and kept when the policy allows it. Eviction triggered
// by the release only ever closes idle instances.
func (p *Pool) Release(ctx context.Context, h *Handle, callErr error) error {
	if h == nil || h.pool != p {
		return errors.InvalidInput(errors.PhasePool, "handle does not belong to this pool")
	}

	p.mu.Lock()
	if h.state != StateActive {
		state := h.state
		p.mu.Unlock()
		return errors.InvalidInput(errors.PhasePool, "release of a handle in state "+state.String())
	}
	policy := p.Policy()
	closed := p.closed
	p.mu.Unlock()

	resettable := h.inst.Strategy().Reusable()
	discard := closed || policy == PolicyRecreate || errors.IsTrap(callErr) || !resettable
	reason := "policy"
	switch {
	case closed:
		reason = "pool closed"
	case errors.IsTrap(callErr):
		reason = "trap"
	case !resettable:
		reason = "not resettable"
	}

	if !discard {
		start := time.Now()
		if err := h.inst.Reset(ctx); err != nil {
			discard = true
			reason = "reset failed"
			p.logger.Warn("reset failed, discarding instance",
				zap.String("identity", h.key.id.Short()), zap.Error(err))
		} else {
			p.cfg.Metrics.observeReset(time.Since(start).Seconds())
		}
	}

	var victims []*Handle
	p.mu.Lock()
	g := p.groupLocked(h.key)
	g.active--
	g.last = p.tick()
	h.last = g.last
	kept := !discard && !p.closed
	if kept {
		h.state = StateIdle
		g.idle = append(g.idle, h)
		p.idle++
		// h may itself be trimmed; it is then closed with the victims
		victims = p.trimLocked(g, policy)
	} else {
		h.state = StateDiscarded
		p.live--
		p.dropGroupLocked(g)
	}
	p.cfg.Metrics.gauges(p.live, p.idle)
	p.mu.Unlock()

	var err error
	if !kept {
		p.cfg.Metrics.released(OutcomeDiscarded, 1)
		if reason != "policy" {
			p.logger.Debug("discarding instance", zap.String("identity", h.key.id.Short()), zap.String("reason", reason))
		}
		err = p.destroy(ctx, h)
	} else {
		p.cfg.Metrics.released(OutcomePooled, 1)
	}
	return multierr.Append(err, p.evict(ctx, victims))
}

// trimLocked removes idle instances beyond the per-group and total bounds and
// returns them for closing.
func (p *Pool) trimLocked(g *group, policy Policy) []*Handle {
	var victims []*Handle

	maxIdle := p.cfg.MaxIdlePerIdentity
	if policy == PolicyReset {
		maxIdle = 1
	}
	if maxIdle == 0 {
		maxIdle = p.cfg.Capacity
	}
	if maxIdle > 0 {
		for len(g.idle) > maxIdle {
			victims = append(victims, p.popOldestLocked(g))
		}
	}

	return append(victims, p.overCapacityLocked()...)
}

// overCapacityLocked removes idle instances while more instances are live
// than the capacity allows.
func (p *Pool) overCapacityLocked() []*Handle {
	if p.cfg.Capacity <= 0 {
		return nil
	}
	var victims []*Handle
	for p.live > p.cfg.Capacity {
		g := p.victimLocked()
		if g == nil {
			// everything left is checked out
			break
		}
		victims = append(victims, p.popOldestLocked(g))
	}
	return victims
}

func (p *Pool) evict(ctx context.Context, victims []*Handle) error {
	p.cfg.Metrics.released(OutcomeEvicted, len(victims))
	var err error
	for _, v := range victims {
		if cerr := p.destroy(ctx, v); cerr != nil {
			p.logger.Warn("close evicted instance", zap.String("identity", v.key.id.Short()), zap.Error(cerr))
			err = multierr.Append(err, cerr)
		}
	}
	return err
}

func (p *Pool) popOldestLocked(g *group) *Handle {
	h := g.idle[0]
	g.idle[0] = nil
	g.idle = g.idle[1:]
	h.state = StateDiscarded
	p.idle--
	p.live--
	p.dropGroupLocked(g)
	return h
}

// victimLocked picks the group to evict from: the lowest cost, then the
// least recently used.
func (p *Pool) victimLocked() *group {
	var best *group
	var bestCost float64
	for _, g := range p.groups {
		if len(g.idle) == 0 {
			continue
		}
		var cost float64
		if p.cfg.Cost != nil {
			cost = p.cfg.Cost(g.stats())
		}
		if best == nil || cost < bestCost || (cost == bestCost && g.last < best.last) {
			best, bestCost = g, cost
		}
	}
	return best
}

func (p *Pool) dropGroupLocked(g *group) {
	if len(g.idle) == 0 && g.active == 0 {
		delete(p.groups, g.key)
	}
}

func (p *Pool) destroy(ctx context.Context, h *Handle) error {
	err := h.inst.Close(ctx)
	return multierr.Append(err, p.cache.Release(ctx, h.key.id, h.art))
}

// Purge closes the idle instances of id. It fails without closing anything
// when an instance of id is checked out.
func (p *Pool) Purge(ctx context.Context, id artifact.Identity) (int, error) {
	var victims []*Handle

	p.mu.Lock()
	for key, g := range p.groups {
		if key.id == id && g.active > 0 {
			p.mu.Unlock()
			return 0, errors.New(errors.PhasePool, errors.KindInvalidInput).
				Identity(id.String()).
				Detail("%d instance(s) checked out", g.active).
				Build()
		}
	}
	for key, g := range p.groups {
		if key.id != id {
			continue
		}
		for len(g.idle) > 0 {
			victims = append(victims, p.popOldestLocked(g))
		}
	}
	p.cfg.Metrics.gauges(p.live, p.idle)
	p.mu.Unlock()

	return len(victims), p.evict(ctx, victims)
}

// InUse reports whether an instance of id is checked out.
func (p *Pool) InUse(id artifact.Identity) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, g := range p.groups {
		if key.id == id && g.active > 0 {
			return true
		}
	}
	return false
}

// Stats returns a snapshot of the pool, groups sorted by identity and heap
// pages.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{Live: p.live, Idle: p.idle}
	for _, g := range p.groups {
		s.Active += g.active
		s.Groups = append(s.Groups, g.stats())
	}
	sort.Slice(s.Groups, func(i, j int) bool {
		a, b := s.Groups[i], s.Groups[j]
		if a.Identity != b.Identity {
			return a.Identity < b.Identity
		}
		return a.HeapPages < b.HeapPages
	})
	return s
}

// Close closes every idle instance. Instances still checked out are closed
// when released.
func (p *Pool) Close(ctx context.Context) error {
	var victims []*Handle

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, g := range p.groups {
		for len(g.idle) > 0 {
			victims = append(victims, p.popOldestLocked(g))
		}
	}
	p.cfg.Metrics.gauges(p.live, p.idle)
	p.mu.Unlock()

	var err error
	for _, v := range victims {
		err = multierr.Append(err, p.destroy(ctx, v))
	}
	return err
}
