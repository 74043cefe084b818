package runtime

import (
	"context"

	"go.uber.org/zap"

	wasmsandbox "github.com/wippyai/wasm-sandbox"
	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/errors"
)

const (
	cabiRealloc   = "cabi_realloc"
	cabiFree      = "cabi_free"
	legacyRealloc = "canonical_abi_realloc"
	legacyAlloc   = "allocate"
	simpleAlloc   = "alloc"
	legacyDealloc = "deallocate"
	simpleFree    = "free"
)

// GuestAllocator allocates in linear memory by calling the guest's own
// allocator exports. The sandbox never manages guest memory itself.
type GuestAllocator struct {
	inst     engine.Instance
	ctx      context.Context
	alloc    string
	free     string
	freeArgs int
	// realloc style allocators take (old ptr, old size, align, new size)
	realloc bool
	onTrap  func(error)
}

// NewGuestAllocator looks up the allocator exports of a module: cabi_realloc
// first, then canonical_abi_realloc, allocate and alloc. Freeing uses
// cabi_free, deallocate or free when exported and is a no-op otherwise.
func NewGuestAllocator(inst engine.Instance, info *engine.Info) (*GuestAllocator, error) {
	a := &GuestAllocator{inst: inst, ctx: context.Background()}

	for _, name := range []string{cabiRealloc, legacyRealloc, legacyAlloc, simpleAlloc} {
		sig, ok := info.Export(name)
		if !ok || len(sig.Results) != 1 || sig.Results[0] != engine.ValueTypeI32 {
			continue
		}
		switch len(sig.Params) {
		case 1:
			a.alloc = name
		case 4:
			a.alloc, a.realloc = name, true
		default:
			continue
		}
		break
	}
	if a.alloc == "" {
		return nil, errors.NotFound(errors.PhaseMemory, "allocator export", cabiRealloc)
	}

	for _, name := range []string{cabiFree, legacyDealloc, simpleFree} {
		if sig, ok := info.Export(name); ok && len(sig.Params) >= 1 && len(sig.Params) <= 3 {
			a.free, a.freeArgs = name, len(sig.Params)
			break
		}
	}
	return a, nil
}

// WithContext returns a copy of a calling the guest with ctx.
func (a *GuestAllocator) WithContext(ctx context.Context) *GuestAllocator {
	cp := *a
	cp.ctx = ctx
	return &cp
}

// Alloc allocates size bytes. align is only honoured by realloc style
// allocators.
func (a *GuestAllocator) Alloc(size, align uint32) (uint32, error) {
	args := []uint64{uint64(size)}
	if a.realloc {
		args = []uint64{0, 0, uint64(align), uint64(size)}
	}
	out, err := a.inst.Invoke(a.ctx, a.alloc, args)
	if err != nil {
		a.trapped(err)
		return 0, err
	}
	ptr := uint32(out[0])
	if ptr == 0 && size > 0 {
		return 0, errors.New(errors.PhaseMemory, errors.KindMemoryLimit).
			Function(a.alloc).
			Detail("guest allocator returned null for %d bytes", size).
			Build()
	}
	return ptr, nil
}

// Free releases ptr. Failures are logged; the guest may leak.
func (a *GuestAllocator) Free(ptr, size, align uint32) {
	if a.free == "" || ptr == 0 {
		return
	}
	args := []uint64{uint64(ptr), uint64(size), uint64(align)}[:a.freeArgs]
	if _, err := a.inst.Invoke(a.ctx, a.free, args); err != nil {
		a.trapped(err)
		engine.Logger().Warn("guest free failed",
			zap.String("function", a.free),
			zap.Uint32("ptr", ptr),
			zap.Uint32("size", size),
			zap.Error(err))
	}
}

func (a *GuestAllocator) trapped(err error) {
	if a.onTrap != nil && errors.IsTrap(err) {
		a.onTrap(err)
	}
}

var _ wasmsandbox.Allocator = (*GuestAllocator)(nil)
