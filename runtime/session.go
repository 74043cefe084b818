package runtime

import (
	"context"

	"go.uber.org/zap"

	wasmsandbox "github.com/wippyai/wasm-sandbox"
	"github.com/wippyai/wasm-sandbox/artifact"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/memory"
	"github.com/wippyai/wasm-sandbox/pool"
)

// Session is one instance checked out for several calls. Memory and globals
// persist between its calls. It must be used by a single goroutine and
// released exactly once.
type Session struct {
	runtime *Runtime
	handle  *pool.Handle
	trap    error
	done    bool
}

// Identity returns the code identity of the instance.
func (s *Session) Identity() artifact.Identity { return s.handle.Identity() }

// Reused reports whether the instance served an earlier acquisition.
func (s *Session) Reused() bool { return s.handle.Reused() }

// Call runs the export fn. After a trap the instance is unusable and every
// further call fails.
func (s *Session) Call(ctx context.Context, fn string, args []uint64) ([]uint64, error) {
	if s.done {
		return nil, errors.Closed(errors.PhaseExecute, "session")
	}
	if s.trap != nil {
		return nil, errors.New(errors.PhaseExecute, errors.KindClosed).
			Identity(s.Identity().String()).
			Function(fn).
			Detail("instance trapped in an earlier call").
			Cause(s.trap).
			Build()
	}

	ex := s.runtime.newExecution(s.Identity(), fn)
	ex.transition(StateDispatching)
	out, err := s.runtime.run(ctx, ex, s.handle, fn, args)
	if err != nil {
		if errors.IsTrap(err) {
			s.trap = err
		}
		return nil, errors.Annotate(err, s.Identity().String(), fn)
	}
	return out, nil
}

// Memory returns the instance memory, nil for modules without one.
func (s *Session) Memory() *memory.Bridge {
	if s.done {
		return nil
	}
	return s.handle.Instance().Memory()
}

// Global reads an exported global.
func (s *Session) Global(name string) (uint64, error) {
	if s.done {
		return 0, errors.Closed(errors.PhaseExecute, "session")
	}
	return s.handle.Instance().Global(name)
}

// Allocator returns an allocator delegating to the guest's exports.
func (s *Session) Allocator(ctx context.Context) (*GuestAllocator, error) {
	if s.done {
		return nil, errors.Closed(errors.PhaseExecute, "session")
	}
	a, err := NewGuestAllocator(s.handle.Instance(), s.handle.Info())
	if err != nil {
		return nil, errors.Annotate(err, s.Identity().String(), "")
	}
	a = a.WithContext(ctx)
	a.onTrap = func(err error) {
		if s.trap == nil {
			s.trap = err
		}
	}
	return a, nil
}

// Release returns the instance to the runtime. A trapped instance is
// discarded.
func (s *Session) Release(ctx context.Context) error {
	if s.done {
		return errors.InvalidInput(errors.PhasePool, "session already released")
	}
	s.done = true
	err := s.runtime.pool.Release(ctx, s.handle, s.trap)
	if err != nil {
		s.runtime.logger.Warn("release session", zap.String("identity", s.Identity().Short()), zap.Error(err))
	}
	return err
}

var (
	_ wasmsandbox.Memory       = (*memory.Bridge)(nil)
	_ wasmsandbox.MemorySizer  = (*memory.Bridge)(nil)
	_ wasmsandbox.HeapReporter = (*memory.Bridge)(nil)
)
