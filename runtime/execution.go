package runtime

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-sandbox/artifact"
	"github.com/wippyai/wasm-sandbox/errors"
)

// State is the state of one execution.
type State int

const (
	// StateIdle is an execution not yet started.
	StateIdle State = iota
	// StateDispatching acquires an instance and marshals arguments.
	StateDispatching
	// StateRunning executes guest code, possibly calling host functions.
	StateRunning
	// StateCompleted is terminal: the call returned results.
	StateCompleted
	// StateTrapped is terminal: the call failed.
	StateTrapped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDispatching:
		return "dispatching"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateTrapped:
		return "trapped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateTrapped
}

var transitions = map[State][]State{
	StateIdle:        {StateDispatching},
	StateDispatching: {StateRunning, StateTrapped},
	StateRunning:     {StateCompleted, StateTrapped},
}

// Observer is called after every transition of an execution.
type Observer func(e *Execution, from, to State)

// Execution tracks one call through the runtime. It is owned by the calling
// goroutine.
type Execution struct {
	identity  artifact.Identity
	function  string
	state     State
	results   []uint64
	err       error
	started   time.Time
	elapsed   time.Duration
	observers []Observer
}

// NewExecution creates an idle execution of function in identity.
func NewExecution(identity artifact.Identity, function string, observers ...Observer) *Execution {
	return &Execution{identity: identity, function: function, observers: observers}
}

func (r *Runtime) newExecution(id artifact.Identity, fn string) *Execution {
	return NewExecution(id, fn, r.observers...)
}

func (e *Execution) Identity() artifact.Identity { return e.identity }
func (e *Execution) Function() string            { return e.function }
func (e *Execution) State() State                { return e.state }

// Results returns the results of a completed execution.
func (e *Execution) Results() []uint64 { return e.results }

// Err returns the failure of a trapped execution.
func (e *Execution) Err() error { return e.err }

// Elapsed returns the time from dispatching to the terminal state.
func (e *Execution) Elapsed() time.Duration { return e.elapsed }

// transition moves e to the next state. An illegal transition is a bug in
// the caller and panics.
func (e *Execution) transition(to State) {
	from := e.state
	legal := false
	for _, s := range transitions[from] {
		if s == to {
			legal = true
			break
		}
	}
	if !legal {
		panic(fmt.Sprintf("runtime: illegal execution transition %s -> %s", from, to))
	}

	now := time.Now()
	if to == StateDispatching {
		e.started = now
	}
	if to.Terminal() {
		e.elapsed = now.Sub(e.started)
	}
	e.state = to
	for _, obs := range e.observers {
		obs(e, from, to)
	}
}

// finish moves e to its terminal state.
func (e *Execution) finish(results []uint64, err error) {
	if err != nil {
		e.err = err
		e.transition(StateTrapped)
		return
	}
	e.results = results
	e.transition(StateCompleted)
}

// LogObserver logs terminal transitions: completions at debug level,
// failures at info level, traps with their cause.
func LogObserver(l *zap.Logger) Observer {
	return func(e *Execution, _, to State) {
		if !to.Terminal() {
			return
		}
		fields := []zap.Field{
			zap.String("identity", e.identity.Short()),
			zap.String("function", e.function),
			zap.Duration("elapsed", e.elapsed),
		}
		if to == StateCompleted {
			l.Debug("call completed", fields...)
			return
		}
		if errors.IsTrap(e.err) {
			fields = append(fields, zap.String("trap", string(errors.CauseOf(e.err))))
		}
		l.Info("call failed", append(fields, zap.Error(e.err))...)
	}
}
