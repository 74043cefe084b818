package pool

import (
	"fmt"
	"strings"

	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/errors"
)

// Policy is the instance reuse policy.
type Policy string

const (
	// PolicyRecreate instantiates for every call.
	PolicyRecreate Policy = "recreate"
	// PolicyReset keeps one idle instance per identity and resets it.
	PolicyReset Policy = "reset"
	// PolicyPool keeps up to MaxIdlePerIdentity idle instances per identity.
	PolicyPool Policy = "pool"
)

// ParsePolicy parses a policy name, case-insensitively.
func ParsePolicy(s string) (Policy, error) {
	p := Policy(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case PolicyRecreate, PolicyReset, PolicyPool:
		return p, nil
	}
	return "", errors.InvalidInput(errors.PhaseConfig,
		fmt.Sprintf("unknown instance reuse policy %q (want recreate, reset or pool)", s))
}

// Effective returns the policy actually applied with an adapter whose
// instances reset with strategy. Adapters that cannot reset always recreate.
func (p Policy) Effective(strategy engine.ResetStrategy) Policy {
	if !strategy.Reusable() {
		return PolicyRecreate
	}
	return p
}

// State is the lifecycle state of a pooled instance.
type State int

const (
	// StateFresh is a newly instantiated instance not yet handed out.
	StateFresh State = iota
	// StateActive is checked out by a caller.
	StateActive
	// StateIdle is reset and waiting for reuse.
	StateIdle
	// StateDiscarded is closed.
	StateDiscarded
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	case StateDiscarded:
		return "discarded"
	}
	return fmt.Sprintf("State(%d)", int(s))
}
