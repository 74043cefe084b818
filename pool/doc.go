// Package pool keeps engine instances between calls.
//
// Instances are grouped by code identity and heap pages. A Handle is checked
// out to exactly one caller between Acquire and Release. On Release the
// instance is discarded when the call trapped, when the policy is recreate,
// when its module keeps state a reset cannot restore, or when its reset
// fails. Otherwise it is reset and kept idle.
//
// Only idle instances are ever evicted. When more instances are live than
// the configured capacity, the pool evicts from the least recently used
// identity first, or from the identity with the lowest cost when a CostFunc
// is set, and inside it the least recently used instance.
package pool
