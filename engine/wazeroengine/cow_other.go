//go:build !linux

package wazeroengine

import (
	"fmt"

	"github.com/wippyai/wasm-sandbox/memory"
)

const cowSupported = false

type image struct{}

func newImage(*memory.Snapshot, uint32) (*image, error) {
	return nil, fmt.Errorf("copy-on-write memory is only available on linux")
}

func (*image) mapPrivate(uint64) (*cowMemory, error) {
	return nil, fmt.Errorf("copy-on-write memory is only available on linux")
}

func (*image) close() error { return nil }

type cowMemory struct{}

func (*cowMemory) Reallocate(uint64) []byte { return nil }
func (*cowMemory) Decommit() error          { return nil }
func (*cowMemory) Free()                    {}
func (*cowMemory) free()                    {}
