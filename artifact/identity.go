package artifact

import (
	_ "crypto/sha256" // registers the digest algorithm
	"encoding/binary"
	"fmt"

	"github.com/opencontainers/go-digest"

	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/errors"
)

// InstrumentationVersion changes whenever module instrumentation produces
// different code for the same input.
const InstrumentationVersion = 2

// Identity is the content address of a compiled module, "sha256:<hex>".
// The zero value is invalid.
type Identity string

// NewIdentity derives the identity of code compiled by engineName with cfg.
func NewIdentity(code []byte, engineName string, cfg engine.CompileConfig) Identity {
	d := digest.SHA256.Digester()
	h := d.Hash()
	h.Write(code)

	var buf [4]byte
	h.Write([]byte{0})
	h.Write([]byte(engine.Canonical(engineName)))
	h.Write([]byte{0})
	for _, v := range []uint32{cfg.HeapPages, cfg.ExtraHeapPages, InstrumentationVersion} {
		binary.LittleEndian.PutUint32(buf[:], v)
		h.Write(buf[:])
	}
	h.Write([]byte(cfg.OptLevel))
	return Identity(d.Digest())
}

// Parse validates s and returns it as an Identity.
func Parse(s string) (Identity, error) {
	d, err := digest.Parse(s)
	if err != nil {
		return "", errors.Wrap(errors.PhaseCompile, errors.KindInvalidInput, err, fmt.Sprintf("invalid identity %q", s))
	}
	return Identity(d), nil
}

func (id Identity) String() string { return string(id) }

// Digest returns the identity as a digest.
func (id Identity) Digest() digest.Digest { return digest.Digest(id) }

// Validate reports whether id is a well formed digest.
func (id Identity) Validate() error {
	return id.Digest().Validate()
}

// Short returns the first 12 hex characters, for logs.
func (id Identity) Short() string {
	hex := id.Digest().Encoded()
	if len(hex) > 12 {
		return hex[:12]
	}
	return hex
}
