package blob

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanBody(t *testing.T) {
	tests := []struct {
		name   string
		body   []byte
		writes bool
	}{
		{"empty", []byte{0x0b}, false},
		{"arith", []byte{0x20, 0x00, 0x41, 0x7f, 0x6a, 0x0b}, false},
		{"block with type", []byte{0x02, 0x7f, 0x41, 0x01, 0x0b, 0x1a, 0x0b}, false},
		{"br_table", []byte{0x02, 0x40, 0x41, 0x00, 0x0e, 0x02, 0x00, 0x00, 0x00, 0x0b, 0x0b}, false},
		{"load and store", []byte{0x41, 0x00, 0x41, 0x01, 0x36, 0x02, 0x10, 0x0b}, false},
		{"f64 const", []byte{0x44, 0, 0, 0, 0, 0, 0, 0xf0, 0x3f, 0x1a, 0x0b}, false},
		{"call_indirect", []byte{0x41, 0x00, 0x11, 0x00, 0x00, 0x0b}, false},
		{"memory.init", []byte{0x41, 0x00, 0x41, 0x00, 0x41, 0x04, 0xfc, 0x08, 0x00, 0x00, 0x0b}, false},
		{"memory.fill", []byte{0x41, 0x00, 0x41, 0x00, 0x41, 0x04, 0xfc, 0x0b, 0x00, 0x0b}, false},
		{"v128.const", append(append([]byte{0xfd, 0x0c}, make([]byte, 16)...), 0x1a, 0x0b), false},
		{"data.drop", []byte{0xfc, 0x09, 0x00, 0x0b}, true},
		{"elem.drop", []byte{0xfc, 0x0d, 0x00, 0x0b}, true},
		{"table.set", []byte{0x41, 0x00, 0xd0, 0x70, 0x26, 0x00, 0x0b}, true},
		{"table.grow", []byte{0xd0, 0x70, 0x41, 0x01, 0xfc, 0x0f, 0x00, 0x1a, 0x0b}, true},
		{"table.copy", []byte{0x41, 0x00, 0x41, 0x01, 0x41, 0x01, 0xfc, 0x0e, 0x00, 0x00, 0x0b}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writes, err := scanBody(tt.body)
			require.NoError(t, err)
			assert.Equal(t, tt.writes, writes)
		})
	}
}

func TestScanBody_Malformed(t *testing.T) {
	_, err := scanBody([]byte{0x44, 0x00, 0x00})
	assert.Error(t, err)

	_, err = scanBody([]byte{0x06})
	assert.Error(t, err)
}
