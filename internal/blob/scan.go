package blob

import (
	"bytes"
	"fmt"
	"io"

	"github.com/tetratelabs/wabin/leb128"
	"github.com/tetratelabs/wabin/wasm"
)

// residualState reports whether any function body drops a segment or writes
// a table. A reset restores memory and globals only. A body that cannot be
// walked counts as writing.
func residualState(code []*wasm.Code) bool {
	for _, c := range code {
		writes, err := scanBody(c.Body)
		if err != nil || writes {
			return true
		}
	}
	return false
}

// scanBody walks the instructions of one function body.
func scanBody(body []byte) (bool, error) {
	r := bytes.NewReader(body)
	for r.Len() > 0 {
		op, _ := r.ReadByte()
		switch op {
		case wasm.OpcodeTableSet:
			return true, nil
		case wasm.OpcodeMiscPrefix:
			sub, _, err := leb128.DecodeUint32(r)
			if err != nil {
				return false, err
			}
			switch sub {
			case uint32(wasm.OpcodeMiscDataDrop), uint32(wasm.OpcodeMiscElemDrop),
				uint32(wasm.OpcodeMiscTableInit), uint32(wasm.OpcodeMiscTableCopy),
				uint32(wasm.OpcodeMiscTableGrow), uint32(wasm.OpcodeMiscTableFill):
				return true, nil
			}
			if err := skipMisc(r, sub); err != nil {
				return false, err
			}
		case wasm.OpcodeVecPrefix:
			sub, _, err := leb128.DecodeUint32(r)
			if err != nil {
				return false, err
			}
			if err := skipVec(r, sub); err != nil {
				return false, err
			}
		default:
			if err := skipImmediates(r, op); err != nil {
				return false, err
			}
		}
	}
	return false, nil
}

func skipImmediates(r *bytes.Reader, op byte) error {
	switch {
	case op == wasm.OpcodeBlock || op == wasm.OpcodeLoop || op == wasm.OpcodeIf:
		_, _, err := leb128.DecodeInt33AsInt64(r)
		return err
	case op == wasm.OpcodeBr || op == wasm.OpcodeBrIf || op == wasm.OpcodeCall ||
		op == wasm.OpcodeTableGet || op == wasm.OpcodeRefFunc ||
		op >= wasm.OpcodeLocalGet && op <= wasm.OpcodeGlobalSet:
		return skipU32(r, 1)
	case op == wasm.OpcodeCallIndirect:
		return skipU32(r, 2)
	case op == wasm.OpcodeBrTable:
		n, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return err
		}
		return skipU32(r, int(n)+1)
	case op == wasm.OpcodeTypedSelect:
		n, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return err
		}
		return skip(r, int(n))
	case op >= wasm.OpcodeI32Load && op <= wasm.OpcodeI64Store32:
		return skipU32(r, 2)
	case op == wasm.OpcodeMemorySize || op == wasm.OpcodeMemoryGrow || op == wasm.OpcodeRefNull:
		return skip(r, 1)
	case op == wasm.OpcodeI32Const:
		_, _, err := leb128.DecodeInt32(r)
		return err
	case op == wasm.OpcodeI64Const:
		_, _, err := leb128.DecodeInt64(r)
		return err
	case op == wasm.OpcodeF32Const:
		return skip(r, 4)
	case op == wasm.OpcodeF64Const:
		return skip(r, 8)
	case op == wasm.OpcodeUnreachable || op == wasm.OpcodeNop || op == wasm.OpcodeElse ||
		op == wasm.OpcodeEnd || op == wasm.OpcodeReturn || op == wasm.OpcodeDrop ||
		op == wasm.OpcodeSelect || op == wasm.OpcodeRefIsNull:
		return nil
	case op >= wasm.OpcodeI32Eqz && op <= wasm.OpcodeI64Extend32S:
		// numeric instructions take no immediates
		return nil
	}
	return fmt.Errorf("unknown opcode %#x", op)
}

func skipMisc(r *bytes.Reader, sub uint32) error {
	switch sub {
	case uint32(wasm.OpcodeMiscMemoryInit):
		if err := skipU32(r, 1); err != nil {
			return err
		}
		return skip(r, 1)
	case uint32(wasm.OpcodeMiscMemoryCopy):
		return skip(r, 2)
	case uint32(wasm.OpcodeMiscMemoryFill):
		return skip(r, 1)
	case uint32(wasm.OpcodeMiscTableSize):
		return skipU32(r, 1)
	}
	if sub <= uint32(wasm.OpcodeMiscI64TruncSatF64U) {
		return nil
	}
	return fmt.Errorf("unknown misc opcode %#x", sub)
}

func skipVec(r *bytes.Reader, sub uint32) error {
	switch {
	case sub <= uint32(wasm.OpcodeVecV128Store),
		sub == uint32(wasm.OpcodeVecV128Load32zero), sub == uint32(wasm.OpcodeVecV128Load64zero):
		return skipU32(r, 2)
	case sub == uint32(wasm.OpcodeVecV128Const), sub == uint32(wasm.OpcodeVecV128i8x16Shuffle):
		return skip(r, 16)
	case sub >= uint32(wasm.OpcodeVecI8x16ExtractLaneS) && sub <= uint32(wasm.OpcodeVecF64x2ReplaceLane):
		return skip(r, 1)
	case sub >= uint32(wasm.OpcodeVecV128Load8Lane) && sub <= uint32(wasm.OpcodeVecV128Store64Lane):
		if err := skipU32(r, 2); err != nil {
			return err
		}
		return skip(r, 1)
	case sub <= 0xff:
		return nil
	}
	return fmt.Errorf("unknown vector opcode %#x", sub)
}

func skipU32(r *bytes.Reader, n int) error {
	for ; n > 0; n-- {
		if _, _, err := leb128.DecodeUint32(r); err != nil {
			return err
		}
	}
	return nil
}

func skip(r *bytes.Reader, n int) error {
	if n > r.Len() {
		return fmt.Errorf("immediate of %d bytes past the end of the body", n)
	}
	_, err := r.Seek(int64(n), io.SeekCurrent)
	return err
}
