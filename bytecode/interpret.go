package bytecode

import (
	"encoding/binary"
	"fmt"

	"github.com/coregx/contentfilter/automaton/nfa"
)

// Match runs program against url under queryFlags, returning the set of
// triggered action keys. The caller decodes each key's offset against
// its own copy of the action buffer; Match itself never touches the
// action buffer.
//
// program may be nil or empty (an empty rule list compiles to an empty
// program): Match then returns an empty set.
func Match(program []byte, url []byte, queryFlags uint16) (map[uint64]struct{}, error) {
	result := make(map[uint64]struct{})
	pos := 0
	for pos < len(program) {
		if pos+subProgramHeaderSize > len(program) {
			return nil, fmt.Errorf("bytecode: truncated sub-program header at offset %d", pos)
		}
		length := int(binary.LittleEndian.Uint32(program[pos : pos+subProgramHeaderSize]))
		start := pos + subProgramHeaderSize
		end := start + length
		if end > len(program) {
			return nil, fmt.Errorf("bytecode: truncated sub-program body at offset %d", pos)
		}
		if err := runSubProgram(program[start:end], url, queryFlags, result); err != nil {
			return nil, err
		}
		pos = end
	}
	return result, nil
}

// runSubProgram executes one DFA's compiled instruction stream against
// url, starting at PC 0 and consuming one input byte per successful
// Check. Unconsumed input at Terminate simply means this sub-program
// found no further match; it never errors.
func runSubProgram(sub []byte, url []byte, queryFlags uint16, result map[uint64]struct{}) error {
	pc := 0
	urlPos := 0

	for {
		if pc >= len(sub) {
			return fmt.Errorf("bytecode: PC %d ran off the end of a %d-byte sub-program", pc, len(sub))
		}
		op := sub[pc]
		switch op {
		case OpAppendAction:
			offset := binary.LittleEndian.Uint32(sub[pc+1 : pc+5])
			result[uint64(offset)] = struct{}{}
			pc += 5

		case OpTestFlagsAndAppend:
			mask := binary.LittleEndian.Uint16(sub[pc+1 : pc+3])
			offset := binary.LittleEndian.Uint32(sub[pc+3 : pc+7])
			if queryFlags&mask == mask {
				result[uint64(mask)<<32|uint64(offset)] = struct{}{}
			}
			pc += 7

		case OpJump:
			pc = int(readU24(sub[pc+1 : pc+4]))

		case OpTerminate:
			return nil

		case OpCheckValueCaseSens, OpCheckValueCaseInsens, OpCheckRange, OpCheckRangeCaseInsens:
			consumed, jumpTarget, instrLen := decodeCheck(sub, pc)
			b, ok := inputByte(url, urlPos)
			if ok && matches(op, b, consumed.lo, consumed.hi) {
				pc = int(jumpTarget)
				urlPos++
				continue
			}
			pc += instrLen

		default:
			return fmt.Errorf("bytecode: unknown opcode %#x at PC %d", op, pc)
		}
	}
}

// inputByte returns the byte at pos, treating one position past the end
// of url as nfa.SentinelByte (the synthetic end-of-URL symbol `$`
// anchors compile against) and any further position as "no input"
// (ok=false).
func inputByte(url []byte, pos int) (byte, bool) {
	if pos < len(url) {
		return url[pos], true
	}
	if pos == len(url) {
		return nfa.SentinelByte, true
	}
	return 0, false
}

type checkOperands struct{ lo, hi byte }

// decodeCheck reads a Check* instruction at sub[pc:], returning its
// byte operands, absolute jump target, and total instruction length.
func decodeCheck(sub []byte, pc int) (checkOperands, uint32, int) {
	op := sub[pc]
	if op == OpCheckValueCaseSens || op == OpCheckValueCaseInsens {
		value := sub[pc+1]
		target := readU24(sub[pc+2 : pc+5])
		return checkOperands{lo: value, hi: value}, target, 5
	}
	lo, hi := sub[pc+1], sub[pc+2]
	target := readU24(sub[pc+3 : pc+6])
	return checkOperands{lo: lo, hi: hi}, target, 6
}

func matches(op byte, b, lo, hi byte) bool {
	if op == OpCheckValueCaseInsens || op == OpCheckRangeCaseInsens {
		b = foldLower(b)
	}
	return b >= lo && b <= hi
}

func foldLower(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + 32
	}
	return b
}

func readU24(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}
