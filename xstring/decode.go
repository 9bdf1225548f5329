// Package xstring implements the partial x86 decoder the fast-forward core
// needs: classify the instruction at a tracee's IP as one of the ten
// REP-prefixable string opcodes, or report that it isn't one. It is not a
// general disassembler (that's an explicit non-goal); it only ever looks at
// a handful of prefix bytes followed by one opcode byte.
package xstring

import "github.com/replaydbg/ffcore/task"

// MaxPrefetch is how many bytes are read from IP before decoding. 32 is
// generous: a supported instruction is typically a few prefixes (0x66,
// 0xF2/0xF3, and REX.W on x86_64) plus the opcode byte, with headroom.
const MaxPrefetch = 32

// InstructionBuf is the raw bytes prefetched from a tracee's IP, along with
// the architecture they were read under (decoding is arch-sensitive: REX.W
// is only legal on x86_64).
type InstructionBuf struct {
	Arch Arch
	Code []byte
}

// Arch is a narrower view of task.Arch: only the two values the decoder
// treats differently ever reach it.
type Arch = task.Arch

// Decoded describes one recognized string instruction.
type Decoded struct {
	// OperandSize is the width, in bytes, of one iteration's memory access:
	// 1, 2, 4, or 8.
	OperandSize int
	// Length is the total instruction length: prefix bytes plus the one
	// opcode byte. IP+Length is the address of the following instruction.
	Length int
	// ModifiesFlags is true for CMPS/SCAS, which terminate their REP loop
	// early when ZF changes, and false for MOVS/STOS/LODS.
	ModifiesFlags bool
}

// opcode bytes, see SPEC_FULL.md §4.1.
const (
	opMovsb = 0xA4
	opMovsw = 0xA5
	opStosb = 0xAA
	opStosw = 0xAB
	opLodsb = 0xAC
	opLodsw = 0xAD
	opCmpsb = 0xA6
	opCmpsw = 0xA7
	opScasb = 0xAE
	opScasw = 0xAF

	prefixOperandSize = 0x66
	prefixREXW        = 0x48
	prefixREPNE       = 0xF2
	prefixREP         = 0xF3
)

// Decode classifies the instruction at the start of buf. It returns
// ok == false if the byte stream isn't a REP/REPNE-prefixed string
// instruction from the supported set — any unrecognized byte, including a
// recognized string opcode with no REP prefix, aborts decoding rather than
// guessing.
func Decode(buf InstructionBuf) (Decoded, bool) {
	var (
		sawOperandPrefix bool
		sawREPPrefix     bool
		sawREXW          bool
		decoded          Decoded
	)

	i := 0
	for ; i < len(buf.Code); i++ {
		b := buf.Code[i]
		switch b {
		case prefixOperandSize:
			sawOperandPrefix = true
			continue
		case prefixREXW:
			if buf.Arch != task.ArchX86_64 {
				return Decoded{}, false
			}
			sawREXW = true
			continue
		case prefixREPNE, prefixREP:
			sawREPPrefix = true
			continue
		case opMovsb, opMovsw, opStosb, opStosw, opLodsb, opLodsw:
			decoded.ModifiesFlags = false
		case opCmpsb, opCmpsw, opScasb, opScasw:
			decoded.ModifiesFlags = true
		default:
			return Decoded{}, false
		}
		break
	}
	if i == len(buf.Code) {
		// ran out of prefetched bytes without finding an opcode
		return Decoded{}, false
	}
	if !sawREPPrefix {
		return Decoded{}, false
	}

	decoded.Length = i + 1
	if buf.Code[i]&1 == 0 {
		decoded.OperandSize = 1
	} else if sawREXW {
		decoded.OperandSize = 8
	} else if sawOperandPrefix {
		decoded.OperandSize = 2
	} else {
		decoded.OperandSize = 4
	}
	return decoded, true
}
