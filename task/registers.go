package task

// Registers is a snapshot of the subset of the tracee's register file the
// fast-forward core (and its callers' target-state comparisons) care about.
// It intentionally carries more than IP/CX/SI/DI/DF: Matches compares the
// full general-purpose set, mirroring the reference debugger's
// Registers::matches(), which compares the entire register file rather than
// just the handful of registers the bounding arithmetic touches.
type Registers struct {
	Arch Arch

	IPVal uint64
	AX    uint64
	BX    uint64
	CXVal uint64
	DX    uint64
	SIVal uint64
	DIVal uint64
	BP    uint64
	SP    uint64

	// x86_64-only extended registers; zero and ignored on x86.
	R8, R9, R10, R11, R12, R13, R14, R15 uint64

	Flags uint64
}

// eflags bit positions, per the x86 EFLAGS layout (confirmed against the
// i386_eflags gdb target description: DF is bit 10).
const (
	flagZF = 1 << 6
	flagDF = 1 << 10
)

func (r Registers) IP() uint64 { return r.IPVal }
func (r Registers) CX() uint64 { return r.CXVal }
func (r Registers) SI() uint64 { return r.SIVal }
func (r Registers) DI() uint64 { return r.DIVal }

// DF reports the CPU direction flag: string instructions decrement their
// implicit address registers per iteration when this is set, increment
// otherwise.
func (r Registers) DF() bool { return r.Flags&flagDF != 0 }

// ZF reports the zero flag, the one REP CMPS/SCAS test to decide whether to
// keep looping.
func (r Registers) ZF() bool { return r.Flags&flagZF != 0 }

// SetIP returns a copy of r with the instruction pointer replaced. The core
// never mutates a Registers value shared with a caller in place.
func (r Registers) SetIP(ip uint64) Registers {
	r.IPVal = ip
	return r
}

// Matches reports whether r and other represent the same control state, the
// way a recorded target state is compared against the tracee's live
// registers.
func (r Registers) Matches(other Registers) bool {
	return r == other
}
