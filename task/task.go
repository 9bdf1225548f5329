// Package task defines the contract this module's fast-forward core needs
// from a stopped tracee. The concrete implementations (ptraceu.Task for a
// real Linux tracee, uctask.Task for a Unicorn-backed test double) live in
// their own packages; fastforward only ever depends on this interface.
package task

// Arch identifies the tracee's instruction set. The fast-forward core only
// ever fast-forwards on x86/x86_64; every other architecture degenerates to
// a single single-step.
type Arch int

const (
	ArchOther Arch = iota
	ArchX86
	ArchX86_64
)

func (a Arch) String() string {
	switch a {
	case ArchX86:
		return "x86"
	case ArchX86_64:
		return "x86_64"
	default:
		return "other"
	}
}

// ResumeMode selects how ResumeExecution advances the tracee.
type ResumeMode int

const (
	SingleStep ResumeMode = iota
	Cont
)

// DebugStatus mirrors the x86 DR6 status bits the core cares about.
type DebugStatus uint32

const WatchpointAny DebugStatus = 1 << 0

// BreakpointType distinguishes "no breakpoint" from the internal
// breakpoints this core installs versus ones owned by someone else.
type BreakpointType int

const (
	TrapNone BreakpointType = iota
	TrapBkpt
	TrapBkptInternal
)

// WatchKind selects what access triggers a watchpoint.
type WatchKind int

const (
	WatchRead WatchKind = iota
	WatchWrite
	WatchReadWrite
	WatchExec
)

// WatchConfig describes one installed data watchpoint.
type WatchConfig struct {
	Addr     uint64
	NumBytes int
	Kind     WatchKind
}

// Signal is the signal that stopped the tracee after a resume.
type Signal int

const SIGTRAP Signal = 5

// VM is the tracee's virtual memory view: the shared, process-wide table of
// installed breakpoints and watchpoints. fastforward treats it as scoped,
// mutable state it must save and restore on every exit path.
type VM interface {
	BreakpointTypeAt(ip uint64) BreakpointType
	AllWatchpoints() []WatchConfig

	AddBreakpoint(addr uint64, kind BreakpointType) (bool, error)
	RemoveBreakpoint(addr uint64, kind BreakpointType) error

	AddWatchpoint(addr uint64, numBytes int, kind WatchKind) (bool, error)

	SaveWatchpoints()
	RemoveAllWatchpoints() error
	RestoreWatchpoints() error
}

// Task is a stopped tracee. Every method either reads local state or blocks
// until the tracee's next stop event; there is no concurrency internal to
// an implementation of this interface.
type Task interface {
	Arch() Arch
	IP() uint64
	Regs() Registers
	SetRegs(r Registers) error

	ReadBytesFallible(addr uint64, length int) ([]byte, error)

	ResumeExecution(mode ResumeMode) error
	PendingSig() Signal

	DebugStatus() DebugStatus
	ConsumeDebugStatus() DebugStatus

	VM() VM
}
