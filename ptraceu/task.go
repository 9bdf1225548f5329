// Package ptraceu is the Linux ptrace(2)-backed task.Task: a real tracee
// driven the way the reference codebase's lower layers drive a live
// process, generalized from single-stepping a whole guest CPU to the
// fast-forward core's narrower needs (register IO, memory IO, single
// software breakpoints, and up to 4 hardware watchpoints via the debug
// address registers).
package ptraceu

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/replaydbg/ffcore/fflog"
	"github.com/replaydbg/ffcore/task"
	"github.com/replaydbg/ffcore/vmu"
)

// int3 is the one-byte x86 breakpoint opcode (INT 3).
const int3 = 0xCC

// Task wraps a stopped ptrace(2) tracee. It is not safe for concurrent use;
// callers are expected to serialize all calls the way a debugger's single
// event loop naturally does.
type Task struct {
	pid  int
	arch task.Arch
	mem  *os.File

	breakpointBytes map[uint64]byte

	lastWaitStatus unix.WaitStatus

	vm *vmu.VM
}

// New attaches Task to an already-stopped tracee (PTRACE_ATTACH/SEIZE and
// the initial waitpid are the caller's responsibility, mirroring how
// debuggers typically separate process acquisition from instruction
// control).
func New(pid int, arch task.Arch) (*Task, error) {
	mem, err := os.OpenFile(procMemPath(pid), os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "opening /proc/%d/mem", pid)
	}
	t := &Task{
		pid:             pid,
		arch:            arch,
		mem:             mem,
		breakpointBytes: make(map[uint64]byte),
	}
	t.vm = vmu.New(&installer{t: t})
	return t, nil
}

func procMemPath(pid int) string {
	return fmt.Sprintf("/proc/%d/mem", pid)
}

func (t *Task) Close() error {
	return t.mem.Close()
}

func (t *Task) Arch() task.Arch { return t.arch }

func (t *Task) IP() uint64 {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(t.pid, &regs); err != nil {
		fflog.Warnf("ptrace getregs failed reading IP: %v", err)
		return 0
	}
	return regs.Rip
}

func (t *Task) Regs() task.Registers {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(t.pid, &regs); err != nil {
		fflog.Warnf("ptrace getregs failed: %v", err)
		return task.Registers{Arch: t.arch}
	}
	return fromPtraceRegs(t.arch, regs)
}

func (t *Task) SetRegs(r task.Registers) error {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(t.pid, &regs); err != nil {
		return errors.Wrap(err, "ptrace getregs before setregs")
	}
	toPtraceRegs(r, &regs)
	if err := unix.PtraceSetRegs(t.pid, &regs); err != nil {
		return errors.Wrap(err, "ptrace setregs")
	}
	return nil
}

func (t *Task) ReadBytesFallible(addr uint64, length int) ([]byte, error) {
	buf := make([]byte, length)
	n, err := t.mem.ReadAt(buf, int64(addr))
	if n == 0 && err != nil {
		return nil, errors.Wrapf(err, "reading %d bytes at 0x%x", length, addr)
	}
	return buf[:n], nil
}

func (t *Task) ResumeExecution(mode task.ResumeMode) error {
	var err error
	switch mode {
	case task.SingleStep:
		err = unix.PtraceSingleStep(t.pid)
	case task.Cont:
		err = unix.PtraceCont(t.pid, 0)
	default:
		return errors.Errorf("unknown resume mode %v", mode)
	}
	if err != nil {
		return errors.Wrap(err, "ptrace resume")
	}

	var ws unix.WaitStatus
	if _, err := unix.Wait4(t.pid, &ws, 0, nil); err != nil {
		return errors.Wrap(err, "waitpid after ptrace resume")
	}
	t.lastWaitStatus = ws
	return nil
}

func (t *Task) PendingSig() task.Signal {
	if t.lastWaitStatus.Stopped() {
		return task.Signal(t.lastWaitStatus.StopSignal())
	}
	return 0
}

// DebugStatus reads DR6 (the x86 debug status register) without consuming
// it, so repeated calls between a single ConsumeDebugStatus are idempotent.
func (t *Task) DebugStatus() task.DebugStatus {
	dr6, err := t.peekUser(offsetDR6)
	if err != nil {
		fflog.Warnf("reading DR6 failed: %v", err)
		return 0
	}
	if dr6&0xf != 0 {
		return task.WatchpointAny
	}
	return 0
}

func (t *Task) ConsumeDebugStatus() task.DebugStatus {
	status := t.DebugStatus()
	if err := t.pokeUser(offsetDR6, 0); err != nil {
		fflog.Warnf("clearing DR6 failed: %v", err)
	}
	return status
}

func (t *Task) VM() task.VM { return t.vm }
