// Package uctask backs task.Task with the Unicorn CPU emulator instead of a
// live kernel tracee, the way the reference codebase's own Unicorn wrapper
// (go/unicorn.go) runs guest code. It lets the full decode/bound/batch/tail
// pipeline run against real decoded x86 machine code without a
// ptrace-capable kernel or root; cmd/ffshell drives it this way.
// fastforward's own tests use an in-package fake task instead.
package uctask

import (
	"github.com/pkg/errors"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/replaydbg/ffcore/task"
	"github.com/replaydbg/ffcore/vmu"
)

// int3 matches ptraceu's software breakpoint opcode: fast-forward's core
// expects the same one-byte INT3 overshoot regardless of backend, so
// uctask reproduces it with a real patched byte + interrupt hook rather
// than the zero-overshoot HOOK_CODE trick the reference codebase's own
// models/breakpoint.go uses for user-facing breakpoints (which don't need
// byte-accurate trap semantics the way this core's runBatchedPhase does).
const int3 = 0xCC

type Task struct {
	u    uc.Unicorn
	arch task.Arch

	breakpointBytes map[uint64]byte
	memHooks        map[int]uc.Hook

	intrHook  uc.Hook
	stepCount int

	pendingSig  task.Signal
	debugStatus task.DebugStatus

	vm *vmu.VM
}

// New creates a Task over an already-initialized Unicorn engine with guest
// memory mapped and code loaded; arch selects which uc.X86_REG_* constants
// back task.Registers' 64-bit view (ArchX86 zero/sign-extends the 32-bit
// regs the way real x86 does when running 32-bit code).
func New(u uc.Unicorn, arch task.Arch) (*Task, error) {
	t := &Task{
		u:               u,
		arch:            arch,
		breakpointBytes: make(map[uint64]byte),
		memHooks:        make(map[int]uc.Hook),
	}
	t.vm = vmu.New(&installer{t: t})

	hook, err := u.HookAdd(uc.HOOK_INTR, t.onInterrupt, 1, 0)
	if err != nil {
		return nil, errors.Wrap(err, "installing interrupt hook")
	}
	t.intrHook = hook

	return t, nil
}

func (t *Task) onInterrupt(_ uc.Unicorn, intno uint32) {
	if intno != 3 {
		return
	}
	t.pendingSig = task.SIGTRAP
	t.u.Stop()
}

func (t *Task) onStepCode(_ uc.Unicorn, addr uint64, size uint32) {
	if t.stepCount == 1 {
		t.pendingSig = task.SIGTRAP
		t.u.Stop()
		return
	}
	t.stepCount++
}

func (t *Task) Arch() task.Arch { return t.arch }

func (t *Task) IP() uint64 {
	ip, err := t.u.RegRead(regIP(t.arch))
	if err != nil {
		return 0
	}
	return ip
}

func (t *Task) Regs() task.Registers {
	return readRegs(t.u, t.arch)
}

func (t *Task) SetRegs(r task.Registers) error {
	return writeRegs(t.u, r)
}

func (t *Task) ReadBytesFallible(addr uint64, length int) ([]byte, error) {
	buf := make([]byte, length)
	if err := t.u.MemReadInto(buf, addr); err != nil {
		return nil, errors.Wrapf(err, "reading %d bytes at 0x%x", length, addr)
	}
	return buf, nil
}

func (t *Task) ResumeExecution(mode task.ResumeMode) error {
	t.pendingSig = 0
	t.debugStatus = 0

	switch mode {
	case task.SingleStep:
		return t.singleStep()
	case task.Cont:
		return t.cont()
	default:
		return errors.Errorf("unknown resume mode %v", mode)
	}
}

// singleStep arms a counting code hook over the whole address space: it
// lets exactly one instruction retire, then stops Unicorn just before the
// next one would start.
func (t *Task) singleStep() error {
	t.stepCount = 0
	hook, err := t.u.HookAdd(uc.HOOK_CODE, t.onStepCode, 1, 0)
	if err != nil {
		return errors.Wrap(err, "installing single-step hook")
	}
	defer t.u.HookDel(hook)

	ip := t.IP()
	if err := t.u.Start(ip, ^uint64(0)); err != nil {
		return errors.Wrap(err, "uc.Start during single-step")
	}
	if t.pendingSig == 0 {
		t.pendingSig = task.SIGTRAP
	}
	return nil
}

func (t *Task) cont() error {
	ip := t.IP()
	if err := t.u.Start(ip, ^uint64(0)); err != nil {
		return errors.Wrap(err, "uc.Start during continue")
	}
	if t.pendingSig == 0 {
		t.pendingSig = task.SIGTRAP
	}
	return nil
}

func (t *Task) PendingSig() task.Signal { return t.pendingSig }

func (t *Task) DebugStatus() task.DebugStatus { return t.debugStatus }

func (t *Task) ConsumeDebugStatus() task.DebugStatus {
	s := t.debugStatus
	t.debugStatus = 0
	return s
}

func (t *Task) VM() task.VM { return t.vm }
