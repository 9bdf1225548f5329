package ptraceu

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/replaydbg/ffcore/task"
)

// offsetof(struct user, u_debugreg[n]) on x86_64 Linux: u_debugreg follows
// the general-purpose regs (27 * 8 bytes), the 512-byte i387 fpregs area and
// the remaining struct user fields, 848 bytes in all (the constant rr and gdb both hardcode,
// since struct user's layout is part of the kernel ABI, not something a
// libc header changes).
const debugRegBase = 848

func drOffset(n int) uintptr {
	return uintptr(debugRegBase + 8*n)
}

const (
	offsetDR6 = 6
	offsetDR7 = 7
)

// peekUser/pokeUser issue PTRACE_PEEKUSER/PTRACE_POKEUSER directly: x/sys/unix
// only wraps the GETREGS/SETREGS/PEEKDATA/POKEDATA requests, not PEEKUSER, so
// debug-register access goes straight through the raw syscall the way
// ptrace-based debuggers (rr, gdb, Delve) all do it.
func (t *Task) peekUser(regIndex int) (uint64, error) {
	var val uint64
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_PEEKUSR,
		uintptr(t.pid), drOffset(regIndex), uintptr(unsafe.Pointer(&val)), 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return val, nil
}

func (t *Task) pokeUser(regIndex int, val uint64) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_POKEUSR,
		uintptr(t.pid), drOffset(regIndex), uintptr(val), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func watchLen(numBytes int) (uint64, error) {
	switch numBytes {
	case 1:
		return 0, nil
	case 2:
		return 1, nil
	case 4:
		return 3, nil
	case 8:
		return 2, nil
	default:
		return 0, errors.Errorf("unsupported hardware watchpoint width %d", numBytes)
	}
}

// watchRW encodes DR7's RW bits for slot. x86 has no read-only trap mode
// (RW=01 is write-only, RW=11 is read/write, RW=00 is execute-only), so a
// WatchRead request is programmed as read/write the same way rr and gdb do
// it: a spurious extra trap on a write to the watched range is harmless,
// while silently failing to round-trip a caller's read watchpoint is not.
func watchRW(kind task.WatchKind) (uint64, error) {
	switch kind {
	case task.WatchRead, task.WatchReadWrite:
		return 3, nil
	case task.WatchWrite:
		return 1, nil
	case task.WatchExec:
		return 0, nil
	default:
		return 0, errors.Errorf("unknown watchpoint kind %v", kind)
	}
}

// installer adapts Task's ptrace/debug-register primitives to vmu.Installer.
type installer struct {
	t *Task
}

func (in *installer) InstallBreakpoint(addr uint64) error {
	t := in.t
	orig, err := t.ReadBytesFallible(addr, 1)
	if err != nil {
		return errors.Wrapf(err, "reading original byte at 0x%x", addr)
	}
	if _, err := t.mem.WriteAt([]byte{int3}, int64(addr)); err != nil {
		return errors.Wrapf(err, "writing int3 at 0x%x", addr)
	}
	t.breakpointBytes[addr] = orig[0]
	return nil
}

func (in *installer) UninstallBreakpoint(addr uint64) error {
	t := in.t
	orig, ok := t.breakpointBytes[addr]
	if !ok {
		return nil
	}
	if _, err := t.mem.WriteAt([]byte{orig}, int64(addr)); err != nil {
		return errors.Wrapf(err, "restoring original byte at 0x%x", addr)
	}
	delete(t.breakpointBytes, addr)
	return nil
}

// InstallWatchpoint programs debug address register DRn (n = slot, 0-3)
// with addr and sets DR7's enable/len/rw bits for that slot.
func (in *installer) InstallWatchpoint(slot int, addr uint64, numBytes int, kind task.WatchKind) error {
	if slot < 0 || slot > 3 {
		return errors.Errorf("x86 has only 4 debug address registers, got slot %d", slot)
	}
	t := in.t
	if err := t.pokeUser(slot, addr); err != nil {
		return errors.Wrapf(err, "setting DR%d", slot)
	}

	lenBits, err := watchLen(numBytes)
	if err != nil {
		return err
	}
	rwBits, err := watchRW(kind)
	if err != nil {
		return err
	}

	dr7, err := t.peekUser(offsetDR7)
	if err != nil {
		return errors.Wrap(err, "reading DR7")
	}
	shift := uint(16 + slot*4)
	dr7 &^= uint64(0xf) << shift
	dr7 |= (rwBits | lenBits<<2) << shift
	dr7 |= uint64(1) << uint(slot*2) // local-enable bit for this slot

	if err := t.pokeUser(offsetDR7, dr7); err != nil {
		return errors.Wrap(err, "writing DR7")
	}
	return nil
}

func (in *installer) UninstallWatchpoint(slot int) error {
	t := in.t
	dr7, err := t.peekUser(offsetDR7)
	if err != nil {
		return errors.Wrap(err, "reading DR7")
	}
	dr7 &^= uint64(1) << uint(slot*2)
	shift := uint(16 + slot*4)
	dr7 &^= uint64(0xf) << shift
	return t.pokeUser(offsetDR7, dr7)
}

func (in *installer) NumWatchSlots() int { return 4 }
