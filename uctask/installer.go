package uctask

import (
	"github.com/pkg/errors"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/replaydbg/ffcore/task"
)

// installer adapts Task's Unicorn hooks to vmu.Installer. Unlike ptraceu's
// 4 fixed debug-register slots, Unicorn can run an unbounded number of
// mem-access hooks concurrently, so watchpoint "slots" here are just the
// small indices vmu hands out (lowest free one first) used to key memHooks,
// not a hardware resource.
type installer struct {
	t *Task
}

func (in *installer) InstallBreakpoint(addr uint64) error {
	t := in.t
	orig, err := t.ReadBytesFallible(addr, 1)
	if err != nil {
		return errors.Wrapf(err, "reading original byte at 0x%x", addr)
	}
	if err := t.u.MemWrite(addr, []byte{int3}); err != nil {
		return errors.Wrapf(err, "patching int3 at 0x%x", addr)
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
	if err := t.u.MemWrite(addr, []byte{orig}); err != nil {
		return errors.Wrapf(err, "restoring original byte at 0x%x", addr)
	}
	delete(t.breakpointBytes, addr)
	return nil
}

func (in *installer) InstallWatchpoint(slot int, addr uint64, numBytes int, kind task.WatchKind) error {
	t := in.t
	wantRead := kind == task.WatchRead || kind == task.WatchReadWrite
	wantWrite := kind == task.WatchWrite || kind == task.WatchReadWrite

	htype := 0
	if wantRead {
		htype |= uc.HOOK_MEM_READ
	}
	if wantWrite {
		htype |= uc.HOOK_MEM_WRITE
	}

	cb := func(_ uc.Unicorn, access int, hitAddr uint64, size int, value int64) {
		isRead := access == uc.MEM_READ
		if (isRead && wantRead) || (!isRead && wantWrite) {
			t.debugStatus = task.WatchpointAny
			t.pendingSig = task.SIGTRAP
			t.u.Stop()
		}
	}

	hook, err := t.u.HookAdd(htype, cb, addr, addr+uint64(numBytes)-1)
	if err != nil {
		return errors.Wrapf(err, "installing watchpoint hook at 0x%x", addr)
	}
	t.memHooks[slot] = hook
	return nil
}

func (in *installer) UninstallWatchpoint(slot int) error {
	t := in.t
	hook, ok := t.memHooks[slot]
	if !ok {
		return nil
	}
	if err := t.u.HookDel(hook); err != nil {
		return errors.Wrap(err, "removing watchpoint hook")
	}
	delete(t.memHooks, slot)
	return nil
}

// NumWatchSlots has no real hardware ceiling under Unicorn; vmu's
// reuse-freed-slot bookkeeping still needs a concrete number, so this
// matches x86's real debug-register count rather than claiming unlimited
// slots a different backend (ptraceu) couldn't honor if code were shared.
func (in *installer) NumWatchSlots() int { return 4 }
