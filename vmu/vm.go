// Package vmu is the shared breakpoint/watchpoint bookkeeping table backing
// the concrete task.VM implementations in ptraceu and uctask. It mirrors the
// reference codebase's go/models/breakpoint.go bpHook table (an address ->
// live-hook map, apply/remove as a unit) but generalizes it to also track
// hardware watchpoints, and leaves the actual trap-installation mechanism
// (ptrace POKEUSER, or a Unicorn hook) to an Installer the caller supplies.
package vmu

import (
	"github.com/pkg/errors"

	"github.com/replaydbg/ffcore/task"
)

// Installer is implemented by the concrete backend (ptraceu or uctask) and
// does the actual work of making a breakpoint/watchpoint live or removing
// it. VM's single-item Add/Remove methods update its tables only after the
// Installer call succeeds. RemoveAllWatchpoints and RestoreWatchpoints stop
// at the first failing call and do not roll back the items handled before it.
type Installer interface {
	InstallBreakpoint(addr uint64) error
	UninstallBreakpoint(addr uint64) error

	// slot identifies which hardware watch slot (e.g. a debug register) was
	// used, so VM can hand it back on removal. A backend with no fixed slot
	// count (like uctask's Unicorn hooks) can use any stable token.
	InstallWatchpoint(slot int, addr uint64, numBytes int, kind task.WatchKind) error
	UninstallWatchpoint(slot int) error

	// NumWatchSlots reports how many hardware watchpoints the backend can
	// hold concurrently (4 on x86, one per debug address register).
	NumWatchSlots() int
}

type breakpointEntry struct {
	kind task.BreakpointType
}

type watchpointEntry struct {
	slot int
	cfg  task.WatchConfig
}

// VM implements task.VM over an Installer, tracking which addresses are
// occupied so AddBreakpoint/AddWatchpoint can report whether the install
// actually happened (the reference model's Breakpoint.Apply does the same
// "skip if already present" check per-address).
type VM struct {
	inst Installer

	breakpoints map[uint64]breakpointEntry
	watch       []watchpointEntry
	saved       []watchpointEntry
}

func New(inst Installer) *VM {
	return &VM{
		inst:        inst,
		breakpoints: make(map[uint64]breakpointEntry),
	}
}

func (v *VM) BreakpointTypeAt(ip uint64) task.BreakpointType {
	if e, ok := v.breakpoints[ip]; ok {
		return e.kind
	}
	return task.TrapNone
}

func (v *VM) AllWatchpoints() []task.WatchConfig {
	cfgs := make([]task.WatchConfig, len(v.watch))
	for i, w := range v.watch {
		cfgs[i] = w.cfg
	}
	return cfgs
}

func (v *VM) AddBreakpoint(addr uint64, kind task.BreakpointType) (bool, error) {
	if _, exists := v.breakpoints[addr]; exists {
		return false, nil
	}
	if err := v.inst.InstallBreakpoint(addr); err != nil {
		return false, errors.Wrapf(err, "installing breakpoint at 0x%x", addr)
	}
	v.breakpoints[addr] = breakpointEntry{kind: kind}
	return true, nil
}

func (v *VM) RemoveBreakpoint(addr uint64, kind task.BreakpointType) error {
	e, exists := v.breakpoints[addr]
	if !exists || e.kind != kind {
		return nil
	}
	if err := v.inst.UninstallBreakpoint(addr); err != nil {
		return errors.Wrapf(err, "removing breakpoint at 0x%x", addr)
	}
	delete(v.breakpoints, addr)
	return nil
}

func (v *VM) AddWatchpoint(addr uint64, numBytes int, kind task.WatchKind) (bool, error) {
	if len(v.watch) >= v.inst.NumWatchSlots() {
		return false, nil
	}
	slot := v.freeSlot()
	if err := v.inst.InstallWatchpoint(slot, addr, numBytes, kind); err != nil {
		return false, errors.Wrapf(err, "installing watchpoint at 0x%x", addr)
	}
	v.watch = append(v.watch, watchpointEntry{
		slot: slot,
		cfg:  task.WatchConfig{Addr: addr, NumBytes: numBytes, Kind: kind},
	})
	return true, nil
}

func (v *VM) freeSlot() int {
	used := make(map[int]bool, len(v.watch))
	for _, w := range v.watch {
		used[w.slot] = true
	}
	for i := 0; i < v.inst.NumWatchSlots(); i++ {
		if !used[i] {
			return i
		}
	}
	return len(v.watch)
}

// SaveWatchpoints snapshots the currently installed watchpoints so
// RestoreWatchpoints can bring them back after a batch of temporary,
// fast-forward-only watchpoints is done with them. It does not itself
// remove anything.
func (v *VM) SaveWatchpoints() {
	v.saved = append([]watchpointEntry{}, v.watch...)
}

func (v *VM) RemoveAllWatchpoints() error {
	for _, w := range v.watch {
		if err := v.inst.UninstallWatchpoint(w.slot); err != nil {
			return errors.Wrapf(err, "removing watchpoint at 0x%x", w.cfg.Addr)
		}
	}
	v.watch = nil
	return nil
}

// RestoreWatchpoints reinstalls whatever was present at the last
// SaveWatchpoints call. Callers (fastforward.runBatchedPhase in particular)
// rely on this running even when the batch that used the watchpoints failed
// partway through, which is why it's always invoked from a defer. Anything
// currently tracked (e.g. a temporary watchpoint AddWatchpoint installed
// after the save) is uninstalled first, so a batch-local watchpoint never
// outlives the call.
func (v *VM) RestoreWatchpoints() error {
	if err := v.RemoveAllWatchpoints(); err != nil {
		return errors.Wrap(err, "clearing watchpoints before restore")
	}
	for _, w := range v.saved {
		if err := v.inst.InstallWatchpoint(w.slot, w.cfg.Addr, w.cfg.NumBytes, w.cfg.Kind); err != nil {
			return errors.Wrapf(err, "restoring watchpoint at 0x%x", w.cfg.Addr)
		}
	}
	v.watch = append([]watchpointEntry{}, v.saved...)
	return nil
}
