// Package fastforward implements the fast-forward execution engine: bound
// how many iterations of a REP-prefixed x86 string instruction can safely
// run before any event of interest, jump most of them in one continuation,
// then single-step the remainder precisely.
//
// This is a Go port of rr's fast_forward_through_instruction (see
// original_source/src/fast_forward.cc in the retrieval pack this module was
// built from); SPEC_FULL.md documents the full design.
package fastforward

import (
	"github.com/pkg/errors"

	"github.com/replaydbg/ffcore/fflog"
	"github.com/replaydbg/ffcore/task"
	"github.com/replaydbg/ffcore/xstring"
)

// BytesCoalesced is a conservative upper bound on how many bytes a modern
// x86 implementation may coalesce into a single micro-op when executing a
// rep-stosb-like instruction (observed on Intel Ivy Bridge). It is a hard
// constant, not tunable: reducing it risks a watchpoint firing one
// iteration late because the hardware already wrote past it.
const BytesCoalesced = 128

// FastForwardThroughInstruction attempts to fast-forward t past a repeating
// x86 string instruction at its current IP, stopping no later than the
// first of: cur_cx==0, a watchpoint that would fire, a recorded state in
// targetStates, or natural ZF-based loop termination. It always performs at
// least one single-step (the mandatory trial step of SPEC_FULL.md §4.2),
// so it is always safe to call regardless of what's at IP.
//
// A nil error with no progress made is a normal "nothing to fast-forward
// here" outcome; callers should fall back to their own single-stepping
// loop. A non-nil error indicates the host debugger/kernel violated an
// invariant this core depends on and the replay session cannot continue.
func FastForwardThroughInstruction(t task.Task, targetStates []task.Registers) error {
	ip := t.IP()

	if err := t.ResumeExecution(task.SingleStep); err != nil {
		return errors.Wrap(err, "trial single-step")
	}
	if sig := t.PendingSig(); sig != task.SIGTRAP {
		return errors.Errorf("trial single-step: expected SIGTRAP, got signal %d", sig)
	}

	if t.IP() != ip {
		return nil
	}
	if t.VM().BreakpointTypeAt(ip) != task.TrapNone {
		return nil
	}
	if t.DebugStatus()&task.WatchpointAny != 0 {
		return nil
	}
	regsAfterTrial := t.Regs()
	for _, s := range targetStates {
		if s.Matches(regsAfterTrial) {
			return nil
		}
	}
	if t.Arch() != task.ArchX86 && t.Arch() != task.ArchX86_64 {
		return nil
	}

	code, err := t.ReadBytesFallible(ip, xstring.MaxPrefetch)
	if err != nil {
		return errors.Wrap(err, "reading instruction bytes for fast-forward decode")
	}
	decoded, ok := xstring.Decode(xstring.InstructionBuf{Arch: t.Arch(), Code: code})
	if !ok {
		return nil
	}

	// states is the caller's target-state slice, logically extended (never
	// the caller's backing array mutated) with a synthesized loop-exit
	// state if a ZF-early-exit retry is needed. See SPEC_FULL.md §9.
	states := targetStates
	retried := false

	for {
		curCX := t.Regs().CX()
		if curCX == 0 {
			return nil
		}
		// Reserve the final iteration for precise single-stepping, so
		// register effects can be predicted exactly instead of emulated.
		iterations := curCX - 1

		iterations = boundAgainstTargetStates(ip, curCX, decoded, states, iterations)

		r := t.Regs()
		forward := !r.DF()
		for _, w := range t.VM().AllWatchpoints() {
			iterations = boundForWatchpoint(r.SI(), decoded.OperandSize, forward, w, iterations)
			iterations = boundForWatchpoint(r.DI(), decoded.OperandSize, forward, w, iterations)
		}

		if iterations == 0 {
			return nil
		}

		fflog.Debugf("x86-string fast-forward: %d iterations required", iterations)

		watchOffset := uint64(decoded.OperandSize) * (iterations - 1)
		if watchOffset > BytesCoalesced {
			watchOffset -= BytesCoalesced
			var watchDI uint64
			if forward {
				watchDI = r.DI() + watchOffset
			} else {
				watchDI = r.DI() - watchOffset
			}
			newIterations, err := runBatchedPhase(t, ip, decoded, curCX, iterations, watchDI)
			if err != nil {
				return err
			}
			iterations = newIterations
		}

		fflog.Debugf("x86-string fast-forward: %d iterations to go", iterations)

		for iterations > 0 && t.IP() == ip {
			if err := t.ResumeExecution(task.SingleStep); err != nil {
				return errors.Wrap(err, "tail single-step")
			}
			if sig := t.PendingSig(); sig != task.SIGTRAP {
				return errors.Errorf("tail single-step: expected SIGTRAP, got signal %d", sig)
			}
			status := t.ConsumeDebugStatus()
			if status&task.WatchpointAny != 0 {
				return errors.New("tail single-step unexpectedly triggered a watchpoint")
			}
			iterations--
		}

		if t.IP() == ip {
			fflog.Debugf("x86-string fast-forward done")
			return nil
		}

		// Exited the loop early: must be a ZF-based termination.
		if !decoded.ModifiesFlags || t.IP() != ip+uint64(decoded.Length) {
			return errors.Errorf("tail phase stopped at unexpected ip 0x%x (want 0x%x, modifiesFlags=%v)",
				t.IP(), ip+uint64(decoded.Length), decoded.ModifiesFlags)
		}
		if retried {
			return errors.New("ZF-based early exit occurred twice in one fast-forward call")
		}
		retried = true

		// String instructions that modify flags have no non-register side
		// effects, so resetting registers to the pre-attempt snapshot
		// effectively unwinds the partial loop execution. Retry with the
		// exit state added to the avoid-set.
		extended := make([]task.Registers, len(states), len(states)+1)
		copy(extended, states)
		extended = append(extended, t.Regs())
		states = extended

		if err := t.SetRegs(r); err != nil {
			return errors.Wrap(err, "restoring registers before ZF-exit retry")
		}
	}
}

// runBatchedPhase installs a temporary watchpoint and an internal
// breakpoint, continues execution, and consumes the result, restoring all
// pre-existing watchpoints (and removing its own breakpoint) on every exit
// path via defer.
func runBatchedPhase(t task.Task, ip uint64, decoded xstring.Decoded, curCX, iterations, watchDI uint64) (newIterations uint64, err error) {
	vm := t.VM()
	vm.SaveWatchpoints()
	defer func() {
		if restoreErr := vm.RestoreWatchpoints(); restoreErr != nil && err == nil {
			err = errors.Wrap(restoreErr, "restoring watchpoints after batched fast-forward")
		}
	}()

	if removeErr := vm.RemoveAllWatchpoints(); removeErr != nil {
		return iterations, errors.Wrap(removeErr, "removing watchpoints before installing fast-forward watchpoint")
	}

	fflog.Debugf("set x86-string fast-forward watchpoint at 0x%x", watchDI)
	added, addErr := vm.AddWatchpoint(watchDI, 1, task.WatchReadWrite)
	if addErr != nil {
		return iterations, errors.Wrap(addErr, "installing fast-forward watchpoint")
	}
	if !added {
		return iterations, errors.New("can't even handle one watchpoint")
	}

	bpAddr := ip + uint64(decoded.Length)
	addedBp, bpErr := vm.AddBreakpoint(bpAddr, task.TrapBkptInternal)
	if bpErr != nil {
		return iterations, errors.Wrap(bpErr, "installing internal breakpoint")
	}
	if !addedBp {
		return iterations, errors.New("failed to add internal breakpoint")
	}
	defer func() {
		if removeErr := vm.RemoveBreakpoint(bpAddr, task.TrapBkptInternal); removeErr != nil && err == nil {
			err = errors.Wrap(removeErr, "removing internal breakpoint")
		}
	}()

	if contErr := t.ResumeExecution(task.Cont); contErr != nil {
		return iterations, errors.Wrap(contErr, "continuing during batched fast-forward")
	}
	if sig := t.PendingSig(); sig != task.SIGTRAP {
		return iterations, errors.Errorf("batched continue: expected SIGTRAP, got signal %d", sig)
	}

	status := t.ConsumeDebugStatus()
	if status&task.WatchpointAny == 0 {
		// Watchpoint didn't fire: we exited the loop early via ZF and hit
		// the breakpoint instead. IP is one byte past it.
		wantIP := bpAddr + 1
		if t.IP() != wantIP || !decoded.ModifiesFlags {
			return iterations, errors.Errorf(
				"batched fast-forward stopped at unexpected state: ip=0x%x want=0x%x modifiesFlags=%v",
				t.IP(), wantIP, decoded.ModifiesFlags)
		}
		if setErr := t.SetRegs(t.Regs().SetIP(bpAddr)); setErr != nil {
			return iterations, errors.Wrap(setErr, "rewinding ip after ZF breakpoint hit")
		}
	}

	newCX := t.Regs().CX()
	return iterations - (curCX - newCX), nil
}
