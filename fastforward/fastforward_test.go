package fastforward

import (
	"testing"

	"github.com/replaydbg/ffcore/task"
)

const (
	instrAddr = 0x400000
)

func regs(ip, cx, si, di uint64) task.Registers {
	return task.Registers{Arch: task.ArchX86_64, IPVal: ip, CXVal: cx, SIVal: si, DIVal: di}
}

// newMovsTask builds a fake tracee sitting at a "rep movsb" (F3 A4) with the
// given initial register state and no watchpoints.
func newMovsTask(cx, si, di uint64) *fakeTask {
	return &fakeTask{
		arch:        task.ArchX86_64,
		ip:          instrAddr,
		regs:        regs(instrAddr, cx, si, di),
		code:        []byte{0xF3, 0xA4, 0x90},
		op:          opMovs,
		length:      2,
		operandSize: 1,
		zfFlipAtCX:  -1,
		vm:          newFakeVM(),
	}
}

func TestFastForward_PlainMovsb(t *testing.T) {
	ft := newMovsTask(1000, 0x8000, 0x9000)

	if err := FastForwardThroughInstruction(ft, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ft.ip != instrAddr {
		t.Fatalf("expected ip to remain at the instruction, got 0x%x", ft.ip)
	}
	if ft.regs.CXVal != 1 {
		t.Fatalf("expected exactly one iteration left for the caller to single-step, got cx=%d", ft.regs.CXVal)
	}
	wantSI := uint64(0x8000) + 999
	wantDI := uint64(0x9000) + 999
	if ft.regs.SIVal != wantSI || ft.regs.DIVal != wantDI {
		t.Fatalf("SI/DI not advanced correctly: si=0x%x di=0x%x", ft.regs.SIVal, ft.regs.DIVal)
	}
	if len(ft.vm.breakpoints) != 0 {
		t.Fatalf("internal breakpoint leaked: %v", ft.vm.breakpoints)
	}
	if len(ft.vm.watch) != 0 {
		t.Fatalf("internal watchpoint leaked: %v", ft.vm.watch)
	}
}

func TestFastForward_StosqREXW(t *testing.T) {
	ft := &fakeTask{
		arch:        task.ArchX86_64,
		ip:          instrAddr,
		regs:        regs(instrAddr, 100, 0, 0x9000),
		code:        []byte{0xF3, 0x48, 0xAB, 0x90},
		op:          opStos,
		length:      3,
		operandSize: 8,
		zfFlipAtCX:  -1,
		vm:          newFakeVM(),
	}

	if err := FastForwardThroughInstruction(ft, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ft.regs.CXVal != 1 {
		t.Fatalf("expected cx=1 left for caller, got %d", ft.regs.CXVal)
	}
	if ft.ip != instrAddr {
		t.Fatalf("expected ip unchanged, got 0x%x", ft.ip)
	}
}

func TestFastForward_ScasbZFExit(t *testing.T) {
	// repne scasb: CX=50, arrange the compare to fail (ZF clears the loop
	// condition) when CX reaches 10. The 48 remaining iterations are too few
	// for a batched phase, so the exit shows up during the tail single-steps;
	// the routine unwinds it and retries with the exit state as one to avoid.
	ft := &fakeTask{
		arch:        task.ArchX86_64,
		ip:          instrAddr,
		regs:        regs(instrAddr, 50, 0, 0x9000),
		code:        []byte{0xF2, 0xAE, 0x90},
		op:          opScas,
		length:      2,
		operandSize: 1,
		zfFlipAtCX:  10,
		vm:          newFakeVM(),
	}

	if err := FastForwardThroughInstruction(ft, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ft.ip != instrAddr {
		t.Fatalf("expected the ZF exit to be unwound, leaving ip at the instruction, got ip=0x%x", ft.ip)
	}
	if ft.regs.CXVal != 11 {
		t.Fatalf("expected the retry to stop one iteration short of the ZF exit (cx=11), got %d", ft.regs.CXVal)
	}
	if len(ft.vm.breakpoints) != 0 || len(ft.vm.watch) != 0 {
		t.Fatalf("breakpoint/watchpoint not cleaned up: bp=%v watch=%v", ft.vm.breakpoints, ft.vm.watch)
	}
}

func TestFastForward_TargetStateBound(t *testing.T) {
	ft := newMovsTask(200, 0x8000, 0x9000)

	target := regs(instrAddr, 50, 0, 0)
	if err := FastForwardThroughInstruction(ft, []task.Registers{target}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ft.ip != instrAddr {
		t.Fatalf("expected ip to remain at the instruction, got 0x%x", ft.ip)
	}
	if ft.regs.CXVal != 51 {
		t.Fatalf("expected the routine to stop one iteration short of the target state (cx=51), got cx=%d", ft.regs.CXVal)
	}
}

func TestFastForward_WatchpointAlreadyUnderSI(t *testing.T) {
	vm := newFakeVM(task.WatchConfig{Addr: 0x8000, NumBytes: 1, Kind: task.WatchRead})
	ft := &fakeTask{
		arch:        task.ArchX86_64,
		ip:          instrAddr,
		regs:        regs(instrAddr, 500, 0x8000, 0x9000),
		code:        []byte{0xF3, 0xA4, 0x90},
		op:          opMovs,
		length:      2,
		operandSize: 1,
		zfFlipAtCX:  -1,
		vm:          vm,
	}

	if err := FastForwardThroughInstruction(ft, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The watchpoint sits exactly under SI, so even the mandatory trial
	// step trips it before anything else runs.
	if ft.regs.CXVal != 500 {
		t.Fatalf("expected the trial step to be blocked by the watchpoint (cx=500), got cx=%d", ft.regs.CXVal)
	}
	if ft.ip != instrAddr {
		t.Fatalf("expected ip unchanged, got 0x%x", ft.ip)
	}
	if len(vm.watch) != 1 || vm.watch[0].Addr != 0x8000 {
		t.Fatalf("pre-existing watchpoint was disturbed: %v", vm.watch)
	}
}

func TestFastForward_NonX86Task(t *testing.T) {
	ft := &fakeTask{
		arch:  task.ArchOther,
		plain: true,
		ip:    0x1000,
		regs:  task.Registers{Arch: task.ArchOther, IPVal: 0x1000},
		vm:    newFakeVM(),
	}

	if err := FastForwardThroughInstruction(ft, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ft.ip != 0x1001 {
		t.Fatalf("expected a plain one-byte single-step, got ip=0x%x", ft.ip)
	}
}

func TestFastForward_EmptyCXIsNoop(t *testing.T) {
	// Trial step on a non-repeating "about to retire" instruction: CX==0
	// means the trial step itself finishes the instruction before the main
	// loop ever computes an iteration count.
	ft := &fakeTask{
		arch:        task.ArchX86_64,
		ip:          instrAddr,
		regs:        regs(instrAddr, 1, 0x8000, 0x9000),
		code:        []byte{0xF3, 0xA4, 0x90},
		op:          opMovs,
		length:      2,
		operandSize: 1,
		zfFlipAtCX:  -1,
		vm:          newFakeVM(),
	}

	if err := FastForwardThroughInstruction(ft, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ft.regs.CXVal != 0 {
		t.Fatalf("expected the trial step alone to exhaust cx, got %d", ft.regs.CXVal)
	}
	if ft.ip != instrAddr+uint64(ft.length) {
		t.Fatalf("expected ip to land past the instruction, got 0x%x", ft.ip)
	}
}
