package fastforward

import (
	"github.com/replaydbg/ffcore/task"
)

// fakeVM is a minimal in-memory task.VM good enough to exercise
// fastforward's save/restore and install/remove contract.
type fakeVM struct {
	breakpoints map[uint64]task.BreakpointType
	watch       []task.WatchConfig
	saved       []task.WatchConfig
}

func newFakeVM(preexisting ...task.WatchConfig) *fakeVM {
	return &fakeVM{
		breakpoints: map[uint64]task.BreakpointType{},
		watch:       append([]task.WatchConfig{}, preexisting...),
	}
}

func (v *fakeVM) BreakpointTypeAt(ip uint64) task.BreakpointType {
	if t, ok := v.breakpoints[ip]; ok {
		return t
	}
	return task.TrapNone
}

func (v *fakeVM) AllWatchpoints() []task.WatchConfig {
	return append([]task.WatchConfig{}, v.watch...)
}

func (v *fakeVM) AddBreakpoint(addr uint64, kind task.BreakpointType) (bool, error) {
	if _, exists := v.breakpoints[addr]; exists {
		return false, nil
	}
	v.breakpoints[addr] = kind
	return true, nil
}

func (v *fakeVM) RemoveBreakpoint(addr uint64, kind task.BreakpointType) error {
	delete(v.breakpoints, addr)
	return nil
}

func (v *fakeVM) AddWatchpoint(addr uint64, numBytes int, kind task.WatchKind) (bool, error) {
	v.watch = append(v.watch, task.WatchConfig{Addr: addr, NumBytes: numBytes, Kind: kind})
	return true, nil
}

func (v *fakeVM) SaveWatchpoints() {
	v.saved = append([]task.WatchConfig{}, v.watch...)
}

func (v *fakeVM) RemoveAllWatchpoints() error {
	v.watch = nil
	return nil
}

func (v *fakeVM) RestoreWatchpoints() error {
	v.watch = append([]task.WatchConfig{}, v.saved...)
	return nil
}

// opKind describes which registers a simulated string instruction touches,
// standing in for real hardware executing the decoded bytes.
type opKind int

const (
	opMovs opKind = iota
	opStos
	opLods
	opCmps
	opScas
)

// fakeTask simulates just enough x86 string-instruction behavior to drive
// fastforward through its full decision tree without a real tracee. It is
// intentionally not a general CPU model: the caller picks zfFlipAtCX to
// control exactly when (if ever) a ZF-sensitive op "fails its compare".
type fakeTask struct {
	arch Arch
	plain bool // true: IP just advances by one byte per single-step, no REP

	ip     uint64
	regs   task.Registers
	code   []byte
	op     opKind
	length int
	operandSize int

	zfFlipAtCX int64 // -1: never flips

	vm *fakeVM

	pendingSig   task.Signal
	debugStatus  task.DebugStatus
}

type Arch = task.Arch

func (f *fakeTask) Arch() task.Arch { return f.arch }
func (f *fakeTask) IP() uint64      { return f.ip }
func (f *fakeTask) Regs() task.Registers {
	f.regs.IPVal = f.ip
	return f.regs
}
func (f *fakeTask) SetRegs(r task.Registers) error {
	f.regs = r
	f.ip = r.IP()
	return nil
}
func (f *fakeTask) ReadBytesFallible(addr uint64, length int) ([]byte, error) {
	if length > len(f.code) {
		length = len(f.code)
	}
	return f.code[:length], nil
}
func (f *fakeTask) PendingSig() task.Signal             { return f.pendingSig }
func (f *fakeTask) DebugStatus() task.DebugStatus        { return f.debugStatus }
func (f *fakeTask) ConsumeDebugStatus() task.DebugStatus {
	s := f.debugStatus
	f.debugStatus = 0
	return s
}
func (f *fakeTask) VM() task.VM { return f.vm }

func (f *fakeTask) touchedRanges(size int) []task.WatchConfig {
	si, di := f.regs.SI(), f.regs.DI()
	switch f.op {
	case opMovs:
		return []task.WatchConfig{{Addr: si, NumBytes: size}, {Addr: di, NumBytes: size}}
	case opStos:
		return []task.WatchConfig{{Addr: di, NumBytes: size}}
	case opLods:
		return []task.WatchConfig{{Addr: si, NumBytes: size}}
	case opCmps:
		return []task.WatchConfig{{Addr: si, NumBytes: size}, {Addr: di, NumBytes: size}}
	case opScas:
		return []task.WatchConfig{{Addr: di, NumBytes: size}}
	}
	return nil
}

func intersects(a task.WatchConfig, b task.WatchConfig) bool {
	lo := a.Addr
	if b.Addr > lo {
		lo = b.Addr
	}
	hiA, hiB := a.Addr+uint64(a.NumBytes), b.Addr+uint64(b.NumBytes)
	hi := hiA
	if hiB < hi {
		hi = hiB
	}
	return lo < hi
}

func (f *fakeTask) modifiesFlags() bool {
	return f.op == opCmps || f.op == opScas
}

// stepOnce performs exactly one REP iteration: moves SI/DI, decrements CX,
// and reports whether the loop just terminated naturally (CX hit 0, or a
// ZF-sensitive op "failed its compare" at this CX value).
func (f *fakeTask) stepOnce(size int) (loopEnded bool) {
	forward := !f.regs.DF()
	delta := uint64(size)
	if forward {
		f.regs.SIVal += delta
		f.regs.DIVal += delta
	} else {
		f.regs.SIVal -= delta
		f.regs.DIVal -= delta
	}
	f.regs.CXVal--

	if f.regs.CXVal == 0 {
		return true
	}
	if f.modifiesFlags() && f.zfFlipAtCX >= 0 && int64(f.regs.CXVal) == f.zfFlipAtCX {
		return true
	}
	return false
}

func (f *fakeTask) ResumeExecution(mode task.ResumeMode) error {
	f.pendingSig = task.SIGTRAP
	f.debugStatus = 0

	if f.plain {
		f.ip++
		return nil
	}

	size := f.operandSize

	switch mode {
	case task.SingleStep:
		for _, w := range f.vm.AllWatchpoints() {
			for _, tr := range f.touchedRanges(size) {
				if intersects(w, tr) {
					f.debugStatus = task.WatchpointAny
					return nil
				}
			}
		}
		ended := f.stepOnce(size)
		if ended {
			f.ip += uint64(f.length)
		}
		return nil
	case task.Cont:
		for {
			for _, w := range f.vm.AllWatchpoints() {
				for _, t := range f.touchedRanges(size) {
					if intersects(w, t) {
						f.debugStatus = task.WatchpointAny
						return nil
					}
				}
			}
			ended := f.stepOnce(size)
			if ended {
				// breakpoint at ip+length is hit; simulate the one-byte
				// int3 overshoot a real trap would produce.
				f.ip += uint64(f.length) + 1
				return nil
			}
		}
	}
	return nil
}
