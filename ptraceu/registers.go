package ptraceu

import (
	"golang.org/x/sys/unix"

	"github.com/replaydbg/ffcore/task"
)

func fromPtraceRegs(arch task.Arch, r unix.PtraceRegs) task.Registers {
	return task.Registers{
		Arch:  arch,
		IPVal: r.Rip,
		AX:    r.Rax,
		BX:    r.Rbx,
		CXVal: r.Rcx,
		DX:    r.Rdx,
		SIVal: r.Rsi,
		DIVal: r.Rdi,
		BP:    r.Rbp,
		SP:    r.Rsp,
		R8:    r.R8,
		R9:    r.R9,
		R10:   r.R10,
		R11:   r.R11,
		R12:   r.R12,
		R13:   r.R13,
		R14:   r.R14,
		R15:   r.R15,
		Flags: r.Eflags,
	}
}

func toPtraceRegs(reg task.Registers, r *unix.PtraceRegs) {
	r.Rip = reg.IP()
	r.Rax = reg.AX
	r.Rbx = reg.BX
	r.Rcx = reg.CX()
	r.Rdx = reg.DX
	r.Rsi = reg.SI()
	r.Rdi = reg.DI()
	r.Rbp = reg.BP
	r.Rsp = reg.SP
	r.R8 = reg.R8
	r.R9 = reg.R9
	r.R10 = reg.R10
	r.R11 = reg.R11
	r.R12 = reg.R12
	r.R13 = reg.R13
	r.R14 = reg.R14
	r.R15 = reg.R15
	r.Eflags = reg.Flags
}
