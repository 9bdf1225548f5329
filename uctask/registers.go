package uctask

import (
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/replaydbg/ffcore/task"
)

func regIP(arch task.Arch) int {
	if arch == task.ArchX86 {
		return uc.X86_REG_EIP
	}
	return uc.X86_REG_RIP
}

// readRegs/writeRegs pair each task.Registers field with the uc.X86_REG_* constant
// backing it. x86_64 mode always reads/writes the 64-bit registers: running
// 32-bit code under a 64-bit Unicorn context still has real R8-R15/RIP
// underneath, same as a real amd64 kernel running an ia32 task.
func readRegs(u uc.Unicorn, arch task.Arch) task.Registers {
	read := func(reg int) uint64 {
		v, _ := u.RegRead(reg)
		return v
	}
	return task.Registers{
		Arch:  arch,
		IPVal: read(regIP(arch)),
		AX:    read(uc.X86_REG_RAX),
		BX:    read(uc.X86_REG_RBX),
		CXVal: read(uc.X86_REG_RCX),
		DX:    read(uc.X86_REG_RDX),
		SIVal: read(uc.X86_REG_RSI),
		DIVal: read(uc.X86_REG_RDI),
		BP:    read(uc.X86_REG_RBP),
		SP:    read(uc.X86_REG_RSP),
		R8:    read(uc.X86_REG_R8),
		R9:    read(uc.X86_REG_R9),
		R10:   read(uc.X86_REG_R10),
		R11:   read(uc.X86_REG_R11),
		R12:   read(uc.X86_REG_R12),
		R13:   read(uc.X86_REG_R13),
		R14:   read(uc.X86_REG_R14),
		R15:   read(uc.X86_REG_R15),
		Flags: read(uc.X86_REG_EFLAGS),
	}
}

func writeRegs(u uc.Unicorn, r task.Registers) error {
	pairs := []struct {
		reg int
		val uint64
	}{
		{regIP(r.Arch), r.IP()},
		{uc.X86_REG_RAX, r.AX},
		{uc.X86_REG_RBX, r.BX},
		{uc.X86_REG_RCX, r.CX()},
		{uc.X86_REG_RDX, r.DX},
		{uc.X86_REG_RSI, r.SI()},
		{uc.X86_REG_RDI, r.DI()},
		{uc.X86_REG_RBP, r.BP},
		{uc.X86_REG_RSP, r.SP},
		{uc.X86_REG_R8, r.R8},
		{uc.X86_REG_R9, r.R9},
		{uc.X86_REG_R10, r.R10},
		{uc.X86_REG_R11, r.R11},
		{uc.X86_REG_R12, r.R12},
		{uc.X86_REG_R13, r.R13},
		{uc.X86_REG_R14, r.R14},
		{uc.X86_REG_R15, r.R15},
		{uc.X86_REG_EFLAGS, r.Flags},
	}
	for _, p := range pairs {
		if err := u.RegWrite(p.reg, p.val); err != nil {
			return err
		}
	}
	return nil
}
