package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/replaydbg/ffcore/fastforward"
	"github.com/replaydbg/ffcore/ffrace"
	"github.com/replaydbg/ffcore/task"
	"github.com/replaydbg/ffcore/uctask"
)

var errQuit = errors.New("quit")

const (
	codeBase = 0x1000
	codeSize = 0x1000
	dataBase = 0x2000
	dataSize = 0x1000
)

// shell holds the interactive session's state: the Unicorn-backed tracee
// and the target states last loaded from a trace file.
type shell struct {
	out io.Writer

	eng  uc.Unicorn
	task *uctask.Task

	targets []task.Registers
}

func newShell(out io.Writer) *shell {
	return &shell{out: out}
}

func (s *shell) load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	r, err := ffrace.NewReader(f)
	if err != nil {
		f.Close()
		return err
	}
	defer r.Close()
	targets, err := r.ReadAll()
	if err != nil {
		return err
	}
	s.targets = targets
	fmt.Fprintf(s.out, "loaded %d target state(s)\n", len(targets))
	return nil
}

func (s *shell) ensureTask() error {
	if s.task != nil {
		return nil
	}
	eng, err := uc.NewUnicorn(uc.ARCH_X86, uc.MODE_64)
	if err != nil {
		return err
	}
	if err := eng.MemMapProt(codeBase, codeSize, uc.PROT_ALL); err != nil {
		return err
	}
	if err := eng.MemMapProt(dataBase, dataSize, uc.PROT_ALL); err != nil {
		return err
	}
	t, err := uctask.New(eng, task.ArchX86_64)
	if err != nil {
		return err
	}
	s.eng = eng
	s.task = t
	return nil
}

func (s *shell) dispatch(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "quit", "exit":
		return errQuit
	case "help":
		s.help()
	case "load":
		if len(args) != 1 {
			return errors.New("usage: load <tracefile>")
		}
		return s.load(args[0])
	case "code":
		return s.cmdCode(args)
	case "regs":
		return s.cmdRegs()
	case "set":
		return s.cmdSet(args)
	case "watch":
		return s.cmdWatch(args)
	case "run":
		return s.cmdRun()
	default:
		return fmt.Errorf("unknown command %q (try 'help')", cmd)
	}
	return nil
}

func (s *shell) help() {
	fmt.Fprintln(s.out, `commands:
  load <file>                  load a recorded target-state trace
  code <hex bytes>              write machine code at the scratch code address and point ip at it
  regs                           print current register state
  set <reg> <hex value>          set one register (ip,ax,bx,cx,dx,si,di,bp,sp,flags)
  watch <addr hex> <len> <kind>  arm a data watchpoint (kind: read, write, rw)
  run                             call FastForwardThroughInstruction against the loaded targets
  quit`)
}

func (s *shell) cmdCode(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: code <hex bytes>")
	}
	buf, err := hex.DecodeString(args[0])
	if err != nil {
		return fmt.Errorf("decoding hex: %w", err)
	}
	if err := s.ensureTask(); err != nil {
		return err
	}
	if err := s.eng.MemWrite(codeBase, buf); err != nil {
		return err
	}
	regs := s.task.Regs()
	regs.IPVal = codeBase
	return s.task.SetRegs(regs)
}

func (s *shell) cmdRegs() error {
	if err := s.ensureTask(); err != nil {
		return err
	}
	r := s.task.Regs()
	fmt.Fprintf(s.out, "ip=%#x cx=%#x si=%#x di=%#x flags=%#x (DF=%v ZF=%v)\n",
		r.IP(), r.CX(), r.SI(), r.DI(), r.Flags, r.DF(), r.ZF())
	return nil
}

func (s *shell) cmdSet(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: set <reg> <hex value>")
	}
	if err := s.ensureTask(); err != nil {
		return err
	}
	val, err := strconv.ParseUint(strings.TrimPrefix(args[1], "0x"), 16, 64)
	if err != nil {
		return fmt.Errorf("parsing value: %w", err)
	}
	r := s.task.Regs()
	switch args[0] {
	case "ip":
		r.IPVal = val
	case "ax":
		r.AX = val
	case "bx":
		r.BX = val
	case "cx":
		r.CXVal = val
	case "dx":
		r.DX = val
	case "si":
		r.SIVal = val
	case "di":
		r.DIVal = val
	case "bp":
		r.BP = val
	case "sp":
		r.SP = val
	case "flags":
		r.Flags = val
	default:
		return fmt.Errorf("unknown register %q", args[0])
	}
	return s.task.SetRegs(r)
}

func (s *shell) cmdWatch(args []string) error {
	if len(args) != 3 {
		return errors.New("usage: watch <addr hex> <len> <kind>")
	}
	if err := s.ensureTask(); err != nil {
		return err
	}
	addr, err := strconv.ParseUint(strings.TrimPrefix(args[0], "0x"), 16, 64)
	if err != nil {
		return fmt.Errorf("parsing address: %w", err)
	}
	length, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("parsing length: %w", err)
	}
	var kind task.WatchKind
	switch args[2] {
	case "read":
		kind = task.WatchRead
	case "write":
		kind = task.WatchWrite
	case "rw":
		kind = task.WatchReadWrite
	default:
		return fmt.Errorf("unknown watch kind %q", args[2])
	}
	ok, err := s.task.VM().AddWatchpoint(addr, length, kind)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("no free watchpoint slot")
	}
	fmt.Fprintf(s.out, "armed %s watchpoint at %#x len %d\n", args[2], addr, length)
	return nil
}

func (s *shell) cmdRun() error {
	if s.task == nil {
		return errors.New("no tracee loaded; use 'code' first")
	}
	if len(s.targets) == 0 {
		return errors.New("no target states loaded; use 'load' first")
	}
	if err := fastforward.FastForwardThroughInstruction(s.task, s.targets); err != nil {
		return err
	}
	return s.cmdRegs()
}
