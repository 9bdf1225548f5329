// Package ffrace defines an on-disk format for a sequence of recorded
// task.Registers snapshots, the way the reference codebase's
// models/trace.TraceHeader/TraceWriter/TraceReader frame a header followed
// by a snappy-compressed stream of struc-packed records. It exists only
// because the real recording engine is out of scope here: something still
// has to hand FastForwardThroughInstruction a []task.Registers without a
// live recorder, and a trace file is a more realistic stand-in than an
// in-memory slice built by hand in every caller.
package ffrace

import (
	"encoding/binary"
	"io"

	"github.com/golang/snappy"
	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"

	"github.com/replaydbg/ffcore/task"
)

// Magic identifies a fast-forward target-state trace file.
const Magic = "FFTR"

const formatVersion uint32 = 1

// Header mirrors the reference codebase's TraceHeader: a fixed-size,
// struc-packed prefix naming the format version and the recorded tracee's
// architecture/byte order, ahead of the compressed record stream.
type Header struct {
	Magic   string `struc:"[4]byte"`
	Version uint32
	Arch    uint8
	Order   uint8 // 0 = little-endian, 1 = big-endian
}

func archToByte(a task.Arch) uint8 {
	switch a {
	case task.ArchX86:
		return 1
	case task.ArchX86_64:
		return 2
	default:
		return 0
	}
}

func byteToArch(b uint8) task.Arch {
	switch b {
	case 1:
		return task.ArchX86
	case 2:
		return task.ArchX86_64
	default:
		return task.ArchOther
	}
}

func orderToByte(order binary.ByteOrder) uint8 {
	if order == binary.BigEndian {
		return 1
	}
	return 0
}

func byteToOrder(b uint8) binary.ByteOrder {
	if b == 1 {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// record is the fixed-size, struc-packed on-disk shape of one
// task.Registers snapshot. Field order matches task.Registers so Reader and
// Writer stay trivial to keep in sync by eye.
type record struct {
	IP uint64
	AX uint64
	BX uint64
	CX uint64
	DX uint64
	SI uint64
	DI uint64
	BP uint64
	SP uint64

	R8, R9, R10, R11, R12, R13, R14, R15 uint64

	Flags uint64
}

func toRecord(r task.Registers) record {
	return record{
		IP: r.IPVal, AX: r.AX, BX: r.BX, CX: r.CXVal, DX: r.DX,
		SI: r.SIVal, DI: r.DIVal, BP: r.BP, SP: r.SP,
		R8: r.R8, R9: r.R9, R10: r.R10, R11: r.R11,
		R12: r.R12, R13: r.R13, R14: r.R14, R15: r.R15,
		Flags: r.Flags,
	}
}

func (rec record) toRegisters(arch task.Arch) task.Registers {
	return task.Registers{
		Arch:  arch,
		IPVal: rec.IP, AX: rec.AX, BX: rec.BX, CXVal: rec.CX, DX: rec.DX,
		SIVal: rec.SI, DIVal: rec.DI, BP: rec.BP, SP: rec.SP,
		R8: rec.R8, R9: rec.R9, R10: rec.R10, R11: rec.R11,
		R12: rec.R12, R13: rec.R13, R14: rec.R14, R15: rec.R15,
		Flags: rec.Flags,
	}
}

// Writer packs a header then streams snappy-compressed records, the same
// shape as the reference codebase's TraceWriter.
type Writer struct {
	w  io.WriteCloser
	zw io.WriteCloser
}

func NewWriter(w io.WriteCloser, arch task.Arch, order binary.ByteOrder) (*Writer, error) {
	header := Header{
		Magic:   Magic,
		Version: formatVersion,
		Arch:    archToByte(arch),
		Order:   orderToByte(order),
	}
	if err := struc.Pack(w, &header); err != nil {
		return nil, errors.Wrap(err, "packing trace header")
	}
	return &Writer{w: w, zw: snappy.NewBufferedWriter(w)}, nil
}

// Write appends one target-state snapshot to the trace.
func (tw *Writer) Write(r task.Registers) error {
	rec := toRecord(r)
	if err := struc.Pack(tw.zw, &rec); err != nil {
		return errors.Wrap(err, "packing record")
	}
	return nil
}

func (tw *Writer) Close() error {
	if err := tw.zw.Close(); err != nil {
		return errors.Wrap(err, "flushing snappy stream")
	}
	return tw.w.Close()
}

// Reader unpacks a trace file written by Writer.
type Reader struct {
	r      io.ReadCloser
	zr     *snappy.Reader
	Header Header
	Arch   task.Arch
}

func NewReader(r io.ReadCloser) (*Reader, error) {
	tr := &Reader{r: r}
	if err := struc.Unpack(r, &tr.Header); err != nil {
		return nil, errors.Wrap(err, "unpacking trace header")
	}
	if tr.Header.Magic != Magic {
		return nil, errors.Errorf("bad trace magic %q", tr.Header.Magic)
	}
	if tr.Header.Version != formatVersion {
		return nil, errors.Errorf("unsupported trace version %d", tr.Header.Version)
	}
	tr.Arch = byteToArch(tr.Header.Arch)
	tr.zr = snappy.NewReader(r)
	return tr, nil
}

// Next reads one record, returning io.EOF once the stream is exhausted -
// the on-disk equivalent of the in-memory target-state slice's nil
// terminator.
func (tr *Reader) Next() (task.Registers, error) {
	var rec record
	if err := struc.Unpack(tr.zr, &rec); err != nil {
		if err == io.EOF {
			return task.Registers{}, io.EOF
		}
		return task.Registers{}, errors.Wrap(err, "unpacking record")
	}
	return rec.toRegisters(tr.Arch), nil
}

// ReadAll materializes the full ordered slice FastForwardThroughInstruction
// expects, reading records until EOF.
func (tr *Reader) ReadAll() ([]task.Registers, error) {
	var out []task.Registers
	for {
		r, err := tr.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
}

func (tr *Reader) Close() error {
	tr.zr.Reset(nil)
	return tr.r.Close()
}
