package trace

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/lunixbochs/capcorn/go/models"
)

var order = binary.LittleEndian

const (
	OP_NOP          = 0
	OP_CREATE       = 1
	OP_EXIT         = 2
	OP_EXIT_GROUP   = 3
	OP_SWITCH       = 4
	OP_SYSCALL      = 5
	OP_REAP         = 6
	OP_CREATE_GROUP = 7
)

func Unpack(r io.Reader) (models.Op, int, error) {
	var tmp [1]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return nil, 0, err
	}
	var op models.Op
	switch tmp[0] {
	case OP_NOP:
		op = &OpNop{}
	case OP_CREATE:
		op = &OpCreate{}
	case OP_EXIT:
		op = &OpExit{}
	case OP_EXIT_GROUP:
		op = &OpExitGroup{}
	case OP_SWITCH:
		op = &OpSwitch{}
	case OP_SYSCALL:
		op = &OpSyscall{}
	case OP_REAP:
		op = &OpReap{}
	case OP_CREATE_GROUP:
		op = &OpCreateGroup{}
	default:
		return nil, 0, errors.Errorf("Unknown op: %d", tmp[0])
	}
	n, err := op.Unpack(r)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return op, n + 1, err
}

func readString(r io.Reader, n int) (string, int, error) {
	buf := make([]byte, n)
	got, err := io.ReadFull(r, buf)
	return string(buf), got, err
}

type OpNop struct{}

func (o *OpNop) Sizeof() int                     { return 1 }
func (o *OpNop) Pack(p []byte)                   { p[0] = OP_NOP }
func (o *OpNop) Unpack(r io.Reader) (int, error) { return 0, nil }
func (o *OpNop) String() string                  { return "nop" }

// OpCreate records a published thread.
type OpCreate struct {
	Tid   uint64
	Type  uint8
	Prio  uint32
	Cap   int32
	Group string
}

func (o *OpCreate) Sizeof() int { return 1 + 8 + 1 + 4 + 4 + 2 + len(o.Group) }
func (o *OpCreate) Pack(p []byte) {
	p[0] = OP_CREATE
	order.PutUint64(p[1:], o.Tid)
	p[9] = o.Type
	order.PutUint32(p[10:], o.Prio)
	order.PutUint32(p[14:], uint32(o.Cap))
	order.PutUint16(p[18:], uint16(len(o.Group)))
	copy(p[20:], o.Group)
}

func (o *OpCreate) Unpack(r io.Reader) (int, error) {
	var tmp [8 + 1 + 4 + 4 + 2]byte
	total, err := io.ReadFull(r, tmp[:])
	if err != nil {
		return total, err
	}
	o.Tid = order.Uint64(tmp[:])
	o.Type = tmp[8]
	o.Prio = order.Uint32(tmp[9:])
	o.Cap = int32(order.Uint32(tmp[13:]))
	var n int
	o.Group, n, err = readString(r, int(order.Uint16(tmp[17:])))
	return total + n, err
}

func (o *OpCreate) String() string {
	return fmt.Sprintf("create tid=%d type=%d prio=%d cap=%d group=%s", o.Tid, o.Type, o.Prio, o.Cap, o.Group)
}

// OpExit records a thread leaving its group; Last is set when it was the
// final live member.
type OpExit struct {
	Tid  uint64
	Last bool
}

func (o *OpExit) Sizeof() int { return 1 + 8 + 1 }
func (o *OpExit) Pack(p []byte) {
	p[0] = OP_EXIT
	order.PutUint64(p[1:], o.Tid)
	p[9] = 0
	if o.Last {
		p[9] = 1
	}
}

func (o *OpExit) Unpack(r io.Reader) (int, error) {
	var tmp [8 + 1]byte
	n, err := io.ReadFull(r, tmp[:])
	if err == nil {
		o.Tid = order.Uint64(tmp[:])
		o.Last = tmp[8] != 0
	}
	return n, err
}

func (o *OpExit) String() string {
	if o.Last {
		return fmt.Sprintf("exit tid=%d (last)", o.Tid)
	}
	return fmt.Sprintf("exit tid=%d", o.Tid)
}

type OpExitGroup struct {
	Code    int32
	Members uint32
	Revoked uint32
	Group   string
}

func (o *OpExitGroup) Sizeof() int { return 1 + 4 + 4 + 4 + 2 + len(o.Group) }
func (o *OpExitGroup) Pack(p []byte) {
	p[0] = OP_EXIT_GROUP
	order.PutUint32(p[1:], uint32(o.Code))
	order.PutUint32(p[5:], o.Members)
	order.PutUint32(p[9:], o.Revoked)
	order.PutUint16(p[13:], uint16(len(o.Group)))
	copy(p[15:], o.Group)
}

func (o *OpExitGroup) Unpack(r io.Reader) (int, error) {
	var tmp [4 + 4 + 4 + 2]byte
	total, err := io.ReadFull(r, tmp[:])
	if err != nil {
		return total, err
	}
	o.Code = int32(order.Uint32(tmp[:]))
	o.Members = order.Uint32(tmp[4:])
	o.Revoked = order.Uint32(tmp[8:])
	var n int
	o.Group, n, err = readString(r, int(order.Uint16(tmp[12:])))
	return total + n, err
}

func (o *OpExitGroup) String() string {
	return fmt.Sprintf("exit_group group=%s code=%d members=%d revoked=%d", o.Group, o.Code, o.Members, o.Revoked)
}

// OpSwitch records a context switch; a zero tid is the idle loop.
type OpSwitch struct {
	CPU  uint16
	From uint64
	To   uint64
}

func (o *OpSwitch) Sizeof() int { return 1 + 2 + 8 + 8 }
func (o *OpSwitch) Pack(p []byte) {
	p[0] = OP_SWITCH
	order.PutUint16(p[1:], o.CPU)
	order.PutUint64(p[3:], o.From)
	order.PutUint64(p[11:], o.To)
}

func (o *OpSwitch) Unpack(r io.Reader) (int, error) {
	var tmp [2 + 8 + 8]byte
	n, err := io.ReadFull(r, tmp[:])
	if err == nil {
		o.CPU = order.Uint16(tmp[:])
		o.From = order.Uint64(tmp[2:])
		o.To = order.Uint64(tmp[10:])
	}
	return n, err
}

func (o *OpSwitch) String() string {
	return fmt.Sprintf("switch cpu%d %d -> %d", o.CPU, o.From, o.To)
}

type OpSyscall struct {
	Tid  uint64
	Ret  uint64
	Args []uint64
	Name string
}

func (o *OpSyscall) Sizeof() int { return 1 + 8 + 8 + 1 + 1 + len(o.Args)*8 + len(o.Name) }
func (o *OpSyscall) Pack(p []byte) {
	p[0] = OP_SYSCALL
	order.PutUint64(p[1:], o.Tid)
	order.PutUint64(p[9:], o.Ret)
	p[17] = uint8(len(o.Args))
	p[18] = uint8(len(o.Name))
	off := 19
	for _, v := range o.Args {
		order.PutUint64(p[off:], v)
		off += 8
	}
	copy(p[off:], o.Name)
}

func (o *OpSyscall) Unpack(r io.Reader) (int, error) {
	var tmp [8 + 8 + 1 + 1]byte
	total, err := io.ReadFull(r, tmp[:])
	if err != nil {
		return total, err
	}
	o.Tid = order.Uint64(tmp[:])
	o.Ret = order.Uint64(tmp[8:])
	args, nlen := int(tmp[16]), int(tmp[17])
	buf := make([]byte, args*8)
	n, err := io.ReadFull(r, buf)
	total += n
	if err != nil {
		return total, errors.Wrap(err, "syscall unpack")
	}
	o.Args = nil
	if args > 0 {
		o.Args = make([]uint64, args)
	}
	for i := range o.Args {
		o.Args[i] = order.Uint64(buf[i*8:])
	}
	o.Name, n, err = readString(r, nlen)
	return total + n, err
}

func (o *OpSyscall) String() string {
	args := make([]string, len(o.Args))
	for i, v := range o.Args {
		args[i] = fmt.Sprintf("%#x", v)
	}
	return fmt.Sprintf("tid=%d %s(%s) = %#x", o.Tid, o.Name, strings.Join(args, ", "), o.Ret)
}

// OpReap records a thread reaching TE_EXITED.
type OpReap struct {
	Tid uint64
}

func (o *OpReap) Sizeof() int { return 1 + 8 }
func (o *OpReap) Pack(p []byte) {
	p[0] = OP_REAP
	order.PutUint64(p[1:], o.Tid)
}

func (o *OpReap) Unpack(r io.Reader) (int, error) {
	var tmp [8]byte
	n, err := io.ReadFull(r, tmp[:])
	if err == nil {
		o.Tid = order.Uint64(tmp[:])
	}
	return n, err
}

func (o *OpReap) String() string { return fmt.Sprintf("reap tid=%d", o.Tid) }

type OpCreateGroup struct {
	Cap  int32
	Name string
}

func (o *OpCreateGroup) Sizeof() int { return 1 + 4 + 2 + len(o.Name) }
func (o *OpCreateGroup) Pack(p []byte) {
	p[0] = OP_CREATE_GROUP
	order.PutUint32(p[1:], uint32(o.Cap))
	order.PutUint16(p[5:], uint16(len(o.Name)))
	copy(p[7:], o.Name)
}

func (o *OpCreateGroup) Unpack(r io.Reader) (int, error) {
	var tmp [4 + 2]byte
	total, err := io.ReadFull(r, tmp[:])
	if err != nil {
		return total, err
	}
	o.Cap = int32(order.Uint32(tmp[:]))
	var n int
	o.Name, n, err = readString(r, int(order.Uint16(tmp[4:])))
	return total + n, err
}

func (o *OpCreateGroup) String() string {
	return fmt.Sprintf("create_cap_group cap=%d name=%s", o.Cap, o.Name)
}
