package common

import (
	"encoding/binary"

	"github.com/lunixbochs/argjoy"
	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"

	"github.com/lunixbochs/capcorn/go/capgroup"
	"github.com/lunixbochs/capcorn/go/models"
	"github.com/lunixbochs/capcorn/go/vmspace"
)

type (
	// Buf is a user pointer, resolved in the caller's address space.
	Buf struct {
		Addr  uint64
		Space *vmspace.VMSpace
	}
	Obuf struct{ Buf }
	Len  uint64
	Ptr  uint64
)

var ErrNoSpace = errors.New("user buffer has no address space")

func NewBuf(space *vmspace.VMSpace, addr uint64) Buf {
	return Buf{Space: space, Addr: addr}
}

func (b Buf) Struc() *models.StrucStream {
	return &models.StrucStream{Stream: b.Space.At(b.Addr), Order: binary.LittleEndian}
}

func (b Buf) Pack(i interface{}) error {
	if b.Space == nil {
		return ErrNoSpace
	}
	return errors.Wrap(b.Struc().Pack(i), "struc.Pack() failed")
}

func (b Buf) Unpack(i interface{}) error {
	if b.Space == nil {
		return ErrNoSpace
	}
	return errors.Wrap(b.Struc().Unpack(i), "struc.Unpack() failed")
}

func (b Buf) Sizeof(i interface{}) (int, error) {
	n, err := struc.Sizeof(i)
	return n, errors.Wrap(err, "struc.Sizeof() failed")
}

func commonArgCodec(arg interface{}, vals []interface{}) error {
	reg, ok := vals[0].(uint64)
	if !ok {
		return argjoy.NoMatch
	}
	switch v := arg.(type) {
	case *Buf:
		*v = Buf{Addr: reg}
	case *Obuf:
		*v = Obuf{Buf{Addr: reg}}
	case *Len:
		*v = Len(reg)
	case *Ptr:
		*v = Ptr(reg)
	case *capgroup.Cap:
		*v = capgroup.Cap(int32(reg))
	// registers carry sign-extended 32-bit values
	case *int32:
		*v = int32(reg)
	case *uint32:
		*v = uint32(reg)
	case *int:
		*v = int(int64(reg))
	default:
		return argjoy.NoMatch
	}
	return nil
}
