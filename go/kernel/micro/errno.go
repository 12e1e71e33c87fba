package micro

import (
	"github.com/pkg/errors"

	"github.com/lunixbochs/capcorn/go/capgroup"
	"github.com/lunixbochs/capcorn/go/futex"
	"github.com/lunixbochs/capcorn/go/object"
)

const (
	EAGAIN = 11
	ENOMEM = 12
	EFAULT = 14
	EINVAL = 22
	ENOSYS = 38
	// capability did not resolve
	ECAPBILITY = 1000
)

var ErrInvalid = errors.New("invalid argument")

func neg(e int) uint64 {
	return uint64(int64(-e))
}

// Errno maps a kernel error to the negative code a syscall returns.
func Errno(err error) uint64 {
	if err == nil {
		return 0
	}
	switch cause := errors.Cause(err); cause {
	case object.ErrNoMem, capgroup.ErrNoSlot:
		return neg(ENOMEM)
	case capgroup.ErrInvalidCap, capgroup.ErrExiting:
		return neg(ECAPBILITY)
	case futex.ErrAgain:
		return neg(EAGAIN)
	default:
		// ErrInvalid, overlapping maps and bad user pointers
		return neg(EINVAL)
	}
}

// IsErr reports whether a syscall result is a negative error code.
func IsErr(ret uint64) bool {
	return int64(ret) < 0 && int64(ret) >= -4095
}
