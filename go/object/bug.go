package object

import (
	"fmt"

	"github.com/pkg/errors"
)

// Bug is a broken invariant that must abort the current call path.
type Bug struct {
	Err error
}

func (b *Bug) Error() string { return "BUG: " + b.Err.Error() }
func (b *Bug) Cause() error  { return b.Err }

func BugOn(cond bool, format string, args ...interface{}) {
	if cond {
		panic(&Bug{errors.Errorf(format, args...)})
	}
}

// Violation is an internal inconsistency caused by a collaborator. It is
// reported and execution continues.
type Violation struct {
	What string
}

func (v *Violation) Error() string { return "consistency violation: " + v.What }

func Violationf(format string, args ...interface{}) *Violation {
	return &Violation{What: fmt.Sprintf(format, args...)}
}
