package ir

import (
	"fmt"

	"tlog.app/go/loc"
)

type AssertionError struct {
	Msg string
	At  loc.PC
}

// Assert panics with an AssertionError if cond is false.
// Broken graph invariants are programming errors, never recoverable ones.
func Assert(cond bool, format string, args ...any) {
	if cond {
		return
	}

	panic(AssertionError{
		Msg: fmt.Sprintf(format, args...),
		At:  loc.Caller(1),
	})
}

func (e AssertionError) Error() string {
	return fmt.Sprintf("assertion failed: %v (at %v)", e.Msg, e.At)
}
