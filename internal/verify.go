package internal

import "github.com/cockroachdb/errors"

// Verify panics when an automaton invariant does not hold. The state machine
// cannot continue safely after such a violation, so there is no error return.
func Verify(cond bool, format string, args ...interface{}) {
	if cond {
		return
	}
	panic(errors.AssertionFailedf(format, args...))
}

// Unreachable panics for enumeration values no switch arm handles.
func Unreachable(format string, args ...interface{}) {
	panic(errors.AssertionFailedf("unreachable: "+format, args...))
}
