//go:build debug

package check

import "fmt"

// Assert panics if cond is false. Compiled in only for debug builds.
func Assert(cond bool, msg string) {
	if !cond {
		panic("assertion failed: " + msg)
	}
}

// Assertf panics with a formatted message if cond is false. Compiled in
// only for debug builds.
func Assertf(cond bool, format string, args ...any) {
	if !cond {
		panic("assertion failed: " + fmt.Sprintf(format, args...))
	}
}
