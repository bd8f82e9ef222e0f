package corert

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/brooklang/coreruntime/internal/process"
	"github.com/brooklang/coreruntime/internal/rterr"
)

// System surface: the handful of host facilities compiled
// code reaches through the runtime rather than the OS directly.

// Arguments returns the program's command-line arguments, without the
// executable name.
func Arguments() []string {
	return os.Args[1:]
}

// Getcwd returns the current working directory.
func Getcwd() (string, error) {
	return os.Getwd()
}

// NowNanos returns the current wall-clock time in nanoseconds since the
// Unix epoch.
func NowNanos() int64 {
	return time.Now().UnixNano()
}

// InternalExit requests program termination with the given status. It
// unwinds as a panic through task boundaries; DrainForExit at the
// outermost task loop converts it into an exit status (the
// runtime's exit-exception convention).
func InternalExit(status int) {
	panic(&rterr.ExitError{Status: status})
}

// PrintError writes err to standard error the way the runtime reports
// uncaught failures.
func PrintError(err error) {
	fmt.Fprintln(os.Stderr, err)
}

// DrainForExit runs p's task loop until everything posted has run and
// no handles remain, converting an InternalExit raised by any task into
// that task's requested exit status. Any other panic escapes unchanged;
// a clean drain returns status 0.
func DrainForExit(p *process.Process) (status int) {
	defer func() {
		if r := recover(); r != nil {
			var exit *rterr.ExitError
			if e, ok := r.(error); ok && errors.As(e, &exit) {
				status = exit.Status
				return
			}
			panic(r)
		}
	}()
	p.DrainEverythingSleepingIfNecessary()
	return 0
}
