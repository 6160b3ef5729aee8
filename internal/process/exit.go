package process

import (
	"os"
	"unicode/utf8"
)

// Exit describes how a supervised process ended.
type Exit struct {
	// Status is a human readable rendering such as "exit status 1" or
	// "signal: killed".
	Status  string
	Code    int
	Success bool
	// Stderr holds the captured standard error; nil when it is not valid UTF-8.
	Stderr *string
	// Err is set when waiting itself failed rather than the process.
	Err error
}

func newExit(ps *os.ProcessState, waitErr error, stderr []byte) Exit {
	e := Exit{Code: -1}
	if ps != nil {
		e.Status = ps.String()
		e.Code = ps.ExitCode()
		e.Success = ps.Success()
	}
	if waitErr != nil && ps == nil {
		e.Status = waitErr.Error()
		e.Err = waitErr
		e.Success = false
	}
	if utf8.Valid(stderr) {
		s := string(stderr)
		e.Stderr = &s
	}
	return e
}
