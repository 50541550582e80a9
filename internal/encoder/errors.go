package encoder

import (
	"fmt"
	"path/filepath"
)

// ProcessError reports a failed encoder invocation. ExitCode is -1 when
// the process never ran to completion (not found, I/O error, cancelled).
type ProcessError struct {
	Op       string
	Input    string
	ExitCode int
	Detail   string
	Err      error
}

func (e *ProcessError) Error() string {
	msg := fmt.Sprintf("%s %s: ", e.Op, filepath.Base(e.Input))
	if e.ExitCode > 0 {
		msg += fmt.Sprintf("ffmpeg exited with status %d", e.ExitCode)
	} else {
		msg += e.Err.Error()
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}
