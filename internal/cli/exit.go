package cli

import "fmt"

// ExitCodeBlocked is the exit code of check when an address is blocked.
const ExitCodeBlocked = 2

// ExitError carries a process exit code out of a command. An empty message
// means the command already reported what went wrong.
type ExitError struct {
	code    int
	message string
}

func blockedExit(blocked, total int) *ExitError {
	return &ExitError{code: ExitCodeBlocked, message: fmt.Sprintf("%d of %d addresses blocked", blocked, total)}
}

func (e *ExitError) Error() string {
	if e == nil {
		return ""
	}
	if e.message != "" {
		return e.message
	}
	return fmt.Sprintf("exit %d", e.code)
}

// Code defaults to 1 for a nil error.
func (e *ExitError) Code() int {
	if e == nil {
		return 1
	}
	return e.code
}

func (e *ExitError) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}
