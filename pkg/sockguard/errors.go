package sockguard

import (
	"errors"
	"strings"
)

// Call names used in SocketBlockedError.
const (
	CallDial   = "net.Dial"
	CallListen = "net.Listen"
	CallSocket = "socket"
)

// ErrSocketBlocked matches any *SocketBlockedError via errors.Is.
var ErrSocketBlocked = errors.New("socket blocked")

// SocketBlockedError is returned when a socket is attempted while the policy
// blocks it.
type SocketBlockedError struct {
	Call    string
	Network string
	Address string
}

func (e *SocketBlockedError) Error() string {
	var b strings.Builder
	b.WriteString("SocketBlockedError: A test tried to use ")
	b.WriteString(e.Call)
	if e.Network != "" {
		b.WriteString(": ")
		b.WriteString(e.Network)
		if e.Address != "" {
			b.WriteByte(' ')
			b.WriteString(e.Address)
		}
	}
	return b.String()
}

func (e *SocketBlockedError) Is(target error) bool {
	return target == ErrSocketBlocked
}

// IsBlocked reports whether err is, or wraps, a SocketBlockedError.
func IsBlocked(err error) bool {
	var sbe *SocketBlockedError
	return errors.As(err, &sbe)
}
