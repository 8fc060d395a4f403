//go:build unix

package sockguard

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Socket is a guarded socket(2). A socket has no peer when it is created, so
// the allow-list cannot apply and the call is refused whenever the policy is
// disabled.
func (g *Guard) Socket(family, sotype, proto int) (int, error) {
	if err := g.Check(CallSocket, socketNetwork(family, sotype), ""); err != nil {
		return -1, err
	}
	return unix.Socket(family, sotype, proto)
}

// Socket creates a socket through the default guard.
func Socket(family, sotype, proto int) (int, error) {
	return stdGuard.Socket(family, sotype, proto)
}

func socketNetwork(family, sotype int) string {
	var f string
	switch family {
	case unix.AF_INET:
		f = "AF_INET"
	case unix.AF_INET6:
		f = "AF_INET6"
	case unix.AF_UNIX:
		f = "AF_UNIX"
	default:
		f = fmt.Sprintf("AF(%d)", family)
	}

	var t string
	// Strip SOCK_NONBLOCK/SOCK_CLOEXEC style flags.
	switch sotype & 0xf {
	case unix.SOCK_STREAM:
		t = "SOCK_STREAM"
	case unix.SOCK_DGRAM:
		t = "SOCK_DGRAM"
	case unix.SOCK_RAW:
		t = "SOCK_RAW"
	case unix.SOCK_SEQPACKET:
		t = "SOCK_SEQPACKET"
	default:
		t = fmt.Sprintf("SOCK(%d)", sotype)
	}
	return f + "/" + t
}
