// Package sockguard blocks network sockets during test runs.
//
// A Policy holds a process-wide switch and an allow-list; a Guard consults it
// whenever code dials, listens or creates a raw socket through one of the
// Guard's seams. Disallowed attempts fail with a *SocketBlockedError whose
// message starts with "SocketBlockedError: A test tried to use".
//
//	sockguard.Disable()
//	_, err := sockguard.DialContext(ctx, "tcp", "example.com:443")
//	// errors.Is(err, sockguard.ErrSocketBlocked) == true
//
// Per-test directives, fixtures and the -disable-socket flag live in the
// sockguardtest subpackage.
package sockguard
