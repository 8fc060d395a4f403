package sockguard

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGuard(t *testing.T) (*Policy, *Guard) {
	t.Helper()
	p := NewPolicy()
	return p, NewGuard(p, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func listenLocal(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	return ln
}

func requireBlocked(t *testing.T, err error) *SocketBlockedError {
	t.Helper()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSocketBlocked)
	assert.True(t, IsBlocked(err))
	assert.Contains(t, err.Error(), "SocketBlockedError")
	var sbe *SocketBlockedError
	require.True(t, errors.As(err, &sbe), "expected *SocketBlockedError in %v", err)
	return sbe
}

func TestGuard_DialSucceedsByDefault(t *testing.T) {
	_, g := newTestGuard(t)
	ln := listenLocal(t)

	conn, err := g.DialContext(context.Background(), "tcp", ln.Addr().String())
	require.NoError(t, err)
	conn.Close()
}

func TestGuard_DialBlockedWhenDisabled(t *testing.T) {
	p, g := newTestGuard(t)
	ln := listenLocal(t)
	p.Disable()

	_, err := g.DialContext(context.Background(), "tcp", ln.Addr().String())
	sbe := requireBlocked(t, err)
	assert.Equal(t, CallDial, sbe.Call)
	assert.Equal(t, "tcp", sbe.Network)
	assert.Equal(t, ln.Addr().String(), sbe.Address)
	assert.Contains(t, err.Error(), "A test tried to use net.Dial: tcp "+ln.Addr().String())
}

func TestGuard_BlockedDialNeverResolves(t *testing.T) {
	p, g := newTestGuard(t)
	p.Disable()

	// A resolution attempt would surface as a DNS error instead.
	_, err := g.Dial("tcp", "sockguard-does-not-exist.invalid:80")
	sbe := requireBlocked(t, err)
	assert.Equal(t, "sockguard-does-not-exist.invalid:80", sbe.Address)
}

func TestGuard_DisableEnableSequence(t *testing.T) {
	p, g := newTestGuard(t)
	ln := listenLocal(t)

	p.Disable()
	p.Disable()
	p.Enable()

	conn, err := g.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	conn.Close()
}

func TestGuard_AllowedHostWhileDisabled(t *testing.T) {
	p, g := newTestGuard(t)
	ln := listenLocal(t)
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	p.Disable(HostPort{Host: "127.0.0.1", Port: port})
	conn, err := g.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	conn.Close()

	p.Disable(HostPort{Host: "127.0.0.1", Port: port + 1})
	_, err = g.Dial("tcp", ln.Addr().String())
	requireBlocked(t, err)
}

func TestGuard_DialerChecksResolvedAddress(t *testing.T) {
	p, g := newTestGuard(t)
	ln := listenLocal(t)

	var baseCalls int
	base := &net.Dialer{Control: func(network, address string, c syscall.RawConn) error {
		baseCalls++
		return nil
	}}
	d := g.Dialer(base)
	assert.Nil(t, d.Control)
	assert.NotNil(t, base.Control, "base dialer must not be modified")

	p.Disable(HostPort{Host: "127.0.0.0/8"})
	conn, err := d.DialContext(context.Background(), "tcp", ln.Addr().String())
	require.NoError(t, err)
	conn.Close()
	assert.Equal(t, 1, baseCalls)

	p.Disable()
	_, err = d.DialContext(context.Background(), "tcp", ln.Addr().String())
	sbe := requireBlocked(t, err)
	assert.Equal(t, "tcp4", sbe.Network)
	assert.Equal(t, 2, baseCalls)
}

func TestGuard_DialerBaseControlErrorWins(t *testing.T) {
	_, g := newTestGuard(t)
	ln := listenLocal(t)
	boom := errors.New("boom")

	d := g.Dialer(&net.Dialer{ControlContext: func(ctx context.Context, network, address string, c syscall.RawConn) error {
		return boom
	}})
	_, err := d.DialContext(context.Background(), "tcp", ln.Addr().String())
	require.ErrorIs(t, err, boom)
	assert.False(t, IsBlocked(err))
}

func TestGuard_UnixSocketPaths(t *testing.T) {
	dir, err := os.MkdirTemp("", "sg")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "app.sock")

	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Skipf("unix sockets unavailable: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	p, g := newTestGuard(t)
	p.Disable(HostPort{Host: path})
	conn, err := g.Dial("unix", path)
	require.NoError(t, err)
	conn.Close()

	_, err = g.Dial("unix", filepath.Join(dir, "other.sock"))
	requireBlocked(t, err)
}

func TestGuard_Transport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	t.Cleanup(srv.Close)

	p, g := newTestGuard(t)
	client := g.Client(nil)

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	p.Disable()
	client.CloseIdleConnections()
	_, err = client.Get(srv.URL)
	requireBlocked(t, err)

	p.Disable(HostPort{Host: "127.0.0.1"})
	resp, err = client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
}

func TestGuard_TransportWrapsCustomDial(t *testing.T) {
	p, g := newTestGuard(t)
	var dialed []string
	base := &http.Transport{
		DialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
			dialed = append(dialed, address)
			return nil, errors.New("no network in tests")
		},
	}
	client := &http.Client{Transport: g.Transport(base)}

	p.Disable()
	_, err := client.Get("http://example.com/")
	requireBlocked(t, err)
	assert.Empty(t, dialed)

	p.Enable()
	_, err = client.Get("http://example.com/")
	require.Error(t, err)
	assert.False(t, IsBlocked(err))
	assert.Equal(t, []string{"example.com:80"}, dialed)
}

func TestGuard_ClientLeavesCustomRoundTripper(t *testing.T) {
	_, g := newTestGuard(t)
	rt := roundTripFunc(func(*http.Request) (*http.Response, error) { return nil, errors.New("unused") })
	c := g.Client(&http.Client{Transport: rt})
	_, ok := c.Transport.(roundTripFunc)
	assert.True(t, ok)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestInstallDefaultTransport(t *testing.T) {
	p, g := newTestGuard(t)
	orig := http.DefaultTransport

	restore := InstallDefaultTransport(g)
	assert.NotSame(t, orig, http.DefaultTransport)

	p.Disable()
	_, err := http.Get("http://example.com/")
	requireBlocked(t, err)

	restore()
	assert.Equal(t, orig, http.DefaultTransport)
}

func TestGuard_Listen(t *testing.T) {
	p, g := newTestGuard(t)

	p.Disable()
	_, err := g.Listen(context.Background(), "tcp", "127.0.0.1:0")
	sbe := requireBlocked(t, err)
	assert.Equal(t, CallListen, sbe.Call)

	_, err = g.ListenPacket(context.Background(), "udp", "127.0.0.1:0")
	requireBlocked(t, err)

	p.Disable(HostPort{Host: "127.0.0.1"})
	ln, err := g.Listen(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ln.Close()

	p.Enable()
	ln, err = g.Listen(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ln.Close()
}

func TestGuard_ResolverIsGuarded(t *testing.T) {
	p, g := newTestGuard(t)
	p.Disable()

	_, err := g.Resolver().LookupHost(context.Background(), "example.com")
	require.Error(t, err)
	assert.GreaterOrEqual(t, g.Stats().Blocked, uint64(1))
}

func TestGuard_StatsAndMetrics(t *testing.T) {
	p, g := newTestGuard(t)
	ln := listenLocal(t)

	conn, err := g.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	conn.Close()

	p.Disable()
	_, err = g.Dial("tcp", ln.Addr().String())
	requireBlocked(t, err)
	_ = g.Check(CallListen, "tcp", "127.0.0.1:0")

	s := g.Stats()
	assert.Equal(t, uint64(3), s.Checked)
	assert.Equal(t, uint64(2), s.Blocked)
	assert.Equal(t, map[string]uint64{CallDial: 1, CallListen: 1}, s.BlockedByCall)

	var b strings.Builder
	require.NoError(t, g.WriteMetrics(&b))
	assert.Contains(t, b.String(), "sockguard_socket_blocked_total 2")
	assert.Contains(t, b.String(), `sockguard_socket_blocked_by_call_total{call="net.Dial"} 1`)
}

func TestGuard_LogsBlockedAttempts(t *testing.T) {
	var buf strings.Builder
	p := NewPolicy()
	g := NewGuard(p, WithLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))))
	p.Disable()

	_ = g.Check(CallDial, "tcp", "example.com:443")
	assert.Contains(t, buf.String(), "socket blocked")
	assert.Contains(t, buf.String(), "address=example.com:443")
}

func TestGuard_SetLogger(t *testing.T) {
	p, g := newTestGuard(t)
	p.Disable()

	var buf strings.Builder
	g.SetLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	_, err := g.Listen(context.Background(), "tcp", "127.0.0.1:0")
	requireBlocked(t, err)
	assert.Contains(t, buf.String(), "socket blocked")
	assert.Contains(t, buf.String(), "call=net.Listen")
}

func TestGuard_WithDialer(t *testing.T) {
	p := NewPolicy()
	ln := listenLocal(t)

	var baseCalls int
	base := &net.Dialer{Control: func(network, address string, c syscall.RawConn) error {
		baseCalls++
		return nil
	}}
	g := NewGuard(p, WithDialer(base), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	p.Disable(HostPort{Host: "127.0.0.1"})
	conn, err := g.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	conn.Close()
	assert.Equal(t, 1, baseCalls)

	p.Disable()
	_, err = g.Dial("tcp", ln.Addr().String())
	requireBlocked(t, err)
	assert.Equal(t, 1, baseCalls, "blocked dial never reaches the base dialer")
}

func TestSplitAddress(t *testing.T) {
	tests := []struct {
		network, address string
		host             string
		port             int
	}{
		{"tcp", "example.com:443", "example.com", 443},
		{"tcp", "example.com:https", "example.com", 443},
		{"tcp", "[::1]:80", "::1", 80},
		{"udp", "127.0.0.1:53", "127.0.0.1", 53},
		{"unix", "/tmp/x.sock", "/tmp/x.sock", 0},
		{"unixgram", "@abstract", "@abstract", 0},
		{"tcp", "no-port", "", 0},
		{"tcp", "", "", 0},
	}
	for _, tt := range tests {
		host, port := splitAddress(tt.network, tt.address)
		assert.Equal(t, tt.host, host, tt.address)
		assert.Equal(t, tt.port, port, tt.address)
	}
}

func TestNewGuardNilPolicyUsesDefault(t *testing.T) {
	g := NewGuard(nil)
	assert.Same(t, Default(), g.Policy())
}
