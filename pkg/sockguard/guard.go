package sockguard

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"syscall"

	"github.com/agentsh/sockguard/internal/metrics"
)

// Guard is the interception point: it checks a Policy before a socket is
// created and refuses with a *SocketBlockedError when the policy says so.
//
// Nothing in the standard library is patched. Code under test has to reach
// the network through one of the Guard's seams (DialContext, Dialer,
// Transport, Client, ListenConfig, Resolver, Socket) or through
// http.DefaultTransport after InstallDefaultTransport.
type Guard struct {
	policy  *Policy
	base    *net.Dialer
	dialer  *net.Dialer
	logger  atomic.Pointer[slog.Logger]
	metrics *metrics.Collector
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithLogger sets the logger used for blocked attempts. Defaults to
// slog.Default().
func WithLogger(l *slog.Logger) GuardOption {
	return func(g *Guard) { g.logger.Store(l) }
}

// WithDialer sets the dialer that guarded dials are made with.
func WithDialer(d *net.Dialer) GuardOption {
	return func(g *Guard) { g.base = d }
}

// Stats counts the socket attempts a Guard has seen.
type Stats struct {
	Checked       uint64            `json:"checked"`
	Blocked       uint64            `json:"blocked"`
	BlockedByCall map[string]uint64 `json:"blocked_by_call,omitempty"`
}

// NewGuard returns a Guard over p, or over Default() when p is nil.
func NewGuard(p *Policy, opts ...GuardOption) *Guard {
	if p == nil {
		p = Default()
	}
	g := &Guard{policy: p, metrics: metrics.New()}
	for _, opt := range opts {
		opt(g)
	}
	g.dialer = g.Dialer(g.base)
	return g
}

// Policy returns the policy the guard consults.
func (g *Guard) Policy() *Policy { return g.policy }

// SetLogger replaces the logger used for blocked attempts. A nil l falls back
// to slog.Default().
func (g *Guard) SetLogger(l *slog.Logger) { g.logger.Store(l) }

func (g *Guard) log() *slog.Logger {
	if l := g.logger.Load(); l != nil {
		return l
	}
	return slog.Default()
}

// Check decides whether a socket for network/address may be created.
// Addresses without a host (nothing to match against the allow-list) are
// blocked whenever the policy is disabled.
func (g *Guard) Check(call, network, address string) error {
	g.metrics.IncCheck()
	host, port := splitAddress(network, address)
	if g.policy.permits(host, port) {
		return nil
	}
	return g.block(call, network, address)
}

func (g *Guard) block(call, network, address string) error {
	g.metrics.IncBlocked(call)
	g.log().Debug("socket blocked",
		"call", call,
		"network", network,
		"address", address,
	)
	return &SocketBlockedError{Call: call, Network: network, Address: address}
}

// Control has the signature of net.Dialer.Control and
// net.ListenConfig.Control. The address it sees is the resolved one.
func (g *Guard) Control(network, address string, _ syscall.RawConn) error {
	return g.Check(CallSocket, network, address)
}

type preapprovedKey struct{}

// Dialer returns a copy of base whose control hook consults the guard after
// any hook base already had.
func (g *Guard) Dialer(base *net.Dialer) *net.Dialer {
	var d net.Dialer
	if base != nil {
		d = *base
	}
	control, controlCtx := d.Control, d.ControlContext
	d.Control = nil
	d.ControlContext = func(ctx context.Context, network, address string, c syscall.RawConn) error {
		if controlCtx != nil {
			if err := controlCtx(ctx, network, address, c); err != nil {
				return err
			}
		} else if control != nil {
			if err := control(network, address, c); err != nil {
				return err
			}
		}
		// Already approved by name in DialContext.
		if approved, _ := ctx.Value(preapprovedKey{}).(bool); approved {
			return nil
		}
		return g.Check(CallDial, network, address)
	}
	return &d
}

// DialContext checks address as given, before any name resolution, so a
// blocked dial never reaches DNS.
func (g *Guard) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if err := g.Check(CallDial, network, address); err != nil {
		return nil, &net.OpError{Op: "dial", Net: network, Err: err}
	}
	return g.dialer.DialContext(context.WithValue(ctx, preapprovedKey{}, true), network, address)
}

// Dial is DialContext with a background context.
func (g *Guard) Dial(network, address string) (net.Conn, error) {
	return g.DialContext(context.Background(), network, address)
}

// DialFunc is the signature shared by net.Dialer.DialContext,
// http.Transport.DialContext and similar hooks.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// WrapDial returns a DialFunc that checks the address as given and then calls
// next, or dials through the guard when next is nil.
func (g *Guard) WrapDial(next DialFunc) DialFunc {
	if next == nil {
		return g.DialContext
	}
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		if err := g.Check(CallDial, network, address); err != nil {
			return nil, &net.OpError{Op: "dial", Net: network, Err: err}
		}
		return next(ctx, network, address)
	}
}

// Transport returns a clone of base (http.DefaultTransport when nil) whose
// connections are dialed through the guard.
func (g *Guard) Transport(base *http.Transport) *http.Transport {
	if base == nil {
		base = defaultTransport()
	}
	t := base.Clone()
	t.DialContext = g.WrapDial(base.DialContext)
	if base.DialTLSContext != nil {
		t.DialTLSContext = g.WrapDial(base.DialTLSContext)
	}
	return t
}

// Client returns a copy of base whose transport is guarded. A custom
// RoundTripper that is not an *http.Transport is left alone.
func (g *Guard) Client(base *http.Client) *http.Client {
	var c http.Client
	if base != nil {
		c = *base
	}
	switch rt := c.Transport.(type) {
	case nil:
		c.Transport = g.Transport(nil)
	case *http.Transport:
		c.Transport = g.Transport(rt)
	default:
		g.log().Warn("sockguard: client transport is not an *http.Transport, not guarded")
	}
	return &c
}

// ListenConfig returns a copy of base whose control hook consults the guard.
func (g *Guard) ListenConfig(base *net.ListenConfig) *net.ListenConfig {
	var lc net.ListenConfig
	if base != nil {
		lc = *base
	}
	control := lc.Control
	lc.Control = func(network, address string, c syscall.RawConn) error {
		if control != nil {
			if err := control(network, address, c); err != nil {
				return err
			}
		}
		return g.Check(CallListen, network, address)
	}
	return &lc
}

// Listen announces on the local address after the guard allows it.
func (g *Guard) Listen(ctx context.Context, network, address string) (net.Listener, error) {
	return g.ListenConfig(nil).Listen(ctx, network, address)
}

// ListenPacket is Listen for packet-oriented networks such as "udp".
func (g *Guard) ListenPacket(ctx context.Context, network, address string) (net.PacketConn, error) {
	return g.ListenConfig(nil).ListenPacket(ctx, network, address)
}

// Resolver returns a pure Go resolver whose DNS connections are guarded.
func (g *Guard) Resolver() *net.Resolver {
	return &net.Resolver{PreferGo: true, Dial: g.DialContext}
}

func (g *Guard) Stats() Stats {
	s := g.metrics.Snapshot()
	return Stats{Checked: s.Checks, Blocked: s.Blocked, BlockedByCall: s.BlockedByCall}
}

// WriteMetrics writes the guard's counters in the Prometheus text format.
func (g *Guard) WriteMetrics(w io.Writer) error {
	return g.metrics.WriteText(w)
}

var stdGuard = NewGuard(std)

// DefaultGuard returns the guard over the process-wide policy.
func DefaultGuard() *Guard { return stdGuard }

// DialContext dials through the default guard.
func DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return stdGuard.DialContext(ctx, network, address)
}

// InstallDefaultTransport replaces http.DefaultTransport with a guarded clone
// and returns a func that puts the original back. A nil g means
// DefaultGuard().
func InstallDefaultTransport(g *Guard) (restore func()) {
	if g == nil {
		g = stdGuard
	}
	orig := http.DefaultTransport
	base, _ := orig.(*http.Transport)
	http.DefaultTransport = g.Transport(base)
	return func() { http.DefaultTransport = orig }
}

func defaultTransport() *http.Transport {
	if t, ok := http.DefaultTransport.(*http.Transport); ok {
		return t
	}
	return &http.Transport{}
}

// splitAddress extracts the host and port to match against the allow-list.
// Unix socket paths are matched as a host with port 0.
func splitAddress(network, address string) (string, int) {
	switch network {
	case "unix", "unixgram", "unixpacket":
		return address, 0
	}
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		// Service names such as "https" resolve locally.
		if port, err = net.LookupPort(network, portStr); err != nil {
			return host, 0
		}
	}
	return host, port
}
