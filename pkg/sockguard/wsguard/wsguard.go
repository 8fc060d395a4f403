// Package wsguard routes gorilla/websocket dials through a sockguard.Guard.
package wsguard

import (
	"context"
	"net"

	"github.com/agentsh/sockguard/pkg/sockguard"
	"github.com/gorilla/websocket"
)

// Dialer returns a copy of base (websocket.DefaultDialer when nil) whose
// connections, including any proxy hop, are dialed through g.
func Dialer(g *sockguard.Guard, base *websocket.Dialer) *websocket.Dialer {
	if g == nil {
		g = sockguard.DefaultGuard()
	}
	if base == nil {
		base = websocket.DefaultDialer
	}
	d := *base

	next := sockguard.DialFunc(d.NetDialContext)
	if next == nil && d.NetDial != nil {
		netDial := d.NetDial
		next = func(_ context.Context, network, addr string) (net.Conn, error) {
			return netDial(network, addr)
		}
	}
	d.NetDial = nil
	d.NetDialContext = g.WrapDial(next)
	if d.NetDialTLSContext != nil {
		d.NetDialTLSContext = g.WrapDial(d.NetDialTLSContext)
	}
	return &d
}
