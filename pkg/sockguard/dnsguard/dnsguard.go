// Package dnsguard routes miekg/dns client exchanges through a
// sockguard.Guard.
package dnsguard

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/agentsh/sockguard/pkg/sockguard"
	"github.com/miekg/dns"
)

const defaultDialTimeout = 2 * time.Second

// Client returns a client configured like base whose connections to name
// servers are checked by g, or sockguard.DefaultGuard() when g is nil. The
// check sees the resolved server address.
func Client(g *sockguard.Guard, base *dns.Client) *dns.Client {
	if g == nil {
		g = sockguard.DefaultGuard()
	}
	if base == nil {
		base = &dns.Client{}
	}
	c := &dns.Client{
		Net:          base.Net,
		UDPSize:      base.UDPSize,
		TLSConfig:    base.TLSConfig,
		Timeout:      base.Timeout,
		DialTimeout:  base.DialTimeout,
		ReadTimeout:  base.ReadTimeout,
		WriteTimeout: base.WriteTimeout,
		TsigSecret:   base.TsigSecret,
		TsigProvider: base.TsigProvider,
	}

	d := base.Dialer
	if d == nil {
		timeout := defaultDialTimeout
		if base.DialTimeout > 0 {
			timeout = base.DialTimeout
		}
		d = &net.Dialer{Timeout: timeout}
	}
	c.Dialer = g.Dialer(d)
	return c
}

// Exchange checks the name server address as given before exchanging m,
// so a server named by host is refused without being resolved.
func Exchange(ctx context.Context, g *sockguard.Guard, c *dns.Client, m *dns.Msg, address string) (*dns.Msg, time.Duration, error) {
	if g == nil {
		g = sockguard.DefaultGuard()
	}
	network := clientNetwork(c.Net)
	if err := g.Check(sockguard.CallDial, network, address); err != nil {
		return nil, 0, &net.OpError{Op: "dial", Net: network, Err: err}
	}
	return c.ExchangeContext(ctx, m, address)
}

func clientNetwork(n string) string {
	if n == "" {
		return "udp"
	}
	return strings.TrimSuffix(n, "-tls")
}
