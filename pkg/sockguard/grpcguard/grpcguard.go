// Package grpcguard routes gRPC client connections through a sockguard.Guard.
//
//	conn, err := grpc.NewClient("passthrough:///db.internal:9090",
//		grpcguard.DialOption(nil),
//		grpc.WithTransportCredentials(insecure.NewCredentials()),
//	)
package grpcguard

import (
	"context"
	"net"
	"strings"

	"github.com/agentsh/sockguard/pkg/sockguard"
	"google.golang.org/grpc"
)

// Dialer returns a context dialer for grpc.WithContextDialer that dials
// through g, or sockguard.DefaultGuard() when g is nil.
func Dialer(g *sockguard.Guard) func(context.Context, string) (net.Conn, error) {
	if g == nil {
		g = sockguard.DefaultGuard()
	}
	return func(ctx context.Context, addr string) (net.Conn, error) {
		network, address := splitTarget(addr)
		return g.DialContext(ctx, network, address)
	}
}

// DialOption installs Dialer(g) on a client connection.
func DialOption(g *sockguard.Guard) grpc.DialOption {
	return grpc.WithContextDialer(Dialer(g))
}

// splitTarget maps the address grpc hands to a custom dialer onto a
// network and address. Unix targets arrive as "unix:path" or
// "unix://path".
func splitTarget(addr string) (string, string) {
	switch {
	case strings.HasPrefix(addr, "unix://"):
		return "unix", strings.TrimPrefix(addr, "unix://")
	case strings.HasPrefix(addr, "unix:"):
		return "unix", strings.TrimPrefix(addr, "unix:")
	case strings.HasPrefix(addr, "unix-abstract:"):
		return "unix", "@" + strings.TrimPrefix(addr, "unix-abstract:")
	default:
		return "tcp", addr
	}
}
