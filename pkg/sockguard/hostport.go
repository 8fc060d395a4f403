package sockguard

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/gobwas/glob"
)

// HostPort is an allow-list entry. Port 0 matches any port.
//
// Host may be a hostname, an IP literal, a CIDR block, a glob pattern
// ("*.svc.local") or a unix socket path.
type HostPort struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port,omitempty" json:"port,omitempty"`
}

func (h HostPort) String() string {
	if h.Port == 0 {
		return h.Host
	}
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

// ParseHostPort parses "host:port", "[v6]:port" or a bare host.
func ParseHostPort(s string) (HostPort, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return HostPort{}, fmt.Errorf("empty host")
	}
	if isSocketPath(s) {
		return HostPort{Host: s}, nil
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		// Bare host, including IPv6 literals with or without brackets.
		if strings.HasPrefix(s, "[") != strings.HasSuffix(s, "]") {
			return HostPort{}, fmt.Errorf("invalid host %q: unbalanced brackets", s)
		}
		host = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
		portStr = ""
	}
	if host == "" {
		return HostPort{}, fmt.Errorf("invalid host %q: empty host", s)
	}

	hp := HostPort{Host: host}
	if portStr != "" && portStr != "*" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return HostPort{}, fmt.Errorf("invalid port %q: %w", portStr, err)
		}
		if port < 1 || port > 65535 {
			return HostPort{}, fmt.Errorf("port out of range: %d", port)
		}
		hp.Port = port
	}

	if strings.Contains(host, "/") {
		if _, _, err := net.ParseCIDR(host); err != nil {
			return HostPort{}, fmt.Errorf("invalid CIDR %q: %w", host, err)
		}
	} else if hasGlobMeta(host) {
		if _, err := glob.Compile(strings.ToLower(host), '.'); err != nil {
			return HostPort{}, fmt.Errorf("compile host pattern %q: %w", host, err)
		}
	}
	return hp, nil
}

// ParseAllowList parses allow-list items. Each item may itself be a
// comma-separated list, which is how the -allow-hosts flag and the
// SOCKGUARD_ALLOW_HOSTS variable carry several entries.
func ParseAllowList(specs []string) ([]HostPort, error) {
	var out []HostPort
	for _, spec := range specs {
		for _, item := range strings.Split(spec, ",") {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			hp, err := ParseHostPort(item)
			if err != nil {
				return nil, fmt.Errorf("allow host %q: %w", item, err)
			}
			out = append(out, hp)
		}
	}
	return out, nil
}

// allowRule is a compiled HostPort.
type allowRule struct {
	entry HostPort
	host  string
	ip    net.IP
	ipNet *net.IPNet
	glob  glob.Glob
}

func compileAllowRule(h HostPort) allowRule {
	r := allowRule{entry: h, host: normalizeHost(h.Host)}
	if isSocketPath(h.Host) {
		r.host = h.Host
		return r
	}
	if strings.Contains(r.host, "/") {
		if _, ipNet, err := net.ParseCIDR(r.host); err == nil {
			r.ipNet = ipNet
			return r
		}
	}
	if ip := net.ParseIP(r.host); ip != nil {
		r.ip = ip
		return r
	}
	if hasGlobMeta(r.host) {
		g, err := glob.Compile(r.host, '.')
		if err != nil {
			g = glob.MustCompile(glob.QuoteMeta(r.host))
		}
		r.glob = g
	}
	return r
}

func (r allowRule) matches(host string, port int) bool {
	if r.entry.Port != 0 && r.entry.Port != port {
		return false
	}
	if isSocketPath(host) || isSocketPath(r.host) {
		return host == r.host
	}

	host = normalizeHost(host)
	switch {
	case r.ipNet != nil:
		ip := net.ParseIP(host)
		return ip != nil && r.ipNet.Contains(ip)
	case r.ip != nil:
		ip := net.ParseIP(host)
		return ip != nil && r.ip.Equal(ip)
	case r.glob != nil:
		return r.glob.Match(host)
	default:
		return host == r.host
	}
}

func normalizeHost(h string) string {
	h = strings.TrimSuffix(strings.TrimPrefix(h, "["), "]")
	// Zone identifiers are irrelevant for allow-list purposes.
	if i := strings.IndexByte(h, '%'); i >= 0 {
		h = h[:i]
	}
	return strings.TrimSuffix(strings.ToLower(h), ".")
}

func hasGlobMeta(s string) bool {
	return strings.ContainsAny(s, "*?[{")
}

func isSocketPath(s string) bool {
	return strings.HasPrefix(s, "/") || strings.HasPrefix(s, "@")
}
