package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector counts socket attempts seen by the guard and exports them in the
// Prometheus text format.
type Collector struct {
	startedAt time.Time

	checksTotal  atomic.Uint64
	blockedTotal atomic.Uint64
	byCall       sync.Map // string -> *atomic.Uint64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Checks        uint64            `json:"checks"`
	Blocked       uint64            `json:"blocked"`
	BlockedByCall map[string]uint64 `json:"blocked_by_call,omitempty"`
}

func New() *Collector {
	return &Collector{startedAt: time.Now().UTC()}
}

func (c *Collector) IncCheck() {
	if c == nil {
		return
	}
	c.checksTotal.Add(1)
}

func (c *Collector) IncBlocked(call string) {
	if c == nil {
		return
	}
	c.blockedTotal.Add(1)
	if call == "" {
		call = "unknown"
	}
	ptr, _ := c.byCall.LoadOrStore(call, &atomic.Uint64{})
	ptr.(*atomic.Uint64).Add(1)
}

func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	s := Snapshot{
		Checks:  c.checksTotal.Load(),
		Blocked: c.blockedTotal.Load(),
	}
	for _, call := range snapshotKeys(&c.byCall) {
		if s.BlockedByCall == nil {
			s.BlockedByCall = make(map[string]uint64)
		}
		s.BlockedByCall[call] = c.load(call)
	}
	return s
}

func (c *Collector) load(call string) uint64 {
	ptr, _ := c.byCall.Load(call)
	if ptr == nil {
		return 0
	}
	return ptr.(*atomic.Uint64).Load()
}

// WriteText writes the counters in the Prometheus text exposition format.
func (c *Collector) WriteText(w io.Writer) error {
	var b strings.Builder
	b.WriteString("# HELP sockguard_socket_checks_total Socket attempts checked against the policy.\n")
	b.WriteString("# TYPE sockguard_socket_checks_total counter\n")
	fmt.Fprintf(&b, "sockguard_socket_checks_total %d\n", c.checksTotal.Load())

	b.WriteString("# HELP sockguard_socket_blocked_total Socket attempts blocked by the policy.\n")
	b.WriteString("# TYPE sockguard_socket_blocked_total counter\n")
	fmt.Fprintf(&b, "sockguard_socket_blocked_total %d\n", c.blockedTotal.Load())

	calls := snapshotKeys(&c.byCall)
	if len(calls) > 0 {
		b.WriteString("# HELP sockguard_socket_blocked_by_call_total Blocked socket attempts by call.\n")
		b.WriteString("# TYPE sockguard_socket_blocked_by_call_total counter\n")
		for _, call := range calls {
			fmt.Fprintf(&b, "sockguard_socket_blocked_by_call_total{call=\"%s\"} %d\n", escapeLabelValue(call), c.load(call))
		}
	}

	b.WriteString("# HELP sockguard_start_time_seconds Unix time the collector was created.\n")
	b.WriteString("# TYPE sockguard_start_time_seconds gauge\n")
	fmt.Fprintf(&b, "sockguard_start_time_seconds %d\n", c.startedAt.Unix())

	_, err := io.WriteString(w, b.String())
	return err
}

func snapshotKeys(m *sync.Map) []string {
	var out []string
	m.Range(func(k, _ any) bool {
		if s, ok := k.(string); ok {
			out = append(out, s)
		}
		return true
	})
	sort.Strings(out)
	return out
}

func escapeLabelValue(v string) string {
	// Prometheus text format label escaping for " and \ and newlines.
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\n", "\\n")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	return v
}
