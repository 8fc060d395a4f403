// Package promguard exports a Guard's counters to a Prometheus registry.
package promguard

import (
	"github.com/agentsh/sockguard/pkg/sockguard"
	"github.com/prometheus/client_golang/prometheus"
)

// Collector reads a Guard's Stats on every scrape.
type Collector struct {
	guard *sockguard.Guard

	checks  *prometheus.Desc
	blocked *prometheus.Desc
	byCall  *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector over g, or sockguard.DefaultGuard() when
// g is nil.
func NewCollector(g *sockguard.Guard) *Collector {
	if g == nil {
		g = sockguard.DefaultGuard()
	}
	return &Collector{
		guard: g,
		checks: prometheus.NewDesc(
			"sockguard_socket_checks_total",
			"Socket attempts checked against the policy.",
			nil, nil,
		),
		blocked: prometheus.NewDesc(
			"sockguard_socket_blocked_total",
			"Socket attempts blocked by the policy.",
			nil, nil,
		),
		byCall: prometheus.NewDesc(
			"sockguard_socket_blocked_by_call_total",
			"Blocked socket attempts by call.",
			[]string{"call"}, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.checks
	ch <- c.blocked
	ch <- c.byCall
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.guard.Stats()
	ch <- prometheus.MustNewConstMetric(c.checks, prometheus.CounterValue, float64(s.Checked))
	ch <- prometheus.MustNewConstMetric(c.blocked, prometheus.CounterValue, float64(s.Blocked))
	for call, n := range s.BlockedByCall {
		ch <- prometheus.MustNewConstMetric(c.byCall, prometheus.CounterValue, float64(n), call)
	}
}

// Register registers a collector over g with reg.
func Register(reg prometheus.Registerer, g *sockguard.Guard) error {
	return reg.Register(NewCollector(g))
}
