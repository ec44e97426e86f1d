package monitor

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cuemby/pgautofailover/pkg/log"
	"github.com/cuemby/pgautofailover/pkg/metrics"
)

// HealthProbe independently polls every registered node's Postgres
// port on a short cadence and, on every probe, proposes a health_probe
// command carrying each node's result, per spec.md §4.5: "An independent
// monitor task polls each node on a short cadence (default 5s)."
type HealthProbe struct {
	cluster  *Cluster
	interval time.Duration
	dialer   net.Dialer
	metrics  *metrics.Registry
}

// SetMetrics attaches a metrics registry; nil (the default) leaves
// HealthProbeFailures unrecorded.
func (p *HealthProbe) SetMetrics(m *metrics.Registry) { p.metrics = m }

// NewHealthProbe builds a probe with the documented default cadence.
func NewHealthProbe(cluster *Cluster) *HealthProbe {
	return &HealthProbe{
		cluster:  cluster,
		interval: 5 * time.Second,
		dialer:   net.Dialer{Timeout: 2 * time.Second},
	}
}

// Run polls every node until ctx is canceled. Every replica runs the
// loop so a leadership change never leaves a gap in coverage, but only
// the current leader actually proposes — followers would just have
// their Propose call rejected.
func (p *HealthProbe) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeOnce(ctx)
		}
	}
}

func (p *HealthProbe) probeOnce(ctx context.Context) {
	if !p.cluster.IsLeader() {
		return
	}

	nodes, err := p.cluster.Store().AllNodes()
	if err != nil {
		log.WithComponent("monitor").Error().Err(err).Msg("health probe: list nodes")
		return
	}

	for _, n := range nodes {
		healthy := p.probe(n.Host, n.Port)
		if !healthy && p.metrics != nil {
			p.metrics.HealthProbeFailures.WithLabelValues(n.Name).Inc()
		}
		if _, err := p.cluster.Propose(applyTimeout, opHealthProbe, healthProbePayload{
			NodeID:  n.ID,
			Healthy: healthy,
			At:      time.Now(),
		}); err != nil {
			log.WithComponent("monitor").Warn().Err(err).Int64("node_id", n.ID).Msg("health probe: propose failed")
		}
	}
}

func (p *HealthProbe) probe(host string, port int) bool {
	conn, err := p.dialer.Dial("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
