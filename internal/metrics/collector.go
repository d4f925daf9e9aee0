package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/replimesh/replimesh/internal/replication"
)

// Collector periodically publishes the state of a set of resources.
type Collector struct {
	metrics   *NodeMetrics
	resources []*replication.Resource

	// Last-seen connection state per resource/peer, for reconnect
	// counting.
	lastState map[string]replication.CState
}

// NewCollector creates a new metrics collector.
func NewCollector(m *NodeMetrics, resources []*replication.Resource) *Collector {
	return &Collector{
		metrics:   m,
		resources: resources,
		lastState: make(map[string]replication.CState),
	}
}

// Collect updates all metrics from the current state.
func (c *Collector) Collect() {
	for _, r := range c.resources {
		c.collectResource(r)
	}
}

func (c *Collector) collectResource(r *replication.Resource) {
	free, total := r.Pool().Stats()
	c.metrics.PoolBuffersFree.WithLabelValues(r.Name).Set(float64(free))
	c.metrics.PoolBuffersTotal.WithLabelValues(r.Name).Set(float64(total))

	for _, conn := range r.Connections() {
		peer := strconv.Itoa(int(conn.PeerNodeID))
		state := conn.State()
		c.metrics.ConnectionState.WithLabelValues(r.Name, peer).Set(float64(state))
		c.metrics.OpenEpochs.WithLabelValues(r.Name, peer).Set(float64(conn.EpochCount()))

		key := r.Name + "/" + peer
		if last, ok := c.lastState[key]; ok &&
			last != replication.CConnected && state == replication.CConnected {
			c.metrics.ReconnectCount.WithLabelValues(r.Name, peer).Inc()
		}
		c.lastState[key] = state

		for _, pd := range conn.PeerDevices() {
			volume := strconv.Itoa(pd.Device.Volume)
			c.metrics.ReplicationState.WithLabelValues(r.Name, peer, volume).
				Set(float64(pd.ReplState()))
			// One dirty bit covers 4KiB.
			c.metrics.OutOfSyncBytes.WithLabelValues(r.Name, peer, volume).
				Set(float64(pd.OutOfSyncAmount() * 4096))
			done, totalRS := pd.ResyncProgress()
			c.metrics.ResyncDone.WithLabelValues(r.Name, peer, volume).Set(float64(done))
			c.metrics.ResyncTotal.WithLabelValues(r.Name, peer, volume).Set(float64(totalRS))
		}
	}
}

// Run starts periodic metric collection.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.Collect()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}
