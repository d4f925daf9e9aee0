// Package metrics provides Prometheus metrics for replimesh resources.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all replimesh metrics.
var Registry = prometheus.NewRegistry()

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns the HTTP handler serving the registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// NodeMetrics holds all Prometheus metrics for one replimesh node.
type NodeMetrics struct {
	// Connection gauges (labeled by resource and peer)
	ConnectionState *prometheus.GaugeVec // connection state enum per peer

	// Per peer-device gauges (labeled by resource, peer and volume)
	ReplicationState *prometheus.GaugeVec // replication state enum
	OutOfSyncBytes   *prometheus.GaugeVec // bytes the peer is missing
	ResyncDone       *prometheus.GaugeVec // resync requests completed
	ResyncTotal      *prometheus.GaugeVec // dirty bits when the resync started

	// Epoch gauges (labeled by resource and peer)
	OpenEpochs *prometheus.GaugeVec

	// Buffer pool gauges (labeled by resource)
	PoolBuffersFree  *prometheus.GaugeVec
	PoolBuffersTotal *prometheus.GaugeVec

	// Reconnects (counter, labeled by resource and peer)
	ReconnectCount *prometheus.CounterVec
}

// InitMetrics initializes all metrics with the node ID as a constant label.
func InitMetrics(nodeID int32, version string) *NodeMetrics {
	constLabels := prometheus.Labels{
		"node":    strconv.Itoa(int(nodeID)),
		"version": version,
	}

	peerLabels := []string{"resource", "peer"}
	volumeLabels := []string{"resource", "peer", "volume"}

	return &NodeMetrics{
		ConnectionState: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name:        "replimesh_connection_state",
			Help:        "Connection state per peer (0=standalone, 1=unconnected, 2=connecting, 3=connected, 4=disconnecting, 5=network failure)",
			ConstLabels: constLabels,
		}, peerLabels),

		ReplicationState: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name:        "replimesh_replication_state",
			Help:        "Replication state per volume and peer (0=off, 1=established, 2=bitmap source, 3=bitmap target, 4=sync source, 5=sync target)",
			ConstLabels: constLabels,
		}, volumeLabels),
		OutOfSyncBytes: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name:        "replimesh_out_of_sync_bytes",
			Help:        "Bytes the peer does not have yet",
			ConstLabels: constLabels,
		}, volumeLabels),
		ResyncDone: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name:        "replimesh_resync_done",
			Help:        "Resync blocks settled since the resync started",
			ConstLabels: constLabels,
		}, volumeLabels),
		ResyncTotal: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name:        "replimesh_resync_total",
			Help:        "Dirty blocks at the moment the resync started",
			ConstLabels: constLabels,
		}, volumeLabels),

		OpenEpochs: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name:        "replimesh_open_epochs",
			Help:        "Write epochs not yet acknowledged with a barrier ack",
			ConstLabels: constLabels,
		}, peerLabels),

		PoolBuffersFree: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name:        "replimesh_pool_buffers_free",
			Help:        "Receive buffers sitting in the pool",
			ConstLabels: constLabels,
		}, []string{"resource"}),
		PoolBuffersTotal: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name:        "replimesh_pool_buffers_total",
			Help:        "Receive buffers ever allocated by the pool",
			ConstLabels: constLabels,
		}, []string{"resource"}),

		ReconnectCount: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "replimesh_reconnects_total",
			Help:        "Times a peer connection was re-established",
			ConstLabels: constLabels,
		}, peerLabels),
	}
}
