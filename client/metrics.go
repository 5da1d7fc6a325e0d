package client

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "bridge"

// Results of a blob read.
const (
	blobValid   = "valid"
	blobInvalid = "invalid"
	blobError   = "error"
)

// Results of a broadcast.
const (
	broadcastOK           = "ok"
	broadcastAlreadyMined = "already_mined"
	broadcastPremature    = "premature"
	broadcastError        = "error"
)

// metrics are the client's Prometheus collectors.
type metrics struct {
	blobReads     *prometheus.CounterVec
	blobWrites    prometheus.Counter
	graphsInvalid prometheus.Counter
	broadcasts    *prometheus.CounterVec
	graphs        *prometheus.GaugeVec
}

// newMetrics creates the collectors and registers them with reg.
func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		blobReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "blob_reads_total",
			Help:      "Bridge data blobs read, by result.",
		}, []string{"result"}),
		blobWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "blob_writes_total",
			Help:      "Bridge data blobs written.",
		}),
		graphsInvalid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "graphs_invalid_total",
			Help:      "Graphs rejected by validation or merge.",
		}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "broadcasts_total",
			Help:      "Graph transactions broadcast, by result.",
		}, []string{"tx", "result"}),
		graphs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "graphs",
			Help:      "Graphs in the local state, by kind.",
		}, []string{"kind"}),
	}

	for _, c := range []prometheus.Collector{
		m.blobReads, m.blobWrites, m.graphsInvalid, m.broadcasts,
		m.graphs,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// setGraphs updates the graph gauges from data.
func (m *metrics) setGraphs(data *BridgeData) {
	m.graphs.WithLabelValues("peg_in").Set(float64(len(data.PegInGraphs)))
	m.graphs.WithLabelValues("peg_out").Set(
		float64(len(data.PegOutGraphs)),
	)
}
