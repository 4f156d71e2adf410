package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "apec_certs"

// Verification results
const (
	ResultValid    = "valid"
	ResultMismatch = "mismatch"
)

// Metrics groups the service's collectors on a private registry so several
// instances (one per test) never collide on the global default registry.
type Metrics struct {
	registry *prometheus.Registry

	CommitmentsPublished prometheus.Counter
	ProofsGenerated      prometheus.Counter
	ProofFailures        *prometheus.CounterVec
	Verifications        *prometheus.CounterVec
	TreeBuildLatency     prometheus.Histogram
	LeafSetSize          prometheus.Histogram
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		CommitmentsPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commitments_published_total",
			Help:      "Merkle roots published for course eligibility lists",
		}),
		ProofsGenerated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proofs_generated_total",
			Help:      "Claim proofs generated",
		}),
		ProofFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proof_failures_total",
			Help:      "Claim proof requests that failed, by reason",
		}, []string{"reason"}),
		Verifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Proof verifications, by result",
		}, []string{"result"}),
		TreeBuildLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tree_build_seconds",
			Help:      "Time spent building a merkle tree",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 10),
		}),
		LeafSetSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "leaf_set_size",
			Help:      "Number of leaves per built tree",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}),
	}
}

// ObserveBuild records one tree build.
func (m *Metrics) ObserveBuild(started time.Time, leaves int) {
	m.TreeBuildLatency.Observe(time.Since(started).Seconds())
	m.LeafSetSize.Observe(float64(leaves))
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
