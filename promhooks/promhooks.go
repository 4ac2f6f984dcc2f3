// Package promhooks exports herdsync.Hooks events as Prometheus counters.
package promhooks

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/unkn0wn-root/herdsync"
)

type Hooks struct {
	selfHeal      *prometheus.CounterVec
	setRejected   prometheus.Counter
	unavailable   *prometheus.CounterVec
	swept         prometheus.Counter
	settled       *prometheus.CounterVec
	pulls         *prometheus.CounterVec
	pulledRecords *prometheus.CounterVec
	revalidations *prometheus.CounterVec
}

var _ herdsync.Hooks = (*Hooks)(nil)

// New creates the collectors under namespace (e.g. "herdsync") and registers
// them with reg. A nil reg leaves them unregistered.
func New(namespace string, reg prometheus.Registerer) (*Hooks, error) {
	h := &Hooks{
		selfHeal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "self_heal_total",
			Help: "Entries deleted on read or sweep, by reason.",
		}, []string{"reason"}),
		setRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "set_rejected_total",
			Help: "Writes refused by the storage provider.",
		}),
		unavailable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "unavailable_total",
			Help: "Store operations degraded by a missing or failing medium.",
		}, []string{"op"}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "swept_entries_total",
			Help: "Entries removed by expiry sweeps.",
		}),
		settled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "operations_settled_total",
			Help: "Replay attempts of queued mutations, by method and outcome.",
		}, []string{"method", "outcome"}),
		pulls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "pulls_total",
			Help: "Applied sync pulls, by resource and mode.",
		}, []string{"resource", "mode"}),
		pulledRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "pulled_records_total",
			Help: "Records applied by sync pulls.",
		}, []string{"resource"}),
		revalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "lineage", Name: "revalidations_total",
			Help: "Background lineage revalidations, by whether the cache was replaced.",
		}, []string{"replaced"}),
	}
	if reg != nil {
		for _, c := range h.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return h, nil
}

func (h *Hooks) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		h.selfHeal, h.setRejected, h.unavailable, h.swept,
		h.settled, h.pulls, h.pulledRecords, h.revalidations,
	}
}

func (h *Hooks) SelfHeal(_ string, reason string) { h.selfHeal.WithLabelValues(reason).Inc() }
func (h *Hooks) ProviderSetRejected(string)       { h.setRejected.Inc() }
func (h *Hooks) StorageUnavailable(op string, _ error) {
	h.unavailable.WithLabelValues(op).Inc()
}
func (h *Hooks) Swept(removed int) { h.swept.Add(float64(removed)) }
func (h *Hooks) OperationSettled(method, outcome string) {
	h.settled.WithLabelValues(method, outcome).Inc()
}

func (h *Hooks) SyncPulled(resource, mode string, records int) {
	h.pulls.WithLabelValues(resource, mode).Inc()
	h.pulledRecords.WithLabelValues(resource).Add(float64(records))
}

func (h *Hooks) GraphRevalidated(_ string, replaced bool) {
	label := "false"
	if replaced {
		label = "true"
	}
	h.revalidations.WithLabelValues(label).Inc()
}
