// Package metrics exposes engine and channel counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "liveobjects"
	subsystem = "engine"
)

// Recorder is what the engine and the protocol channel report to. A nil
// *Metrics is a valid Recorder that records nothing.
type Recorder interface {
	FrameReceived(action string)
	OperationsApplied(n int)
	OperationsBuffered(n int)
	SyncCompleted()
	GarbageCollected(entries, objects int)
	Published(ok bool)
	PoolSize(n int)
}

// Metrics holds the Prometheus collectors of one engine.
type Metrics struct {
	framesReceived     *prometheus.CounterVec
	operationsApplied  prometheus.Counter
	operationsBuffered prometheus.Counter
	syncsCompleted     prometheus.Counter
	gcEvictions        *prometheus.CounterVec
	publishes          *prometheus.CounterVec
	poolObjects        prometheus.Gauge
}

var _ Recorder = (*Metrics)(nil)

// New creates the collectors and registers them with reg. constLabels is
// attached to every series, typically the channel name.
func New(reg prometheus.Registerer, constLabels prometheus.Labels) (*Metrics, error) {
	m := &Metrics{
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "frames_received_total",
			Help:        "Protocol frames received, by action",
			ConstLabels: constLabels,
		}, []string{"action"}),

		operationsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "operations_applied_total",
			Help:        "Object operations passed to the pool",
			ConstLabels: constLabels,
		}),

		operationsBuffered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "operations_buffered_total",
			Help:        "Object operations held back during a sync sequence",
			ConstLabels: constLabels,
		}),

		syncsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "sync_sequences_completed_total",
			Help:        "Sync sequences applied to the pool",
			ConstLabels: constLabels,
		}),

		gcEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "gc_evictions_total",
			Help:        "Tombstones removed by garbage collection, by kind (entry/object)",
			ConstLabels: constLabels,
		}, []string{"kind"}),

		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "publishes_total",
			Help:        "Outbound object publishes, by result (ok/error)",
			ConstLabels: constLabels,
		}, []string{"result"}),

		poolObjects: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "pool_objects",
			Help:        "Objects currently held in the pool, root included",
			ConstLabels: constLabels,
		}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.framesReceived,
		m.operationsApplied,
		m.operationsBuffered,
		m.syncsCompleted,
		m.gcEvictions,
		m.publishes,
		m.poolObjects,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) FrameReceived(action string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(action).Inc()
}

func (m *Metrics) OperationsApplied(n int) {
	if m == nil {
		return
	}
	m.operationsApplied.Add(float64(n))
}

func (m *Metrics) OperationsBuffered(n int) {
	if m == nil {
		return
	}
	m.operationsBuffered.Add(float64(n))
}

func (m *Metrics) SyncCompleted() {
	if m == nil {
		return
	}
	m.syncsCompleted.Inc()
}

func (m *Metrics) GarbageCollected(entries, objects int) {
	if m == nil {
		return
	}
	if entries > 0 {
		m.gcEvictions.WithLabelValues("entry").Add(float64(entries))
	}
	if objects > 0 {
		m.gcEvictions.WithLabelValues("object").Add(float64(objects))
	}
}

func (m *Metrics) Published(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.publishes.WithLabelValues(result).Inc()
}

func (m *Metrics) PoolSize(n int) {
	if m == nil {
		return
	}
	m.poolObjects.Set(float64(n))
}
