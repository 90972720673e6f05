package resilience

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce sync.Once

	// BreakerState is the state per target: 0=closed, 1=open, 2=half-open.
	BreakerState *prometheus.GaugeVec
	// BreakerTransitions counts state changes per target.
	BreakerTransitions *prometheus.CounterVec
	// BreakerOpenedTotal counts how often a target's breaker opened.
	BreakerOpenedTotal *prometheus.CounterVec
	// BreakerRejected counts calls refused while a target's breaker was open.
	BreakerRejected *prometheus.CounterVec
)

// MustRegisterMetrics creates the breaker collectors and registers them with reg.
func MustRegisterMetrics(namespace string, reg prometheus.Registerer) {
	metricsOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dependency",
			Name:      "breaker_state",
			Help:      "Breaker state per billing dependency: 0=closed,1=open,2=half-open",
		}, []string{"target"})
		BreakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dependency",
			Name:      "breaker_transition_total",
			Help:      "Breaker state transitions per billing dependency",
		}, []string{"target", "from", "to"})
		BreakerOpenedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dependency",
			Name:      "breaker_open_total",
			Help:      "Times a billing dependency's breaker opened",
		}, []string{"target"})
		BreakerRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dependency",
			Name:      "breaker_rejected_total",
			Help:      "Calls to a billing dependency refused by an open breaker",
		}, []string{"target"})
		for _, c := range []prometheus.Collector{BreakerState, BreakerTransitions, BreakerOpenedTotal, BreakerRejected} {
			if err := reg.Register(c); err != nil {
				var are prometheus.AlreadyRegisteredError
				if !errors.As(err, &are) {
					panic(err)
				}
			}
		}
	})
}
