package obs

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// CouponDiscountTotal counts discounts granted per coupon type and calculation pass.
	CouponDiscountTotal *prometheus.CounterVec
	// CouponRejectedTotal counts coupons rejected during validation by reason.
	CouponRejectedTotal *prometheus.CounterVec
	// PassDuration records the time spent computing one calculation pass in milliseconds.
	PassDuration *prometheus.HistogramVec
	// RenewalBuildTotal counts renewal order build outcomes.
	RenewalBuildTotal *prometheus.CounterVec
	// RenewalJobTotal counts renewal task executions by outcome.
	RenewalJobTotal *prometheus.CounterVec
	// WebhookDeliveryTotal counts domain event webhook deliveries by topic and outcome.
	WebhookDeliveryTotal *prometheus.CounterVec
	// DBQueryDuration records store statement latency in milliseconds by operation and table.
	DBQueryDuration *prometheus.HistogramVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		CouponDiscountTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coupon_discount_total",
			Help:      "Count of line discounts granted by coupon type and pass.",
		}, []string{"type", "pass"})
		CouponRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coupon_rejected_total",
			Help:      "Count of coupons rejected during validation by reason.",
		}, []string{"reason"})
		PassDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "calculation_pass_duration_ms",
			Help:      "Latency of one calculation pass in milliseconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 25, 50, 100},
		}, []string{"pass"})
		RenewalBuildTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renewal_build_total",
			Help:      "Count of renewal order build outcomes.",
		}, []string{"result"})
		RenewalJobTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renewal_job_total",
			Help:      "Count of renewal task executions by outcome.",
		}, []string{"result"})
		WebhookDeliveryTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_delivery_total",
			Help:      "Count of domain event webhook deliveries by topic and outcome.",
		}, []string{"topic", "result"})
		DBQueryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_ms",
			Help:      "Latency of store statements in milliseconds by operation and table.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 25, 50, 100, 250},
		}, []string{"operation", "table"})

		CouponDiscountTotal = register(reg, CouponDiscountTotal)
		CouponRejectedTotal = register(reg, CouponRejectedTotal)
		PassDuration = register(reg, PassDuration)
		RenewalBuildTotal = register(reg, RenewalBuildTotal)
		RenewalJobTotal = register(reg, RenewalJobTotal)
		WebhookDeliveryTotal = register(reg, WebhookDeliveryTotal)
		DBQueryDuration = register(reg, DBQueryDuration)
	})
}

// register adds c to reg. When an equal collector is already registered that one is
// returned so repeated wiring in tests shares state.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
			return c
		}
		panic(fmt.Errorf("register metric: %w", err))
	}
	return c
}

// DurationMillis converts d to fractional milliseconds for histogram observation.
func DurationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
