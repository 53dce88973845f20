package metrics

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "foxpay"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status code",
		},
		[]string{"route", "method", "code"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"route"},
	)

	PaymentOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_operations_total",
			Help:      "Billing operations by phase, payment method and outcome",
		},
		[]string{"phase", "method", "outcome"},
	)

	GatewayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_requests_total",
			Help:      "Outbound payment gateway calls by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	GatewayRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_request_duration_seconds",
			Help:      "Outbound payment gateway latency by operation",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
		},
		[]string{"operation"},
	)

	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Gateway callbacks by reconciliation outcome",
		},
		[]string{"outcome"},
	)

	BalanceCreditedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "balance_credited_minor_units_total",
			Help:      "Sum of all balance credits in minor currency units",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		PaymentOperationsTotal,
		GatewayRequestsTotal,
		GatewayRequestDuration,
		WebhookEventsTotal,
		BalanceCreditedTotal,
	)
}

func IncPaymentOperation(phase, method, outcome string) {
	PaymentOperationsTotal.WithLabelValues(phase, method, outcome).Inc()
}

func ObserveGatewayCall(operation, outcome string, elapsed time.Duration) {
	GatewayRequestsTotal.WithLabelValues(operation, outcome).Inc()
	GatewayRequestDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func IncWebhookEvent(outcome string) {
	WebhookEventsTotal.WithLabelValues(outcome).Inc()
}

func AddBalanceCredited(amount int64) {
	if amount > 0 {
		BalanceCreditedTotal.Add(float64(amount))
	}
}

// Middleware records request count and latency per matched route.
func Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		route := c.Route().Path
		if route == "" {
			route = "unmatched"
		}
		code := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				code = fe.Code
			} else {
				code = fiber.StatusInternalServerError
			}
		}
		HTTPRequestsTotal.WithLabelValues(route, c.Method(), strconv.Itoa(code)).Inc()
		HTTPRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		return err
	}
}
