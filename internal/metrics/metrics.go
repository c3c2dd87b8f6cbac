package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	entriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orb_bot_entries_total",
			Help: "Entry attempts by outcome",
		},
		[]string{"symbol", "outcome"},
	)

	allocatedFunds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orb_bot_allocated_funds",
			Help: "Capital currently committed to open positions",
		},
	)

	openPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orb_bot_open_positions",
			Help: "Number of tracked open positions",
		},
	)

	sessionOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orb_bot_session_open",
			Help: "1 while the market session is open",
		},
		[]string{"market"},
	)

	driftWarnings = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orb_bot_reconciliation_drift_total",
			Help: "Times gateway state contradicted local state",
		},
	)

	gatewayErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orb_bot_gateway_errors_total",
			Help: "Gateway call failures by class",
		},
		[]string{"class"},
	)
)

func init() {
	prometheus.MustRegister(entriesTotal)
	prometheus.MustRegister(allocatedFunds)
	prometheus.MustRegister(openPositions)
	prometheus.MustRegister(sessionOpen)
	prometheus.MustRegister(driftWarnings)
	prometheus.MustRegister(gatewayErrors)
}

// RecordEntry records an entry attempt outcome (filled, blocked, failed)
func RecordEntry(symbol, outcome string) {
	entriesTotal.WithLabelValues(symbol, outcome).Inc()
}

// UpdateAllocation updates the committed-capital and open-position gauges
func UpdateAllocation(allocated float64, open int) {
	allocatedFunds.Set(allocated)
	openPositions.Set(float64(open))
}

// UpdateSession flips the session-open gauge for a market
func UpdateSession(market string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	sessionOpen.WithLabelValues(market).Set(v)
}

// RecordDrift records a reconciliation drift warning
func RecordDrift() {
	driftWarnings.Inc()
}

// RecordGatewayError records a gateway failure by error class
func RecordGatewayError(class string) {
	gatewayErrors.WithLabelValues(class).Inc()
}

// Serve exposes the Prometheus endpoint. Blocks; run it in its own goroutine.
func Serve(listen string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, mux)
}
