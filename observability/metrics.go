package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var expScale = new(big.Float).SetFloat64(1e18)

type protocolMetrics struct {
	operations *prometheus.CounterVec
	errors     *prometheus.CounterVec
	latency    *prometheus.HistogramVec

	totalCash     *prometheus.GaugeVec
	totalBorrows  *prometheus.GaugeVec
	totalReserves *prometheus.GaugeVec
	exchangeRate  *prometheus.GaugeVec
	blockHeight   prometheus.Gauge
}

var (
	protocolMetricsOnce sync.Once
	protocolRegistry    *protocolMetrics

	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics
)

// Protocol returns the lazily-initialised registry tracking market ledger
// activity and balances.
func Protocol() *protocolMetrics {
	protocolMetricsOnce.Do(func() {
		protocolRegistry = &protocolMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lending",
				Subsystem: "market",
				Name:      "operations_total",
				Help:      "Total market operations segmented by market, operation, and outcome.",
			}, []string{"market", "operation", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lending",
				Subsystem: "market",
				Name:      "errors_total",
				Help:      "Total rejected market operations segmented by market and operation.",
			}, []string{"market", "operation"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "lending",
				Subsystem: "market",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for market operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"market", "operation"}),
			totalCash: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lending",
				Subsystem: "market",
				Name:      "total_cash",
				Help:      "Underlying units held by each market, in whole tokens.",
			}, []string{"market"}),
			totalBorrows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lending",
				Subsystem: "market",
				Name:      "total_borrows",
				Help:      "Outstanding borrowed underlying per market, in whole tokens.",
			}, []string{"market"}),
			totalReserves: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lending",
				Subsystem: "market",
				Name:      "total_reserves",
				Help:      "Accumulated protocol reserves per market, in whole tokens.",
			}, []string{"market"}),
			exchangeRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lending",
				Subsystem: "market",
				Name:      "exchange_rate",
				Help:      "Current share-to-underlying exchange rate per market.",
			}, []string{"market"}),
			blockHeight: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "lending",
				Subsystem: "node",
				Name:      "block_height",
				Help:      "Current block height of the node clock.",
			}),
		}
		prometheus.MustRegister(
			protocolRegistry.operations,
			protocolRegistry.errors,
			protocolRegistry.latency,
			protocolRegistry.totalCash,
			protocolRegistry.totalBorrows,
			protocolRegistry.totalReserves,
			protocolRegistry.exchangeRate,
			protocolRegistry.blockHeight,
		)
	})
	return protocolRegistry
}

// ObserveOperation records a completed market operation and its duration.
func (m *protocolMetrics) ObserveOperation(market, operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	market = normaliseLabel(market)
	operation = normaliseLabel(operation)
	outcome := "success"
	if err != nil {
		outcome = "error"
		m.errors.WithLabelValues(market, operation).Inc()
	}
	m.operations.WithLabelValues(market, operation, outcome).Inc()
	m.latency.WithLabelValues(market, operation).Observe(duration.Seconds())
}

// SetMarketBalances updates the per-market balance gauges. Values are
// 1e18-scaled integers and are reported in whole tokens.
func (m *protocolMetrics) SetMarketBalances(market string, cash, borrows, reserves, exchangeRate *big.Int) {
	if m == nil {
		return
	}
	market = normaliseLabel(market)
	m.totalCash.WithLabelValues(market).Set(scaledToFloat(cash))
	m.totalBorrows.WithLabelValues(market).Set(scaledToFloat(borrows))
	m.totalReserves.WithLabelValues(market).Set(scaledToFloat(reserves))
	m.exchangeRate.WithLabelValues(market).Set(scaledToFloat(exchangeRate))
}

// SetBlockHeight records the node clock's current height.
func (m *protocolMetrics) SetBlockHeight(height uint64) {
	if m == nil {
		return
	}
	m.blockHeight.Set(float64(height))
}

type httpMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// HTTP returns the registry tracking gateway request activity.
func HTTP() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lending",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests segmented by route, method, and status.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "lending",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
		}
		prometheus.MustRegister(httpRegistry.requests, httpRegistry.latency)
	})
	return httpRegistry
}

// Observe records a served HTTP request.
func (m *httpMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = normaliseLabel(route)
	method = strings.ToUpper(strings.TrimSpace(method))
	m.requests.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

func normaliseLabel(label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		return "unknown"
	}
	return label
}

func scaledToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	scaled := new(big.Float).SetInt(value)
	scaled.Quo(scaled, expScale)
	out, _ := scaled.Float64()
	if math.IsInf(out, 0) || math.IsNaN(out) {
		return 0
	}
	return out
}
