// Package metrics registers Prometheus collectors shared across the bot.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QuotesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "quotes_total", Help: "Top-of-book quotes accepted, by source"},
		[]string{"asset", "source"},
	)
	QuotesDiscardedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "quotes_discarded_total", Help: "Quotes rejected as inverted or non-positive"},
		[]string{"asset"},
	)
	OrdersPlacedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orders_placed_total", Help: "Maker orders accepted by the venue"},
		[]string{"asset"},
	)
	OrderRejectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "order_rejects_total", Help: "Order placements rejected, by reason"},
		[]string{"asset", "reason"},
	)
	ChasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chases_total", Help: "Cancel/replace cycles triggered by market movement"},
		[]string{"asset"},
	)
	TradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "trades_total", Help: "Per-asset trade sessions finished, by result"},
		[]string{"asset", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		QuotesTotal,
		QuotesDiscardedTotal,
		OrdersPlacedTotal,
		OrderRejectsTotal,
		ChasesTotal,
		TradesTotal,
	)
}

// Serve exposes /metrics on the given address in the background.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
