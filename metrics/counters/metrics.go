package counters

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var connectionsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "server",
	Name:      "connections_active",
	Help:      "Number of connected charge points",
}, []string{"tenant"})

var activeTransactionsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "session",
	Name:      "transactions_active",
	Help:      "Number of running transactions",
}, []string{"charge_point_id"})

var errorCounts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ocpp",
	Name:      "connector_error_count",
	Help:      "Total number of connector errors by code.",
}, []string{"charge_point_id", "code"})

var consumedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "session",
	Name:      "consumed_wh_total",
	Help:      "Energy delivered by finished transactions.",
}, []string{"charge_point_id"})

var powerRateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "session",
	Name:      "current_power_rate",
	Help:      "Power rate on running transactions.",
}, []string{"charge_point_id", "connector_id"})

func ObserveConnections(tenant string, count int) {
	if len(tenant) == 0 {
		tenant = "default"
	}
	connectionsGauge.With(prometheus.Labels{"tenant": tenant}).Set(float64(count))
}

func ObserveTransactions(chargePointId string, count int) {
	if len(chargePointId) == 0 {
		return
	}
	activeTransactionsGauge.With(prometheus.Labels{"charge_point_id": chargePointId}).Set(float64(count))
}

func ObserveError(chargePointId, code string) {
	if len(chargePointId) == 0 || len(code) == 0 {
		return
	}
	errorCounts.With(prometheus.Labels{"charge_point_id": chargePointId, "code": code}).Inc()
}

func CountConsumedPower(chargePointId string, wh float64) {
	if len(chargePointId) == 0 {
		return
	}
	consumedCounter.With(prometheus.Labels{"charge_point_id": chargePointId}).Add(wh)
}

func ObservePowerRate(chargePointId, connectorId string, watts float64) {
	if len(chargePointId) == 0 {
		return
	}
	powerRateGauge.With(
		prometheus.Labels{
			"charge_point_id": chargePointId,
			"connector_id":    connectorId,
		}).Set(watts)
}
