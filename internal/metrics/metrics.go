// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AttributeReports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zigbee_attribute_reports_total",
			Help: "Attribute reports received, by cluster.",
		},
		[]string{"cluster"},
	)

	ClusterCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zigbee_cluster_commands_total",
			Help: "Cluster commands sent, by cluster and response status.",
		},
		[]string{"cluster", "status"},
	)

	ServiceCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_service_calls_total",
			Help: "Service calls, by domain, service, and result.",
		},
		[]string{"domain", "service", "result"},
	)

	StateChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_state_changes_total",
			Help: "Entity state writes that changed the state string, by domain.",
		},
		[]string{"domain"},
	)

	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total requests by endpoint, method, and status.",
		},
		[]string{"endpoint", "method", "status"},
	)

	DevicesAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "zigbee_devices_available",
			Help: "Devices currently considered available.",
		},
	)

	WebsocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_websocket_clients",
			Help: "Connected websocket clients.",
		},
	)
)

func init() {
	prometheus.MustRegister(AttributeReports, ClusterCommands, ServiceCalls, StateChanges, HTTPRequests, DevicesAvailable, WebsocketClients)
}

// Handler serves the default registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
