package ipc

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricStreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gridrunner",
		Subsystem: "ipc",
		Name:      "stream_clients",
		Help:      "Connected live event stream clients.",
	})
	metricDroppedClients = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gridrunner",
		Subsystem: "ipc",
		Name:      "stream_clients_dropped_total",
		Help:      "Stream clients dropped because they fell behind.",
	})
	metricRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gridrunner",
		Subsystem: "ipc",
		Name:      "stream_clients_rejected_total",
		Help:      "Stream connections rejected at the client limit.",
	})
)

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
