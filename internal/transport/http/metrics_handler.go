package http

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsHandler serves Prometheus metrics. When the OTel exporter has its
// own registry that handler is used, otherwise the default registry.
func MetricsHandler(exporter http.Handler) http.Handler {
	if exporter != nil {
		return exporter
	}
	return promhttp.Handler()
}
