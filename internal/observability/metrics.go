package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsHandler serves the process's Prometheus exposition, sourced from
// the same default registerer the Prometheus metric reader installed in
// Init populated. Grounded on the teacher's router.go, which mounts
// promhttp.Handler() at /metrics directly.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
