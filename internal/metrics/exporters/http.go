// Package exporters exposes the compositor metrics over HTTP.
package exporters

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTPHandler serves every promauto-registered collector, negotiating
// OpenMetrics when the scraper asks for it. Scrapes are counted in
// promhttp_metric_handler_requests_total.
func HTTPHandler() http.Handler {
	return promhttp.InstrumentMetricHandler(
		prometheus.DefaultRegisterer,
		promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
			// Serve what was gathered even if one collector fails.
			ErrorHandling: promhttp.ContinueOnError,
		}),
	)
}
