// Package metrics provides Prometheus metrics for the compositor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hwcomposer"

// Commit results.
const (
	CommitOK        = "ok"
	CommitTestOK    = "test_ok"
	CommitTestFail  = "test_failed"
	CommitRejected  = "rejected"
	CommitAborted   = "aborted"
	CommitRecovered = "recovered"
)

// Vsync timestamp sources.
const (
	VsyncHardware  = "hardware"
	VsyncSynthetic = "synthetic"
)

// Framebuffer import results.
const (
	ImportCached  = "cached"
	ImportCreated = "created"
	ImportFailed  = "failed"
)

var (
	commits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "commit",
		Name:      "total",
		Help:      "Atomic commits by result",
	}, []string{"display", "result"})

	fenceTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "commit",
		Name:      "fence_timeouts_total",
		Help:      "Present fences abandoned after the wait bound expired",
	}, []string{"display"})

	planesInUse = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "commit",
		Name:      "planes_in_use",
		Help:      "Hardware planes scanning out in the last committed frame",
	}, []string{"display"})

	fbCacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "fbimport",
		Name:      "cache_entries",
		Help:      "Framebuffer cache entries, live and dead",
	})

	fbImports = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fbimport",
		Name:      "imports_total",
		Help:      "Framebuffer import requests by result",
	}, []string{"result"})

	vsyncEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "vsync",
		Name:      "events_total",
		Help:      "Vsync timestamps delivered by source",
	}, []string{"display", "source"})

	flattenRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "flatten",
		Name:      "requests_total",
		Help:      "Idle flattening refresh requests",
	}, []string{"display"})

	tunableReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tunables",
		Name:      "reloads_total",
		Help:      "Colour tuning file reloads by result",
	}, []string{"result"})
)

// IncCommit counts one commit attempt for a display.
func IncCommit(display, result string) {
	commits.WithLabelValues(display, result).Inc()
}

// IncFenceTimeout counts one abandoned present fence.
func IncFenceTimeout(display string) {
	fenceTimeouts.WithLabelValues(display).Inc()
}

// SetPlanesInUse records how many planes the display is scanning out.
func SetPlanesInUse(display string, n int) {
	planesInUse.WithLabelValues(display).Set(float64(n))
}

// SetFramebufferCacheEntries records the importer cache size.
func SetFramebufferCacheEntries(n int) {
	fbCacheEntries.Set(float64(n))
}

// IncFramebufferImport counts one import request.
func IncFramebufferImport(result string) {
	fbImports.WithLabelValues(result).Inc()
}

// IncVsync counts one delivered vsync timestamp.
func IncVsync(display, source string) {
	vsyncEvents.WithLabelValues(display, source).Inc()
}

// IncFlatten counts one flatten refresh request.
func IncFlatten(display string) {
	flattenRequests.WithLabelValues(display).Inc()
}

// IncTunableReload counts one tuning file reload.
func IncTunableReload(ok bool) {
	result := "ok"
	if !ok {
		result = "clamped"
	}
	tunableReloads.WithLabelValues(result).Inc()
}

// DeleteDisplay removes every per-display series, used when a display unbinds.
func DeleteDisplay(display string) {
	match := prometheus.Labels{"display": display}
	commits.DeletePartialMatch(match)
	fenceTimeouts.DeletePartialMatch(match)
	planesInUse.DeletePartialMatch(match)
	vsyncEvents.DeletePartialMatch(match)
	flattenRequests.DeletePartialMatch(match)
}
