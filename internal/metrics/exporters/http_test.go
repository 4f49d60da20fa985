package exporters

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/smazurov/hwcomposer/internal/metrics"
)

func TestHTTPHandler(t *testing.T) {
	metrics.IncCommit("exporter-test", metrics.CommitOK)
	defer metrics.DeleteDisplay("exporter-test")

	tests := []struct {
		name   string
		accept string
		want   string
	}{
		{"text", "", "text/plain"},
		{"openmetrics", "application/openmetrics-text; version=1.0.0", "application/openmetrics-text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
			if tt.accept != "" {
				req.Header.Set("Accept", tt.accept)
			}
			w := httptest.NewRecorder()
			HTTPHandler().ServeHTTP(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d", w.Code)
			}
			if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, tt.want) {
				t.Errorf("content type = %q, want prefix %q", ct, tt.want)
			}
			if !strings.Contains(w.Body.String(), `hwcomposer_commit_total{display="exporter-test"`) {
				t.Error("commit counter missing")
			}
		})
	}
}
