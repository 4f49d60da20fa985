//go:build linux

package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/smazurov/hwcomposer/internal/api/models"
	"github.com/smazurov/hwcomposer/internal/display"
	"github.com/smazurov/hwcomposer/internal/events"
	"github.com/smazurov/hwcomposer/internal/kms"
	"github.com/smazurov/hwcomposer/internal/kms/kmstest"
	"github.com/smazurov/hwcomposer/internal/metrics/exporters"
	"github.com/smazurov/hwcomposer/pkg/linuxav/drm"
)

type fixture struct {
	rig *kmstest.Rig
	mgr *display.Manager
	bus *events.Bus
	srv *Server
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rig := kmstest.NewRig()
	rig.AutoSignal = true
	dev, err := kms.Open(rig.Card, kms.Options{Logger: discard()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	bus := events.New()
	mgr := display.NewManager(dev, display.Options{
		Logger:      discard(),
		Bus:         bus,
		UseOverlays: true,
	})
	t.Cleanup(mgr.Close)
	if err := mgr.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	srv := NewServer(&Options{
		Manager:        mgr,
		Bus:            bus,
		MetricsHandler: exporters.HTTPHandler(),
		Logger:         discard(),
	})
	return &fixture{rig: rig, mgr: mgr, bus: bus, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

func TestHealthAndVersion(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d", w.Code)
	}
	health := decode[models.HealthData](t, w)
	if health.Status != "ok" || health.Displays != 1 {
		t.Errorf("health = %+v", health)
	}

	w = f.do(t, http.MethodGet, "/api/version", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("version status = %d", w.Code)
	}
	if v := decode[models.VersionData](t, w); v.GoVersion == "" {
		t.Errorf("version = %+v", v)
	}
}

func TestListDisplays(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/displays", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	list := decode[models.DisplayListData](t, w)
	if list.Count != 1 || len(list.Displays) != 1 {
		t.Fatalf("list = %+v", list)
	}
	d := list.Displays[0]
	if d.ConnectorID != f.rig.Connector || d.CrtcID != f.rig.Crtc {
		t.Errorf("objects = %d/%d, want %d/%d", d.ConnectorID, d.CrtcID, f.rig.Connector, f.rig.Crtc)
	}
	if !d.On || d.Mode != "1920x1080@60" {
		t.Errorf("on = %t, mode = %s", d.On, d.Mode)
	}
	if len(d.Modes) != 2 {
		t.Errorf("modes = %v", d.Modes)
	}
	if len(d.Planes) == 0 || d.Planes[0] != f.rig.Primary {
		t.Errorf("planes = %v, want primary %d first", d.Planes, f.rig.Primary)
	}
}

func TestGetDisplay(t *testing.T) {
	f := newFixture(t)
	name := f.mgr.Displays()[0].Name()

	w := f.do(t, http.MethodGet, "/api/displays/"+name, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := decode[models.DisplayInfo](t, w); got.Name != name {
		t.Errorf("name = %s, want %s", got.Name, name)
	}

	w = f.do(t, http.MethodGet, "/api/displays/DP-9", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown display status = %d, want 404", w.Code)
	}
}

func TestSetMode(t *testing.T) {
	f := newFixture(t)
	d := f.mgr.Displays()[0]
	path := "/api/displays/" + d.Name() + "/mode"

	tests := []struct {
		mode string
		code int
		want string
	}{
		{"1280x720@60", http.StatusOK, "1280x720@60"},
		{"3840x2160@60", http.StatusUnprocessableEntity, "1280x720@60"},
		{"1920x1080", http.StatusOK, "1920x1080@60"},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			w := f.do(t, http.MethodPut, path, map[string]string{"mode": tt.mode})
			if w.Code != tt.code {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.code, w.Body.String())
			}
			if got := d.Mode(); got.String() != tt.want {
				t.Errorf("mode = %s, want %s", got.String(), tt.want)
			}
		})
	}
}

func TestSetPower(t *testing.T) {
	f := newFixture(t)
	d := f.mgr.Displays()[0]
	path := "/api/displays/" + d.Name() + "/power"

	w := f.do(t, http.MethodPut, path, map[string]bool{"on": false})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if decode[models.DisplayInfo](t, w).On || d.On() {
		t.Error("display still on")
	}

	w = f.do(t, http.MethodPut, path, map[string]bool{"on": true})
	if w.Code != http.StatusOK || !d.On() {
		t.Errorf("power on: status = %d, on = %t", w.Code, d.On())
	}
}

func TestSetVsync(t *testing.T) {
	f := newFixture(t)
	d := f.mgr.Displays()[0]

	w := f.do(t, http.MethodPut, "/api/displays/"+d.Name()+"/vsync", map[string]bool{"enabled": true})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !d.VsyncEnabled() {
		t.Error("vsync not enabled")
	}
	w = f.do(t, http.MethodPut, "/api/displays/"+d.Name()+"/vsync", map[string]bool{"enabled": false})
	if w.Code != http.StatusOK || d.VsyncEnabled() {
		t.Errorf("disable: status = %d, enabled = %t", w.Code, d.VsyncEnabled())
	}
}

func TestMetricsMounted(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "hwcomposer_") {
		t.Error("compositor metrics missing")
	}
}

func TestEventStream(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	// The handler subscribes once the request arrives; publish until a
	// frame is read.
	go func() {
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				f.bus.Publish(events.RefreshRequestEvent{Display: "HDMI-A-1"})
			}
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/events: %v", err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	var sawEvent bool
	for scanner.Scan() {
		line := scanner.Text()
		if line == "event: refresh-request" {
			sawEvent = true
			continue
		}
		if sawEvent && strings.HasPrefix(line, "data: ") {
			var ev events.RefreshRequestEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			if ev.Display != "HDMI-A-1" {
				t.Errorf("display = %q", ev.Display)
			}
			return
		}
	}
	t.Fatalf("no refresh-request event received: %v", scanner.Err())
}

func TestFindMode(t *testing.T) {
	modes := []drm.ModeInfo{
		kmstest.Mode(1920, 1080, 60),
		kmstest.Mode(1280, 720, 60),
	}

	tests := []struct {
		want  string
		found bool
		index int
	}{
		{"1280x720@60", true, 1},
		{"1920x1080", true, 0},
		{"800x600@60", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got, ok := findMode(modes, tt.want)
			if ok != tt.found {
				t.Fatalf("found = %t, want %t", ok, tt.found)
			}
			if ok && got != modes[tt.index] {
				t.Errorf("got %s, want %s", got.String(), modes[tt.index].String())
			}
		})
	}
}
