//go:build linux

package hotplug

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestParseUEvent(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected *Event
	}{
		{
			name:     "empty input",
			input:    []byte{},
			expected: nil,
		},
		{
			name:     "no @ separator",
			input:    []byte("invalid"),
			expected: nil,
		},
		{
			name:     "missing action",
			input:    []byte("@/devices/foo"),
			expected: nil,
		},
		{
			name:     "libudev rebroadcast",
			input:    []byte("libudev\x00\xfe\xed\xca\xfechange@/devices/card0\x00"),
			expected: nil,
		},
		{
			name:  "connector hotplug",
			input: []byte("change@/devices/pci0000:00/0000:00:02.0/drm/card0\x00ACTION=change\x00SUBSYSTEM=drm\x00HOTPLUG=1\x00CONNECTOR=95\x00PROPERTY=20\x00DEVNAME=dri/card0\x00MINOR=0\x00"),
			expected: &Event{
				Action:    "change",
				KObj:      "/devices/pci0000:00/0000:00:02.0/drm/card0",
				Subsystem: "drm",
				DevName:   "dri/card0",
				Hotplug:   true,
				Connector: 95,
				Property:  20,
			},
		},
		{
			name:  "legacy hotplug without connector",
			input: []byte("change@/devices/platform/display/drm/card1\x00SUBSYSTEM=drm\x00HOTPLUG=1\x00"),
			expected: &Event{
				Action:    "change",
				KObj:      "/devices/platform/display/drm/card1",
				Subsystem: "drm",
				Hotplug:   true,
			},
		},
		{
			name:  "connector device added",
			input: []byte("add@/devices/pci0000:00/drm/card0/card0-HDMI-A-1\x00SUBSYSTEM=drm\x00"),
			expected: &Event{
				Action:    "add",
				KObj:      "/devices/pci0000:00/drm/card0/card0-HDMI-A-1",
				Subsystem: "drm",
			},
		},
		{
			name:  "non-numeric connector",
			input: []byte("change@/devices/card0\x00SUBSYSTEM=drm\x00HOTPLUG=1\x00CONNECTOR=abc\x00"),
			expected: &Event{
				Action:    "change",
				KObj:      "/devices/card0",
				Subsystem: "drm",
				Hotplug:   true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ParseUEvent(tt.input)

			if tt.expected == nil {
				if result != nil {
					t.Errorf("expected nil, got %+v", result)
				}
				return
			}
			if result == nil {
				t.Fatalf("expected %+v, got nil", tt.expected)
			}

			if result.Action != tt.expected.Action {
				t.Errorf("Action: expected %q, got %q", tt.expected.Action, result.Action)
			}
			if result.KObj != tt.expected.KObj {
				t.Errorf("KObj: expected %q, got %q", tt.expected.KObj, result.KObj)
			}
			if result.Subsystem != tt.expected.Subsystem {
				t.Errorf("Subsystem: expected %q, got %q", tt.expected.Subsystem, result.Subsystem)
			}
			if result.DevName != tt.expected.DevName {
				t.Errorf("DevName: expected %q, got %q", tt.expected.DevName, result.DevName)
			}
			if result.Hotplug != tt.expected.Hotplug {
				t.Errorf("Hotplug: expected %v, got %v", tt.expected.Hotplug, result.Hotplug)
			}
			if result.Connector != tt.expected.Connector {
				t.Errorf("Connector: expected %d, got %d", tt.expected.Connector, result.Connector)
			}
			if result.Property != tt.expected.Property {
				t.Errorf("Property: expected %d, got %d", tt.expected.Property, result.Property)
			}
		})
	}
}

func TestIsDisplayChange(t *testing.T) {
	tests := []struct {
		event Event
		want  bool
	}{
		{Event{Action: ActionChange, Subsystem: SubsystemDRM, Hotplug: true}, true},
		{Event{Action: ActionChange, Subsystem: SubsystemDRM}, false},
		{Event{Action: ActionAdd, Subsystem: SubsystemDRM, Hotplug: true}, false},
		{Event{Action: ActionChange, Subsystem: "usb", Hotplug: true}, false},
	}
	for _, tt := range tests {
		if got := tt.event.IsDisplayChange(); got != tt.want {
			t.Errorf("%+v: IsDisplayChange = %v, want %v", tt.event, got, tt.want)
		}
	}
}

func newTestMonitor(t *testing.T) *Monitor {
	t.Helper()
	m, err := NewMonitor()
	if err != nil {
		t.Skipf("netlink unavailable: %v", err)
	}
	return m
}

func TestMonitorClose(t *testing.T) {
	m := newTestMonitor(t)

	if closeErr := m.Close(); closeErr != nil {
		t.Errorf("Close() error: %v", closeErr)
	}
	// Second close should fail (bad file descriptor)
	if closeErr := m.Close(); closeErr == nil {
		t.Error("expected error on second Close()")
	}
}

func TestMonitorRunCancellation(t *testing.T) {
	m := newTestMonitor(t)
	defer func() { _ = m.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	events := make(chan Event, 10)
	runErr := m.Run(ctx, events)
	if !errors.Is(runErr, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", runErr)
	}
	if _, ok := <-events; ok {
		t.Error("events channel should be closed")
	}
}

// Run with: go test -race -run TestMonitorConcurrentFilterAdd.
func TestMonitorConcurrentFilterAdd(t *testing.T) {
	m := newTestMonitor(t)
	defer func() { _ = m.Close() }()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				m.AddSubsystemFilter(SubsystemDRM)
				_ = m.accepts("usb")
			}
		}()
	}
	wg.Wait()

	if !m.accepts(SubsystemDRM) {
		t.Error("drm events should pass the filter")
	}
	if m.accepts("usb") {
		t.Error("usb events should be filtered")
	}
}
