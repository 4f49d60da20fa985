package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/smazurov/hwcomposer/internal/api/models"
	"github.com/smazurov/hwcomposer/internal/events"
)

// eventTypes maps SSE event names to the bus events they carry.
var eventTypes = map[string]any{
	"hotplug":         events.HotplugEvent{},
	"link-status":     events.LinkStatusEvent{},
	"refresh-request": events.RefreshRequestEvent{},
	"commit-failed":   events.CommitFailedEvent{},
	"vsync":           events.VsyncEvent{},
}

// registerSSERoutes registers the native Huma SSE endpoint.
func (s *Server) registerSSERoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "events-stream",
		Method:      http.MethodGet,
		Path:        "/api/events",
		Summary:     "Server-Sent Events Stream",
		Description: "Hotplug, link status, refresh requests and commit failures. Vsync on request.",
		Tags:        []string{"events"},
	}, eventTypes, func(ctx context.Context, input *models.EventsInput, send sse.Sender) {
		eventCh := make(chan any, 32)

		unsubscribers := []func(){
			events.SubscribeToChannel[events.HotplugEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.LinkStatusEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.RefreshRequestEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.CommitFailedEvent](s.eventBus, eventCh),
		}
		if input.Vsync {
			unsubscribers = append(unsubscribers,
				events.SubscribeToChannel[events.VsyncEvent](s.eventBus, eventCh))
		}
		defer func() {
			for _, unsub := range unsubscribers {
				unsub()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case event := <-eventCh:
				if err := send.Data(event); err != nil {
					return
				}
			}
		}
	})
}
