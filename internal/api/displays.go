package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/hwcomposer/internal/api/models"
	"github.com/smazurov/hwcomposer/internal/commit"
	"github.com/smazurov/hwcomposer/internal/display"
	"github.com/smazurov/hwcomposer/pkg/linuxav/drm"
)

func (s *Server) registerDisplayRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-displays",
		Method:      http.MethodGet,
		Path:        "/api/displays",
		Summary:     "List Displays",
		Description: "List every bound display with its mode and planes",
		Tags:        []string{"displays"},
	}, func(_ context.Context, _ *struct{}) (*models.DisplayListResponse, error) {
		displays := s.manager.Displays()
		out := make([]models.DisplayInfo, 0, len(displays))
		for _, d := range displays {
			out = append(out, displayInfo(d))
		}
		return &models.DisplayListResponse{
			Body: models.DisplayListData{Displays: out, Count: len(out)},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-display",
		Method:      http.MethodGet,
		Path:        "/api/displays/{name}",
		Summary:     "Get Display",
		Description: "Get one display by connector name",
		Tags:        []string{"displays"},
		Errors:      []int{404},
	}, func(_ context.Context, input *models.DisplayPathInput) (*models.DisplayResponse, error) {
		d, err := s.lookup(input.Name)
		if err != nil {
			return nil, err
		}
		return &models.DisplayResponse{Body: displayInfo(d)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "set-display-power",
		Method:      http.MethodPut,
		Path:        "/api/displays/{name}/power",
		Summary:     "Set Display Power",
		Description: "Turn a display's crtc on or off",
		Tags:        []string{"displays"},
		Errors:      []int{404, 409, 500},
	}, func(_ context.Context, input *models.PowerRequest) (*models.DisplayResponse, error) {
		d, err := s.lookup(input.Name)
		if err != nil {
			return nil, err
		}
		if err := d.SetPower(input.Body.On); err != nil {
			return nil, commitError("set power", err)
		}
		return &models.DisplayResponse{Body: displayInfo(d)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "set-display-mode",
		Method:      http.MethodPut,
		Path:        "/api/displays/{name}/mode",
		Summary:     "Set Display Mode",
		Description: "Switch a display to one of its advertised modes",
		Tags:        []string{"displays"},
		Errors:      []int{404, 409, 422, 500},
	}, func(_ context.Context, input *models.ModeRequest) (*models.DisplayResponse, error) {
		d, err := s.lookup(input.Name)
		if err != nil {
			return nil, err
		}
		mode, ok := findMode(d.Modes(), input.Body.Mode)
		if !ok {
			return nil, huma.Error422UnprocessableEntity("mode not advertised by " + input.Name + ": " + input.Body.Mode)
		}
		if err := d.SetMode(mode); err != nil {
			return nil, commitError("set mode", err)
		}
		return &models.DisplayResponse{Body: displayInfo(d)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "set-display-vsync",
		Method:      http.MethodPut,
		Path:        "/api/displays/{name}/vsync",
		Summary:     "Set Vsync Delivery",
		Description: "Start or stop vsync events for a display",
		Tags:        []string{"displays"},
		Errors:      []int{404},
	}, func(_ context.Context, input *models.VsyncRequest) (*models.DisplayResponse, error) {
		d, err := s.lookup(input.Name)
		if err != nil {
			return nil, err
		}
		d.EnableVsync(input.Body.Enabled)
		return &models.DisplayResponse{Body: displayInfo(d)}, nil
	})
}

func (s *Server) lookup(name string) (*display.Display, error) {
	d := s.manager.Display(name)
	if d == nil {
		return nil, huma.Error404NotFound("display not found: " + name)
	}
	return d, nil
}

// commitError maps a failed display commit to an HTTP error.
func commitError(op string, err error) error {
	switch {
	case errors.Is(err, display.ErrClosed), errors.Is(err, commit.ErrClosed):
		return huma.Error409Conflict(op+": display unbound", err)
	case errors.Is(err, commit.ErrCommitRejected):
		return huma.Error409Conflict(op+": rejected by the driver", err)
	default:
		return huma.Error500InternalServerError(op, err)
	}
}

func displayInfo(d *display.Display) models.DisplayInfo {
	pipe := d.Pipeline()
	mode := d.Mode()
	modes := d.Modes()

	info := models.DisplayInfo{
		Name:        d.Name(),
		ConnectorID: pipe.Connector.ID(),
		CrtcID:      pipe.Crtc.ID(),
		On:          d.On(),
		Vsync:       d.VsyncEnabled(),
		Mode:        mode.String(),
		Modes:       make([]string, 0, len(modes)),
		Planes:      d.Planes(),
		OnScreen:    d.OnScreen(),
	}
	for _, m := range modes {
		info.Modes = append(info.Modes, m.String())
	}
	return info
}

// findMode matches want against "WxH@R" or the kernel mode name. The first
// advertised match wins, so the preferred mode is picked among duplicates.
func findMode(modes []drm.ModeInfo, want string) (drm.ModeInfo, bool) {
	for _, m := range modes {
		if m.String() == want || m.NameString() == want {
			return m, true
		}
	}
	return drm.ModeInfo{}, false
}
