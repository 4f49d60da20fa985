package models

// Health check models
type HealthData struct {
	Status   string `json:"status" example:"ok" doc:"Service status"`
	Displays int    `json:"displays" example:"1" doc:"Number of bound displays"`
}

type HealthResponse struct {
	Body HealthData
}

// Version models
type VersionData struct {
	Version   string `json:"version" example:"1.2.0" doc:"Application version"`
	GitCommit string `json:"git_commit" example:"4f2c1e9" doc:"Git commit hash"`
	BuildDate string `json:"build_date" doc:"Build timestamp"`
	GoVersion string `json:"go_version" example:"go1.24.11" doc:"Go toolchain version"`
	Platform  string `json:"platform" example:"linux/arm64" doc:"OS and architecture"`
}

type VersionResponse struct {
	Body VersionData
}

// Display models
type DisplayInfo struct {
	Name        string   `json:"name" example:"HDMI-A-1" doc:"Connector name"`
	ConnectorID uint32   `json:"connector_id" doc:"Kernel connector object id"`
	CrtcID      uint32   `json:"crtc_id" doc:"Kernel crtc object id"`
	On          bool     `json:"on" doc:"Whether the crtc is running"`
	Vsync       bool     `json:"vsync" doc:"Whether vsync events are delivered"`
	Mode        string   `json:"mode" example:"1920x1080@60" doc:"Current mode"`
	Modes       []string `json:"modes" doc:"Modes advertised by the connector"`
	Planes      []uint32 `json:"planes" doc:"Plane ids leased to the display, primary first"`
	OnScreen    []uint32 `json:"on_screen" doc:"Framebuffer ids currently scanned out"`
}

type DisplayListData struct {
	Displays []DisplayInfo `json:"displays" doc:"Bound displays ordered by connector id"`
	Count    int           `json:"count" doc:"Number of displays"`
}

type DisplayListResponse struct {
	Body DisplayListData
}

type DisplayResponse struct {
	Body DisplayInfo
}

type DisplayPathInput struct {
	Name string `path:"name" example:"HDMI-A-1" doc:"Connector name"`
}

type PowerRequest struct {
	DisplayPathInput
	Body struct {
		On bool `json:"on" doc:"Turn the crtc on or off"`
	}
}

type ModeRequest struct {
	DisplayPathInput
	Body struct {
		Mode string `json:"mode" example:"1280x720@60" doc:"Mode as WIDTHxHEIGHT@REFRESH or a mode name"`
	}
}

type VsyncRequest struct {
	DisplayPathInput
	Body struct {
		Enabled bool `json:"enabled" doc:"Deliver vsync events"`
	}
}

// Event stream input
type EventsInput struct {
	Vsync bool `query:"vsync" doc:"Include per-frame vsync events"`
}
