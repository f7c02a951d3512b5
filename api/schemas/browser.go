package schemas

import (
	"errors"
	"time"
)

// ErrCaptureQuota is returned by a capturer when the host refuses a capture
// because too many were requested in a short window.
var ErrCaptureQuota = errors.New("capture quota exceeded")

// -- Observation Schemas --

// Observation is a single visual capture of the controlled page.
type Observation struct {
	Data       []byte    `json:"-"`
	MimeType   string    `json:"mime_type"`
	Size       int       `json:"size"`
	CapturedAt time.Time `json:"captured_at"`
}

// NewObservation wraps raw image bytes, recording their size.
func NewObservation(data []byte, mimeType string, at time.Time) *Observation {
	return &Observation{Data: data, MimeType: mimeType, Size: len(data), CapturedAt: at}
}

// TabHandle identifies the controlled page for the lifetime of a run.
type TabHandle struct {
	ID       string `json:"id"`
	WindowID string `json:"window_id,omitempty"`
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
}

// Viewport describes the visible page area in CSS pixels.
type Viewport struct {
	Width            float64 `json:"width"`
	Height           float64 `json:"height"`
	DevicePixelRatio float64 `json:"devicePixelRatio"`
}

// -- Execution Surface Schemas --

// Command is sent from the executor to the in-page execution surface.
type Command struct {
	Command string                 `json:"command"`
	Args    map[string]interface{} `json:"args,omitempty"`
	TabID   string                 `json:"tab_id,omitempty"`
}

// CommandResponse is the surface's reply to a Command.
type CommandResponse struct {
	Success bool                   `json:"success"`
	Error   string                 `json:"error,omitempty"`
	Extra   map[string]interface{} `json:"extra,omitempty"`
}

// ActionResult is the outcome of executing one canonical action.
type ActionResult struct {
	Success     bool                   `json:"success"`
	Error       string                 `json:"error,omitempty"`
	ObservedURL string                 `json:"observed_url,omitempty"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// Failed builds an unsuccessful result with the given message.
func Failed(msg string) ActionResult {
	return ActionResult{Success: false, Error: msg}
}
