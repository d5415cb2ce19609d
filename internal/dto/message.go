// Package dto holds the wire shapes exchanged with stream and REST clients.
package dto

import "encoding/json"

// Inbound client events.
const (
	EventStartStream     = "start_stream"
	EventStopStream      = "stop_stream"
	EventStartBatch      = "start_batch"
	EventEndBatch        = "end_batch"
	EventUpdateROI       = "update_roi"
	EventUpdateSettings  = "update_settings"
	EventFrame           = "frame"
	EventGetBatchHistory = "get_batch_history"
)

// Outbound server events.
const (
	EventConnectionStatus  = "connection_status"
	EventStreamStarted     = "stream_started"
	EventStreamStopped     = "stream_stopped"
	EventBatchStarted      = "batch_started"
	EventBatchEnded        = "batch_ended"
	EventBatchStatsUpdated = "batch_stats_updated"
	EventROIUpdated        = "roi_updated"
	EventSettingsUpdated   = "settings_updated"
	EventDetectionResult   = "detection_result"
	EventBatchHistory      = "batch_history"
	EventError             = "error"
)

// Inbound is a client message. Data is decoded once the event is known.
type Inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Outbound is a server message.
type Outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// ErrorPayload is the body of an error event.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewError builds an error event.
func NewError(code, message string) Outbound {
	return Outbound{Event: EventError, Data: ErrorPayload{Code: code, Message: message}}
}
