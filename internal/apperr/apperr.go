// Package apperr defines the error kinds reported back to stream clients.
//
// Kinds are sentinel errors built on github.com/cockroachdb/errors. Call sites wrap
// the underlying cause and Mark it with a kind so that Code can recover the wire code
// regardless of how deep the wrapping goes.
package apperr

import (
	"github.com/cockroachdb/errors"
)

var (
	ErrModelNotReady   = errors.New("model not ready")
	ErrImageDecode     = errors.New("image decode failed")
	ErrInvalidROI      = errors.New("invalid ROI")
	ErrInvalidSettings = errors.New("invalid settings")
	ErrNoActiveSession = errors.New("no active session")
	ErrNoActiveBatch   = errors.New("no active batch")
	ErrSessionNotFound = errors.New("session not found")
	ErrPersistence     = errors.New("persistence failure")
	ErrFrameDropped    = errors.New("frame dropped")
	ErrInvalidMessage  = errors.New("invalid message")
	ErrUnknownEvent    = errors.New("unknown event")
)

// Wire codes sent in error events.
const (
	CodeModelNotReady   = "MODEL_NOT_READY"
	CodeImageDecode     = "IMAGE_DECODE_ERROR"
	CodeInvalidROI      = "INVALID_ROI"
	CodeInvalidSettings = "INVALID_SETTINGS"
	CodeNoActiveSession = "NO_ACTIVE_SESSION"
	CodeNoActiveBatch   = "NO_ACTIVE_BATCH"
	CodeSessionNotFound = "SESSION_NOT_FOUND"
	CodePersistence     = "PERSISTENCE_ERROR"
	CodeFrameDropped    = "FRAME_DROPPED"
	CodeInvalidMessage  = "INVALID_MESSAGE"
	CodeUnknownEvent    = "UNKNOWN_EVENT"
	CodeFrameProcessing = "FRAME_PROCESSING_ERROR"
)

var codes = []struct {
	kind error
	code string
}{
	{ErrModelNotReady, CodeModelNotReady},
	{ErrImageDecode, CodeImageDecode},
	{ErrInvalidROI, CodeInvalidROI},
	{ErrInvalidSettings, CodeInvalidSettings},
	{ErrNoActiveSession, CodeNoActiveSession},
	{ErrNoActiveBatch, CodeNoActiveBatch},
	{ErrSessionNotFound, CodeSessionNotFound},
	{ErrPersistence, CodePersistence},
	{ErrFrameDropped, CodeFrameDropped},
	{ErrInvalidMessage, CodeInvalidMessage},
	{ErrUnknownEvent, CodeUnknownEvent},
}

// Code returns the wire code for err, or CodeFrameProcessing for unclassified errors.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.kind) {
			return c.code
		}
	}
	return CodeFrameProcessing
}

// Persistence wraps a storage failure and marks it as ErrPersistence.
func Persistence(err error, op string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, op), ErrPersistence)
}

// Re-exports so callers do not need a second errors import.
var (
	New   = errors.New
	Newf  = errors.Newf
	Wrap  = errors.Wrap
	Wrapf = errors.Wrapf
	Mark  = errors.Mark
)
