package voice

import (
	"context"

	"github.com/pkg/errors"

	"github.com/go-go-golems/voxtalk/pkg/rtc"
	"github.com/go-go-golems/voxtalk/pkg/tokenbroker"
)

var (
	ErrBackendUnavailable = errors.New("conversation backend is unavailable")
	ErrNotInitialized     = errors.New("conversation is not initialized")
	// ErrConversationStopped is returned by a start that was overtaken by a stop.
	ErrConversationStopped = errors.New("conversation was stopped")
)

type userError struct {
	target error
	kind   string
	text   string
}

// Order matters: the first match wins.
var userErrors = []userError{
	{tokenbroker.ErrMissingParameters, "missing_parameters", "Please choose a language and a level before starting."},
	{ErrNotInitialized, "not_initialized", "The conversation is not set up yet."},
	{ErrConversationStopped, "stopped", "The conversation was stopped."},
	{ErrBackendUnavailable, "backend_unavailable", "The conversation service is unavailable right now. Please try again later."},
	{tokenbroker.ErrTokenAcquisitionFailed, "token_failed", "Could not start a conversation session. Please try again."},
	{rtc.ErrMicrophonePermissionDenied, "mic_permission_denied", "Microphone access was denied. Allow microphone access and try again."},
	{rtc.ErrNoMicrophoneFound, "no_microphone", "No microphone was found. Connect a microphone and try again."},
	{rtc.ErrMicrophoneBusy, "mic_busy", "The microphone is being used by another application. Close it and try again."},
	{rtc.ErrMicrophoneTimeout, "mic_timeout", "The microphone did not respond in time. Please try again."},
	{rtc.ErrConnectionWatchdogExpired, "connect_timeout", "Connecting took too long. Check your network and try again."},
	{rtc.ErrRemoteSdpExchangeFailed, "sdp_failed", "The speech service refused the connection. Please try again."},
	{rtc.ErrDataChannelNotOpen, "channel_not_open", "The connection is not ready yet. Please try again."},
	{context.DeadlineExceeded, "timeout", "The request timed out. Please try again."},
}

// UserMessage converts err into the single string shown to the user.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	for _, ue := range userErrors {
		if errors.Is(err, ue.target) {
			return ue.text
		}
	}
	return "Something went wrong. Please try again."
}

// ErrorKind is the metrics label for err.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, ue := range userErrors {
		if errors.Is(err, ue.target) {
			return ue.kind
		}
	}
	return "other"
}

// retryable reports whether another connection attempt could succeed. Watchdog expiry
// needs the user to start again.
func retryable(err error) bool {
	switch {
	case errors.Is(err, tokenbroker.ErrMissingParameters),
		errors.Is(err, ErrNotInitialized),
		errors.Is(err, ErrConversationStopped),
		errors.Is(err, rtc.ErrMicrophonePermissionDenied),
		errors.Is(err, rtc.ErrNoMicrophoneFound),
		errors.Is(err, rtc.ErrConnectionWatchdogExpired),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}
