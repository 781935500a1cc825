package rtc

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrMicrophonePermissionDenied = errors.New("microphone permission denied")
	ErrNoMicrophoneFound          = errors.New("no microphone found")
	ErrMicrophoneBusy             = errors.New("microphone is busy")
	ErrMicrophoneTimeout          = errors.New("microphone request timed out")

	// ErrIceGatheringTimeout is not fatal; the offer goes out with the candidates gathered so far.
	ErrIceGatheringTimeout       = errors.New("ice gathering timed out")
	ErrDataChannelNotOpen        = errors.New("data channel is not open")
	ErrConnectionWatchdogExpired = errors.New("connection attempt timed out")
	ErrRemoteSdpExchangeFailed   = errors.New("remote sdp exchange failed")
	ErrSessionClosed             = errors.New("session is disconnected")
	ErrNoToken                   = errors.New("session has no token")
)

// SDPExchangeError keeps the remote service's response for diagnostics.
type SDPExchangeError struct {
	StatusCode int
	Body       string
}

func (e *SDPExchangeError) Error() string {
	return fmt.Sprintf("remote sdp exchange failed with HTTP %d: %s", e.StatusCode, e.Body)
}

func (e *SDPExchangeError) Is(target error) bool { return target == ErrRemoteSdpExchangeFailed }

// IsMicrophoneError reports whether err is one of the user-actionable microphone failures.
func IsMicrophoneError(err error) bool {
	return errors.Is(err, ErrMicrophonePermissionDenied) ||
		errors.Is(err, ErrNoMicrophoneFound) ||
		errors.Is(err, ErrMicrophoneBusy) ||
		errors.Is(err, ErrMicrophoneTimeout)
}
