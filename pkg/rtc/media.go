package rtc

import (
	"bytes"
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/pkg/errors"
)

// Constraints are the processing hints requested from the capture device.
type Constraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

func DefaultConstraints() Constraints {
	return Constraints{EchoCancellation: true, NoiseSuppression: true, AutoGainControl: true}
}

// RelaxedConstraints is used for the single retry after a failed acquisition.
func RelaxedConstraints() Constraints {
	return Constraints{}
}

// MediaStream produces encoded Opus samples until stopped.
type MediaStream interface {
	ReadSample(ctx context.Context) (media.Sample, error)
	// Stop releases the device. It is safe to call more than once.
	Stop()
}

// Microphone opens a capture device.
type Microphone interface {
	Open(ctx context.Context, c Constraints) (MediaStream, error)
}

// Sink receives the remote audio track.
type Sink interface {
	WriteRTP(p *rtp.Packet) error
	Close() error
}

// NewOggFileSink records remote audio to an ogg/opus file.
func NewOggFileSink(path string) (Sink, error) {
	w, err := oggwriter.New(path, 48000, 2)
	if err != nil {
		return nil, errors.Wrapf(err, "open audio sink %s", path)
	}
	return w, nil
}

// OggFileMicrophone serves an ogg/opus file as a capture device. Only one stream can be
// open at a time; a second Open before Stop reports ErrMicrophoneBusy.
type OggFileMicrophone struct {
	Path string

	mu     sync.Mutex
	active *oggStream
}

var _ Microphone = &OggFileMicrophone{}

func NewOggFileMicrophone(path string) *OggFileMicrophone {
	return &OggFileMicrophone{Path: path}
}

func (m *OggFileMicrophone) Open(_ context.Context, _ Constraints) (MediaStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && !m.active.isStopped() {
		return nil, ErrMicrophoneBusy
	}
	if m.Path == "" {
		return nil, ErrNoMicrophoneFound
	}
	f, err := os.Open(m.Path)
	if err != nil {
		return nil, classifyOpenError(err)
	}
	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "microphone %s is not an ogg/opus stream", m.Path)
	}
	m.active = &oggStream{file: f, reader: reader}
	return m.active, nil
}

func classifyOpenError(err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return errors.Wrap(ErrNoMicrophoneFound, err.Error())
	case errors.Is(err, os.ErrPermission):
		return errors.Wrap(ErrMicrophonePermissionDenied, err.Error())
	default:
		return errors.Wrap(err, "open microphone")
	}
}

type oggStream struct {
	mu          sync.Mutex
	file        io.Closer
	reader      *oggreader.OggReader
	lastGranule uint64
	nextAt      time.Time
	stopped     bool
}

func (s *oggStream) ReadSample(ctx context.Context) (media.Sample, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return media.Sample{}, io.EOF
	}
	wait := time.Until(s.nextAt)
	s.mu.Unlock()

	if wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return media.Sample{}, ctx.Err()
		case <-t.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.stopped {
			return media.Sample{}, io.EOF
		}
		page, header, err := s.reader.ParseNextPage()
		if err != nil {
			return media.Sample{}, err
		}
		if bytes.HasPrefix(page, []byte("OpusTags")) {
			continue
		}
		count := header.GranulePosition - s.lastGranule
		s.lastGranule = header.GranulePosition
		d := time.Duration(float64(count) / 48000 * float64(time.Second))
		now := time.Now()
		if s.nextAt.Before(now) {
			s.nextAt = now
		}
		s.nextAt = s.nextAt.Add(d)
		return media.Sample{Data: page, Duration: d}, nil
	}
}

func (s *oggStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	_ = s.file.Close()
}

func (s *oggStream) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
