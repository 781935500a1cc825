package rtc

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/voxtalk/pkg/realtime/protocol"
)

type fakeStream struct {
	mu      sync.Mutex
	stopped bool
	done    chan struct{}
}

func newFakeStream() *fakeStream { return &fakeStream{done: make(chan struct{})} }

func (f *fakeStream) ReadSample(ctx context.Context) (media.Sample, error) {
	select {
	case <-ctx.Done():
		return media.Sample{}, ctx.Err()
	case <-f.done:
		return media.Sample{}, io.EOF
	}
}

func (f *fakeStream) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.stopped {
		f.stopped = true
		close(f.done)
	}
}

func (f *fakeStream) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

type fakeMicrophone struct {
	mu          sync.Mutex
	constraints []Constraints
	open        func(n int, c Constraints) (MediaStream, error)
}

func (m *fakeMicrophone) Open(_ context.Context, c Constraints) (MediaStream, error) {
	m.mu.Lock()
	m.constraints = append(m.constraints, c)
	n := len(m.constraints)
	m.mu.Unlock()
	return m.open(n, c)
}

func (m *fakeMicrophone) calls() []Constraints {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Constraints(nil), m.constraints...)
}

type fakeSink struct {
	mu     sync.Mutex
	closed int
}

func (s *fakeSink) WriteRTP(*rtp.Packet) error { return nil }
func (s *fakeSink) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

func TestDisconnectTwiceClearsReferences(t *testing.T) {
	stream := newFakeStream()
	sink := &fakeSink{}
	var states []State
	var mu sync.Mutex
	s := NewSession(Options{
		Microphone: &fakeMicrophone{open: func(int, Constraints) (MediaStream, error) { return stream, nil }},
		Sink:       sink,
		OnStateChange: func(st State) {
			mu.Lock()
			states = append(states, st)
			mu.Unlock()
		},
	})
	require.NoError(t, s.SetToken("tok"))
	require.NoError(t, s.StartMicrophone(context.Background()))
	require.Equal(t, StateMicReady, s.State())

	require.NotPanics(t, func() {
		s.Disconnect()
		s.Disconnect()
	})

	require.Equal(t, StateDisconnected, s.State())
	require.True(t, stream.isStopped())
	require.Equal(t, 1, sink.closed)
	s.mu.Lock()
	require.Nil(t, s.pc)
	require.Nil(t, s.dc)
	require.Nil(t, s.stream)
	require.Nil(t, s.track)
	require.False(t, s.sessionUpdated)
	s.mu.Unlock()
	require.Nil(t, s.sink)

	mu.Lock()
	require.Equal(t, []State{StateTokenAcquired, StateMicReady, StateDisconnected}, states)
	mu.Unlock()

	require.ErrorIs(t, s.StartMicrophone(context.Background()), ErrSessionClosed)
	require.ErrorIs(t, s.SetToken("again"), ErrSessionClosed)
}

func TestDisconnectFromIdle(t *testing.T) {
	s := NewSession(Options{})
	s.Disconnect()
	s.Disconnect()
	require.Equal(t, StateDisconnected, s.State())
}

func TestSendBeforeOpenIsRejected(t *testing.T) {
	s := NewSession(Options{})
	require.ErrorIs(t, s.SendMessage(protocol.NewResponseCreate("")), ErrDataChannelNotOpen)

	s = NewSession(Options{
		Microphone:         &fakeMicrophone{open: func(int, Constraints) (MediaStream, error) { return newFakeStream(), nil }},
		ChannelOpenTimeout: 50 * time.Millisecond,
	})
	defer s.Disconnect()
	require.NoError(t, s.StartMicrophone(context.Background()))
	require.ErrorIs(t, s.SendMessage(map[string]string{"type": "response.create"}), ErrDataChannelNotOpen)
	require.ErrorIs(t, s.StartConversation(context.Background(), ""), ErrDataChannelNotOpen)
}

func TestStartMicrophoneWithoutDevice(t *testing.T) {
	s := NewSession(Options{})
	err := s.StartMicrophone(context.Background())
	require.ErrorIs(t, err, ErrNoMicrophoneFound)
	require.Equal(t, StateDisconnected, s.State())
	require.ErrorIs(t, s.Err(), ErrNoMicrophoneFound)

	mic := &fakeMicrophone{open: func(int, Constraints) (MediaStream, error) {
		return nil, errors.Wrap(ErrNoMicrophoneFound, "no capture devices")
	}}
	s = NewSession(Options{Microphone: mic})
	err = s.StartMicrophone(context.Background())
	require.ErrorIs(t, err, ErrNoMicrophoneFound)
	require.False(t, errors.Is(err, ErrMicrophonePermissionDenied))
	require.False(t, errors.Is(err, ErrMicrophoneBusy))
	require.Len(t, mic.calls(), 2)
}

func TestStartMicrophoneRetriesWithRelaxedConstraints(t *testing.T) {
	mic := &fakeMicrophone{open: func(n int, _ Constraints) (MediaStream, error) {
		if n == 1 {
			return nil, ErrMicrophoneBusy
		}
		return newFakeStream(), nil
	}}
	s := NewSession(Options{Microphone: mic})
	defer s.Disconnect()

	require.NoError(t, s.StartMicrophone(context.Background()))
	require.Equal(t, []Constraints{DefaultConstraints(), RelaxedConstraints()}, mic.calls())
}

func TestStartMicrophoneReleasesPreviousStream(t *testing.T) {
	streams := []*fakeStream{newFakeStream(), newFakeStream()}
	mic := &fakeMicrophone{open: func(n int, _ Constraints) (MediaStream, error) {
		return streams[n-1], nil
	}}
	s := NewSession(Options{Microphone: mic})
	defer s.Disconnect()

	require.NoError(t, s.StartMicrophone(context.Background()))
	require.NoError(t, s.StartMicrophone(context.Background()))
	require.True(t, streams[0].isStopped())
	require.False(t, streams[1].isStopped())
}

func TestStartMicrophoneTimeoutStopsLateStream(t *testing.T) {
	release := make(chan struct{})
	late := newFakeStream()
	mic := &fakeMicrophone{open: func(int, Constraints) (MediaStream, error) {
		<-release
		return late, nil
	}}
	s := NewSession(Options{Microphone: mic, MicrophoneTimeout: 20 * time.Millisecond})

	err := s.StartMicrophone(context.Background())
	require.ErrorIs(t, err, ErrMicrophoneTimeout)
	require.True(t, IsMicrophoneError(err))
	close(release)
	require.Eventually(t, late.isStopped, time.Second, 10*time.Millisecond)
}

func TestConnectRequiresToken(t *testing.T) {
	s := NewSession(Options{})
	defer s.Disconnect()
	require.ErrorIs(t, s.Connect(context.Background()), ErrNoToken)
}

func TestConnectCapturesSDPErrorBody(t *testing.T) {
	var gotAuth, gotType, gotModel, gotOffer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		gotModel = r.URL.Query().Get("model")
		b, _ := io.ReadAll(r.Body)
		gotOffer = string(b)
		http.Error(w, `{"error":"invalid model"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewSession(Options{BaseURL: srv.URL + "/v1/realtime", Model: "test-model", ICEGatherTimeout: time.Second})
	require.NoError(t, s.SetToken("ek_123"))
	err := s.Connect(context.Background())
	require.ErrorIs(t, err, ErrRemoteSdpExchangeFailed)

	var sdpErr *SDPExchangeError
	require.True(t, errors.As(err, &sdpErr))
	require.Equal(t, http.StatusInternalServerError, sdpErr.StatusCode)
	require.Contains(t, sdpErr.Body, "invalid model")

	require.Equal(t, "Bearer ek_123", gotAuth)
	require.Equal(t, "application/sdp", gotType)
	require.Equal(t, "test-model", gotModel)
	require.Contains(t, gotOffer, "m=audio")
	require.Contains(t, gotOffer, "m=application")
	require.Equal(t, StateDisconnected, s.State())
}

func TestConnectWatchdogExpires(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	failures := make(chan error, 1)
	s := NewSession(Options{
		BaseURL:          srv.URL,
		ICEGatherTimeout: 50 * time.Millisecond,
		ConnectTimeout:   200 * time.Millisecond,
		OnFailure:        func(err error) { failures <- err },
	})
	require.NoError(t, s.SetToken("tok"))
	err := s.Connect(context.Background())
	require.ErrorIs(t, err, ErrConnectionWatchdogExpired)
	require.Equal(t, StateDisconnected, s.State())
}

// answerer is an in-process stand-in for the remote speech service.
type answerer struct {
	t        *testing.T
	mu       sync.Mutex
	received []string
	pcs      []*webrtc.PeerConnection
}

func (a *answerer) frames() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.received...)
}

func (a *answerer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer ek_live" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	offer, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	a.mu.Lock()
	a.pcs = append(a.pcs, pc)
	a.mu.Unlock()

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			a.mu.Lock()
			a.received = append(a.received, string(msg.Data))
			a.mu.Unlock()
			var ev struct {
				Type string `json:"type"`
			}
			if json.Unmarshal(msg.Data, &ev) == nil && ev.Type == protocol.TypeResponseCreate {
				_ = dc.SendText(`{"type":"response.audio_transcript.delta","item_id":"item_1","delta":"Hola"}`)
			}
		})
	})
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: string(offer)}); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	<-gathered
	w.Header().Set("Content-Type", "application/sdp")
	_, _ = io.WriteString(w, pc.LocalDescription().SDP)
}

func (a *answerer) close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, pc := range a.pcs {
		_ = pc.Close()
	}
}

func TestSessionEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("starts two peer connections")
	}
	ans := &answerer{t: t}
	srv := httptest.NewServer(ans)
	defer srv.Close()
	defer ans.close()

	events := make(chan []byte, 8)
	s := NewSession(Options{
		BaseURL:            srv.URL + "/v1/realtime",
		Language:           "es",
		ChannelOpenTimeout: 10 * time.Second,
		OnEvent:            func(frame []byte) { events <- frame },
	})
	defer s.Disconnect()

	require.NoError(t, s.SetToken("ek_live"))
	require.NoError(t, s.Connect(context.Background()))
	require.True(t, s.IsConnected())

	require.NoError(t, s.StartConversation(context.Background(), "resume please"))
	require.NoError(t, s.StartConversation(context.Background(), ""))

	select {
	case frame := <-events:
		ev, err := protocol.Decode(frame)
		require.NoError(t, err)
		require.Equal(t, protocol.TypeAudioTranscriptDelta, ev.Type)
		require.Equal(t, "item_1", ev.ItemID)
	case <-time.After(10 * time.Second):
		t.Fatal("no event from the remote side")
	}

	require.Eventually(t, func() bool { return len(ans.frames()) == 3 }, 10*time.Second, 20*time.Millisecond)
	frames := ans.frames()

	var first protocol.SessionUpdate
	require.NoError(t, json.Unmarshal([]byte(frames[0]), &first))
	require.Equal(t, protocol.TypeSessionUpdate, first.Type)
	require.Equal(t, "es", first.Session.InputAudioTranscription.Language)

	var second protocol.ResponseCreate
	require.NoError(t, json.Unmarshal([]byte(frames[1]), &second))
	require.Equal(t, protocol.TypeResponseCreate, second.Type)
	require.Equal(t, "resume please", second.Response.Instructions)

	require.JSONEq(t, `{"type":"response.create"}`, frames[2])

	s.Disconnect()
	require.False(t, s.IsConnected())
}
