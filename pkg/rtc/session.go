// Package rtc owns the WebRTC session with the remote speech service: the peer connection,
// the audio transceiver, the "oai-events" data channel, the microphone stream and the
// SDP offer/answer exchange.
package rtc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/voxtalk/pkg/realtime/protocol"
)

const (
	DefaultBaseURL            = "https://api.openai.com/v1/realtime"
	DefaultModel              = "gpt-4o-realtime-preview"
	DefaultTranscriptionModel = "whisper-1"
	DefaultVADMode            = "server_vad"
	DefaultDataChannelLabel   = "oai-events"

	DefaultMicrophoneTimeout  = 10 * time.Second
	DefaultICEGatherTimeout   = 5 * time.Second
	DefaultChannelOpenTimeout = 5 * time.Second
	DefaultConnectTimeout     = 15 * time.Second

	maxAnswerBytes = 1 << 20
)

type Options struct {
	BaseURL            string
	Model              string
	TranscriptionModel string
	Language           string
	VADMode            string
	DataChannelLabel   string
	ICEServers         []string
	HTTPClient         *http.Client

	Microphone Microphone
	Sink       Sink

	MicrophoneTimeout  time.Duration
	ICEGatherTimeout   time.Duration
	ChannelOpenTimeout time.Duration
	ConnectTimeout     time.Duration

	// OnEvent receives every raw frame from the data channel, in arrival order.
	OnEvent func(frame []byte)
	// OnStateChange is called outside the session lock.
	OnStateChange func(State)
	// OnFailure reports errors raised outside a caller's stack, such as the watchdog.
	OnFailure func(error)
}

func (o *Options) setDefaults() {
	if o.BaseURL == "" {
		o.BaseURL = DefaultBaseURL
	}
	if o.Model == "" {
		o.Model = DefaultModel
	}
	if o.TranscriptionModel == "" {
		o.TranscriptionModel = DefaultTranscriptionModel
	}
	if o.VADMode == "" {
		o.VADMode = DefaultVADMode
	}
	if o.DataChannelLabel == "" {
		o.DataChannelLabel = DefaultDataChannelLabel
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if o.MicrophoneTimeout <= 0 {
		o.MicrophoneTimeout = DefaultMicrophoneTimeout
	}
	if o.ICEGatherTimeout <= 0 {
		o.ICEGatherTimeout = DefaultICEGatherTimeout
	}
	if o.ChannelOpenTimeout <= 0 {
		o.ChannelOpenTimeout = DefaultChannelOpenTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
}

// Session is a single connection attempt. Once disconnected it cannot be reused.
type Session struct {
	id   string
	opts Options

	mu             sync.Mutex
	state          State
	token          string
	pc             *webrtc.PeerConnection
	dc             *webrtc.DataChannel
	dcOpen         chan struct{}
	stream         MediaStream
	track          *webrtc.TrackLocalStaticSample
	sink           Sink
	sessionUpdated bool
	stopPump       context.CancelFunc
	cancelAttempt  context.CancelCauseFunc
	watchdog       *time.Timer
	err            error

	sinkMu sync.Mutex
}

func NewSession(opts Options) *Session {
	opts.setDefaults()
	return &Session{
		id:   uuid.NewString(),
		opts: opts,
		sink: opts.Sink,
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) IsConnected() bool {
	st := s.State()
	return st == StateConnected || st == StateRecording
}

func (s *Session) IsRecording() bool {
	return s.State() == StateRecording
}

// Err returns the error that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// SetToken stores the ephemeral credential used for the SDP exchange.
func (s *Session) SetToken(token string) error {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.token = token
	changed := s.setStateLocked(StateTokenAcquired)
	s.mu.Unlock()
	s.notify(changed, StateTokenAcquired)
	return nil
}

func (s *Session) setStateLocked(st State) bool {
	if !canTransition(s.state, st) {
		return false
	}
	s.state = st
	return true
}

func (s *Session) notify(changed bool, st State) {
	if !changed {
		return
	}
	log.Debug().Str("component", "rtc").Str("session_id", s.id).Str("state", st.String()).Msg("session state changed")
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(st)
	}
}

// ensurePeerConnectionLocked builds the peer connection and data channel on first use.
func (s *Session) ensurePeerConnectionLocked() error {
	if s.state == StateDisconnected {
		return ErrSessionClosed
	}
	if s.pc == nil {
		cfg := webrtc.Configuration{}
		if len(s.opts.ICEServers) > 0 {
			cfg.ICEServers = []webrtc.ICEServer{{URLs: s.opts.ICEServers}}
		}
		pc, err := webrtc.NewPeerConnection(cfg)
		if err != nil {
			return errors.Wrap(err, "create peer connection")
		}
		pc.OnTrack(s.handleRemoteTrack)
		pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
			log.Debug().Str("component", "rtc").Str("session_id", s.id).Str("pc_state", st.String()).Msg("peer connection state")
			if st == webrtc.PeerConnectionStateFailed {
				s.failAsync(errors.New("peer connection failed"))
			}
		})
		s.pc = pc
	}
	if s.dc == nil {
		dc, err := s.pc.CreateDataChannel(s.opts.DataChannelLabel, nil)
		if err != nil {
			return errors.Wrap(err, "create data channel")
		}
		opened := make(chan struct{})
		var once sync.Once
		dc.OnOpen(func() {
			once.Do(func() { close(opened) })
			s.mu.Lock()
			if s.watchdog != nil {
				s.watchdog.Stop()
			}
			s.mu.Unlock()
			log.Info().Str("component", "rtc").Str("session_id", s.id).Str("label", dc.Label()).Msg("data channel open")
		})
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			if s.opts.OnEvent != nil {
				s.opts.OnEvent(msg.Data)
			}
		})
		s.dc = dc
		s.dcOpen = opened
	}
	return nil
}

func (s *Session) handleRemoteTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	log.Info().Str("component", "rtc").Str("session_id", s.id).Str("codec", track.Codec().MimeType).Msg("remote track")
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		s.sinkMu.Lock()
		sink := s.sink
		if sink != nil {
			if err := sink.WriteRTP(pkt); err != nil {
				log.Debug().Err(err).Str("component", "rtc").Msg("audio sink write failed")
			}
		}
		s.sinkMu.Unlock()
	}
}

// StartMicrophone acquires the capture device and attaches it to the peer connection.
// The previous stream, if any, is released first.
func (s *Session) StartMicrophone(ctx context.Context) error {
	s.mu.Lock()
	if err := s.ensurePeerConnectionLocked(); err != nil {
		s.mu.Unlock()
		return s.fail(err)
	}
	if s.track == nil && s.state >= StateOffering {
		s.mu.Unlock()
		return errors.New("microphone must be started before connect")
	}
	prev := s.stream
	s.stream = nil
	if s.stopPump != nil {
		s.stopPump()
		s.stopPump = nil
	}
	s.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}

	stream, err := s.acquire(ctx, DefaultConstraints())
	if err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Str("component", "rtc").Str("session_id", s.id).Msg("microphone request failed, retrying with relaxed constraints")
		stream, err = s.acquire(ctx, RelaxedConstraints())
	}
	if err != nil {
		return s.fail(err)
	}

	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		stream.Stop()
		return ErrSessionClosed
	}
	if s.track == nil {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", "voxtalk")
		if err != nil {
			s.mu.Unlock()
			stream.Stop()
			return s.fail(errors.Wrap(err, "create local audio track"))
		}
		sender, err := s.pc.AddTrack(track)
		if err != nil {
			s.mu.Unlock()
			stream.Stop()
			return s.fail(errors.Wrap(err, "add local audio track"))
		}
		go drainRTCP(sender)
		s.track = track
	}
	pumpCtx, cancel := context.WithCancel(context.Background())
	s.stream = stream
	s.stopPump = cancel
	track := s.track
	changed := s.setStateLocked(StateMicReady)
	s.mu.Unlock()
	s.notify(changed, StateMicReady)

	go pumpSamples(pumpCtx, stream, track)
	return nil
}

type acquireResult struct {
	stream MediaStream
	err    error
}

// acquire races the device request against the microphone timeout. A stream that arrives
// after the race was lost is stopped immediately.
func (s *Session) acquire(ctx context.Context, c Constraints) (MediaStream, error) {
	if s.opts.Microphone == nil {
		return nil, ErrNoMicrophoneFound
	}
	ch := make(chan acquireResult, 1)
	go func() {
		st, err := s.opts.Microphone.Open(ctx, c)
		ch <- acquireResult{stream: st, err: err}
	}()

	timer := time.NewTimer(s.opts.MicrophoneTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if r.stream == nil {
			return nil, ErrNoMicrophoneFound
		}
		return r.stream, nil
	case <-timer.C:
		go discardLate(ch)
		return nil, ErrMicrophoneTimeout
	case <-ctx.Done():
		go discardLate(ch)
		return nil, ctx.Err()
	}
}

func discardLate(ch <-chan acquireResult) {
	if r := <-ch; r.stream != nil {
		r.stream.Stop()
	}
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func pumpSamples(ctx context.Context, stream MediaStream, track *webrtc.TrackLocalStaticSample) {
	for {
		sample, err := stream.ReadSample(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Warn().Err(err).Str("component", "rtc").Msg("microphone stream ended")
			}
			return
		}
		if err := track.WriteSample(sample); err != nil {
			return
		}
	}
}

// Connect performs the offer/answer exchange with the remote service. ICE gathering is
// awaited for at most ICEGatherTimeout; after that the offer is sent with the candidates
// gathered so far. The watchdog disconnects the session if the data channel has not
// opened within ConnectTimeout.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.token == "" {
		s.mu.Unlock()
		return ErrNoToken
	}
	if err := s.ensurePeerConnectionLocked(); err != nil {
		s.mu.Unlock()
		return s.fail(err)
	}
	pc := s.pc
	if s.track == nil {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			s.mu.Unlock()
			return s.fail(errors.Wrap(err, "add audio transceiver"))
		}
	}
	attemptCtx, cancel := context.WithCancelCause(ctx)
	s.cancelAttempt = cancel
	s.watchdog = time.AfterFunc(s.opts.ConnectTimeout, s.expire)
	token := s.token
	changed := s.setStateLocked(StateOffering)
	s.mu.Unlock()
	s.notify(changed, StateOffering)
	defer cancel(nil)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return s.fail(errors.Wrap(err, "create offer"))
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return s.fail(errors.Wrap(err, "set local description"))
	}

	timer := time.NewTimer(s.opts.ICEGatherTimeout)
	select {
	case <-gathered:
	case <-timer.C:
		log.Warn().Err(ErrIceGatheringTimeout).Str("component", "rtc").Str("session_id", s.id).
			Msg("proceeding with partial ice candidates")
	case <-attemptCtx.Done():
		timer.Stop()
		return s.fail(context.Cause(attemptCtx))
	}
	timer.Stop()

	local := pc.LocalDescription()
	if local == nil {
		return s.fail(errors.New("no local description"))
	}
	answer, err := s.exchangeSDP(attemptCtx, token, local.SDP)
	if err != nil {
		if cause := context.Cause(attemptCtx); cause != nil {
			err = cause
		}
		return s.fail(err)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return s.fail(errors.Wrap(err, "set remote description"))
	}

	s.mu.Lock()
	changed = s.setStateLocked(StateConnected)
	s.mu.Unlock()
	s.notify(changed, StateConnected)
	log.Info().Str("component", "rtc").Str("session_id", s.id).Str("model", s.opts.Model).Msg("sdp exchange complete")
	return nil
}

func (s *Session) exchangeSDP(ctx context.Context, token, offer string) (string, error) {
	u, err := url.Parse(s.opts.BaseURL)
	if err != nil {
		return "", errors.Wrapf(err, "invalid realtime base url %q", s.opts.BaseURL)
	}
	q := u.Query()
	q.Set("model", s.opts.Model)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(offer))
	if err != nil {
		return "", errors.Wrap(err, "build sdp request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "post sdp offer")
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAnswerBytes))
	if err != nil {
		return "", errors.Wrap(err, "read sdp answer")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &SDPExchangeError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return "", &SDPExchangeError{StatusCode: resp.StatusCode, Body: "empty answer"}
	}
	return string(body), nil
}

func (s *Session) expire() {
	s.mu.Lock()
	cancel := s.cancelAttempt
	s.mu.Unlock()
	if cancel != nil {
		cancel(ErrConnectionWatchdogExpired)
	}
	log.Warn().Str("component", "rtc").Str("session_id", s.id).Msg("connection watchdog expired")
	s.failAsync(ErrConnectionWatchdogExpired)
}

// failAsync is fail for errors that have no caller to return to.
func (s *Session) failAsync(err error) {
	if s.State() == StateDisconnected {
		return
	}
	_ = s.fail(err)
	if s.opts.OnFailure != nil {
		s.opts.OnFailure(err)
	}
}

// fail records the first fatal error, tears the session down and returns err.
func (s *Session) fail(err error) error {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.Disconnect()
	return err
}

// StartConversation configures transcription once per connection and asks the model to
// respond. It waits at most ChannelOpenTimeout for the data channel to open.
func (s *Session) StartConversation(ctx context.Context, instructions string) error {
	s.mu.Lock()
	dc, opened := s.dc, s.dcOpen
	s.mu.Unlock()
	if dc == nil {
		return ErrDataChannelNotOpen
	}
	if dc.ReadyState() != webrtc.DataChannelStateOpen {
		timer := time.NewTimer(s.opts.ChannelOpenTimeout)
		select {
		case <-opened:
			timer.Stop()
		case <-timer.C:
			return ErrDataChannelNotOpen
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	s.mu.Lock()
	if s.dc != dc {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if !s.sessionUpdated {
		update := protocol.NewSessionUpdate(s.opts.TranscriptionModel, s.opts.Language, s.opts.VADMode)
		if err := sendJSON(dc, update); err != nil {
			s.mu.Unlock()
			return err
		}
		s.sessionUpdated = true
		log.Info().Str("component", "rtc").Str("session_id", s.id).
			Str("transcription_model", s.opts.TranscriptionModel).Str("language", s.opts.Language).
			Msg("session configured")
	}
	s.mu.Unlock()

	if err := s.SendMessage(protocol.NewResponseCreate(instructions)); err != nil {
		return err
	}

	s.mu.Lock()
	next := StateConnected
	if s.stream != nil {
		next = StateRecording
	}
	changed := s.setStateLocked(next)
	s.mu.Unlock()
	s.notify(changed, next)
	return nil
}

// SendMessage sends an event over the data channel. Nothing is queued: sends before the
// channel is open fail with ErrDataChannelNotOpen.
func (s *Session) SendMessage(event any) error {
	s.mu.Lock()
	dc := s.dc
	s.mu.Unlock()
	if dc == nil {
		return ErrDataChannelNotOpen
	}
	return sendJSON(dc, event)
}

func sendJSON(dc *webrtc.DataChannel, event any) error {
	if dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrDataChannelNotOpen
	}
	var payload []byte
	switch v := event.(type) {
	case []byte:
		payload = v
	case string:
		payload = []byte(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return errors.Wrap(err, "encode event")
		}
		payload = b
	}
	if err := dc.SendText(string(payload)); err != nil {
		return errors.Wrap(err, "send event")
	}
	return nil
}

// Disconnect releases every resource the session holds. It is safe to call repeatedly and
// concurrently, from any state.
func (s *Session) Disconnect() {
	s.mu.Lock()
	stream, dc, pc, cancelAttempt, stopPump, watchdog := s.stream, s.dc, s.pc, s.cancelAttempt, s.stopPump, s.watchdog
	s.stream, s.dc, s.pc, s.track = nil, nil, nil, nil
	s.cancelAttempt, s.stopPump, s.watchdog = nil, nil, nil
	s.dcOpen = nil
	s.sessionUpdated = false
	changed := s.setStateLocked(StateDisconnected)
	s.mu.Unlock()

	if watchdog != nil {
		watchdog.Stop()
	}
	if cancelAttempt != nil {
		cancelAttempt(ErrSessionClosed)
	}
	if stopPump != nil {
		stopPump()
	}
	if stream != nil {
		stream.Stop()
	}
	if dc != nil {
		if err := dc.Close(); err != nil {
			log.Debug().Err(err).Str("component", "rtc").Msg("close data channel")
		}
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Debug().Err(err).Str("component", "rtc").Msg("close peer connection")
		}
	}

	s.sinkMu.Lock()
	sink := s.sink
	s.sink = nil
	s.sinkMu.Unlock()
	if sink != nil {
		if err := sink.Close(); err != nil {
			log.Debug().Err(err).Str("component", "rtc").Msg("close audio sink")
		}
	}

	if changed {
		log.Info().Str("component", "rtc").Str("session_id", s.id).Msg("session disconnected")
	}
	s.notify(changed, StateDisconnected)
}
