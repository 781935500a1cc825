// Package voice is the public surface of the conversation engine: it arms a realtime
// session, drives it through start/stop, reconciles the event stream into messages and
// keeps conversation memory up to date.
package voice

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"

	"github.com/go-go-golems/voxtalk/pkg/eventbus"
	"github.com/go-go-golems/voxtalk/pkg/memory"
	"github.com/go-go-golems/voxtalk/pkg/realtime/protocol"
	"github.com/go-go-golems/voxtalk/pkg/reconciler"
	"github.com/go-go-golems/voxtalk/pkg/rtc"
	"github.com/go-go-golems/voxtalk/pkg/tokenbroker"
)

const (
	DefaultMaxRetries   = 2
	DefaultRetryBackoff = time.Second
)

// TokenSource is satisfied by *tokenbroker.Broker.
type TokenSource interface {
	GetToken(ctx context.Context, req tokenbroker.Request) (string, error)
	CheckHealth(ctx context.Context) error
}

// Session is satisfied by *rtc.Session.
type Session interface {
	SetToken(token string) error
	StartMicrophone(ctx context.Context) error
	Connect(ctx context.Context) error
	StartConversation(ctx context.Context, instructions string) error
	Disconnect()
	State() rtc.State
}

type SessionFactory func(opts rtc.Options) Session

func NewRTCSession(opts rtc.Options) Session { return rtc.NewSession(opts) }

// Params are the conversation parameters chosen by the user.
type Params struct {
	Language       string
	Level          string
	Topic          string
	UserPrompt     string
	AssessmentData any
	PlanID         string
}

type Options struct {
	Tokens TokenSource
	// Session is the template for every connection attempt; the controller sets Language
	// and the event callbacks.
	Session    rtc.Options
	NewSession SessionFactory
	Bus        *eventbus.Bus
	Store      memory.Store
	// SessionKey scopes memory and the event topic. Reusing a key resumes its memory.
	SessionKey   string
	MemoryWindow int
	Metrics      *Metrics
	MaxRetries   uint64
	RetryBackoff time.Duration
}

// Snapshot is what listeners and the websocket bridge see after every change.
type Snapshot struct {
	Messages    []reconciler.Message `json:"messages"`
	Error       string               `json:"error,omitempty"`
	IsConnected bool                 `json:"isConnected"`
	IsRecording bool                 `json:"isRecording"`
	State       string               `json:"state"`
}

type Controller struct {
	tokens     TokenSource
	sessOpts   rtc.Options
	newSession SessionFactory
	bus        *eventbus.Bus
	ownsBus    bool
	topic      string
	rec        *reconciler.Reconciler
	mem        *memory.Manager
	metrics    *Metrics
	maxRetries uint64
	backoff    time.Duration

	mu          sync.Mutex
	params      *Params
	session     Session
	state       rtc.State
	errText     string
	recording   bool
	connectedAt time.Time
	// stopGen is bumped by every teardown; a start that observes a change gives up.
	stopGen     uint64
	cancelStart context.CancelFunc

	listenersMu sync.Mutex
	listeners   map[int]func(Snapshot)
	nextID      int

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a controller and starts its inbox goroutine. Close stops it.
func New(opts Options) (*Controller, error) {
	if opts.Tokens == nil {
		return nil, errors.New("voice: a token source is required")
	}
	if opts.NewSession == nil {
		opts.NewSession = NewRTCSession
	}
	if opts.SessionKey == "" {
		opts.SessionKey = uuid.NewString()
	}
	if opts.Store == nil {
		opts.Store = memory.NewInMemoryStore()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics("", nil)
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	ownsBus := false
	if opts.Bus == nil {
		bus, err := eventbus.Build(eventbus.DefaultSettings())
		if err != nil {
			return nil, err
		}
		opts.Bus = bus
		ownsBus = true
	}

	var memOpts []memory.Option
	if opts.MemoryWindow > 0 {
		memOpts = append(memOpts, memory.WithWindow(opts.MemoryWindow))
	}

	c := &Controller{
		tokens:     opts.Tokens,
		sessOpts:   opts.Session,
		newSession: opts.NewSession,
		bus:        opts.Bus,
		ownsBus:    ownsBus,
		topic:      eventbus.Topic(opts.SessionKey),
		rec:        reconciler.New(),
		mem:        memory.NewManager(opts.Store, opts.SessionKey, memOpts...),
		metrics:    opts.Metrics,
		maxRetries: opts.MaxRetries,
		backoff:    opts.RetryBackoff,
		state:      rtc.StateIdle,
		listeners:  map[int]func(Snapshot){},
		done:       make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := c.bus.EnsureGroupAtTail(ctx, c.topic); err != nil {
		log.Warn().Err(err).Str("component", "voice").Msg("could not create consumer group at tail")
	}
	msgs, err := c.bus.Subscriber.Subscribe(ctx, c.topic)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "subscribe to realtime events")
	}
	c.cancel = cancel
	go c.inbox(ctx, msgs)
	return c, nil
}

func (c *Controller) SessionKey() string { return c.mem.Key() }

// Close tears down the session and stops the inbox.
func (c *Controller) Close() error {
	c.StopConversation()
	c.cancel()
	<-c.done
	if c.ownsBus {
		return c.bus.Close()
	}
	return nil
}

// inbox is the single writer of the message list.
func (c *Controller) inbox(ctx context.Context, msgs <-chan *message.Message) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			c.handleFrame(ctx, msg.Payload)
			msg.Ack()
		}
	}
}

func (c *Controller) handleFrame(ctx context.Context, frame []byte) {
	ev, err := protocol.Decode(frame)
	if err != nil {
		log.Warn().Err(err).Str("component", "voice").Msg("dropping undecodable realtime frame")
		return
	}
	if ev.Type == protocol.TypeError {
		text := "The speech service reported an error."
		if ev.Error != nil && ev.Error.Message != "" {
			text = ev.Error.Message
		}
		log.Error().Str("component", "voice").Str("event_id", ev.EventID).Str("detail", text).Msg("realtime error event")
		c.metrics.RecordEvent(ev.Type, false)
		c.metrics.RecordError("remote")
		c.setError(text)
		return
	}

	changed := c.rec.Apply(ev)
	c.metrics.RecordEvent(ev.Type, changed)
	if !changed {
		return
	}
	if _, err := c.mem.Update(ctx, c.rec.Messages()); err != nil {
		log.Warn().Err(err).Str("component", "voice").Msg("conversation memory not persisted")
	}
	c.publish()
}

// Initialize tears down any previous session, probes the backend, restores memory and
// arms a new session with a fresh token.
func (c *Controller) Initialize(ctx context.Context, p Params) error {
	c.teardown()
	c.mu.Lock()
	c.params = nil
	c.errText = ""
	c.mu.Unlock()

	if strings.TrimSpace(p.Language) == "" || strings.TrimSpace(p.Level) == "" {
		return c.failInit(errors.Wrap(tokenbroker.ErrMissingParameters, "initialize"))
	}
	if err := c.tokens.CheckHealth(ctx); err != nil {
		return c.failInit(errors.Wrap(ErrBackendUnavailable, err.Error()))
	}

	if _, err := c.mem.Load(ctx); err != nil {
		log.Warn().Err(err).Str("component", "voice").Msg("could not load conversation memory")
	}
	c.mem.Begin(memory.SessionMetadata{
		Language: p.Language,
		Level:    p.Level,
		Topic:    p.Topic,
		PlanID:   p.PlanID,
	})
	switch prev := c.mem.Snapshot(); {
	case prev.TotalMessages == 0:
		c.rec.Reset()
	case c.rec.Len() == 0:
		c.rec.Restore(prev.RecentMessages)
	}

	sess, err := c.arm(ctx, p, "")
	if err != nil {
		return c.failInit(err)
	}

	c.mu.Lock()
	c.params = &p
	c.session = sess
	c.state = sess.State()
	c.mu.Unlock()
	log.Info().Str("component", "voice").Str("session_key", c.mem.Key()).
		Str("language", p.Language).Str("level", p.Level).Str("topic", p.Topic).Msg("conversation initialized")
	c.publish()
	return nil
}

func (c *Controller) failInit(err error) error {
	log.Error().Err(err).Str("component", "voice").Msg("initialize failed")
	c.metrics.RecordError(ErrorKind(err))
	c.setError(UserMessage(err))
	return err
}

// arm requests a fresh token and builds an unconnected session around it.
func (c *Controller) arm(ctx context.Context, p Params, history string) (Session, error) {
	token, err := c.tokens.GetToken(ctx, tokenbroker.Request{
		Language:            p.Language,
		Level:               p.Level,
		Topic:               p.Topic,
		UserPrompt:          p.UserPrompt,
		AssessmentData:      p.AssessmentData,
		ConversationHistory: history,
	})
	if err != nil {
		return nil, err
	}

	opts := c.sessOpts
	opts.Language = p.Language
	opts.OnEvent = func(frame []byte) {
		if err := c.bus.Publish(c.topic, frame); err != nil {
			log.Warn().Err(err).Str("component", "voice").Msg("could not publish realtime frame")
		}
	}
	var sess Session
	opts.OnStateChange = func(st rtc.State) { c.onSessionState(sess, st) }
	opts.OnFailure = func(err error) { c.onSessionFailure(sess, err) }
	sess = c.newSession(opts)
	if err := sess.SetToken(token); err != nil {
		sess.Disconnect()
		return nil, err
	}
	return sess, nil
}

func (c *Controller) onSessionState(sess Session, st rtc.State) {
	c.mu.Lock()
	if sess == nil || c.session != sess {
		c.mu.Unlock()
		return
	}
	c.state = st
	if st == rtc.StateDisconnected && c.recording {
		c.recording = false
		c.metrics.RecordDisconnected()
	}
	c.mu.Unlock()
	c.publish()
}

func (c *Controller) onSessionFailure(sess Session, err error) {
	c.mu.Lock()
	current := sess != nil && c.session == sess
	c.mu.Unlock()
	if !current {
		return
	}
	log.Error().Err(err).Str("component", "voice").Msg("session failed")
	c.metrics.RecordError(ErrorKind(err))
	c.setError(UserMessage(err))
}

// StartConversation connects and starts talking. history, when empty, is replaced by the
// resumption context built from memory. Failures are retried with a constant backoff; each
// retry uses a new session and a new token.
func (c *Controller) StartConversation(ctx context.Context, history string) error {
	c.mu.Lock()
	if c.params == nil {
		c.mu.Unlock()
		err := ErrNotInitialized
		c.setError(UserMessage(err))
		return err
	}
	if c.recording {
		c.mu.Unlock()
		return nil
	}
	p := *c.params
	c.errText = ""
	gen := c.stopGen
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.cancelStart = cancel
	c.mu.Unlock()

	instructions := strings.TrimSpace(history)
	if instructions == "" {
		if mem := c.mem.Snapshot(); !mem.Empty() {
			instructions = memory.BuildResumptionContext(mem)
		}
	}

	started := time.Now()
	attempt := 0
	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewConstant(c.backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if c.stoppedSince(gen) {
			return ErrConversationStopped
		}
		attempt++
		err := c.attempt(ctx, gen, p, instructions)
		if err == nil {
			c.metrics.RecordAttempt("success")
			return nil
		}
		if c.stoppedSince(gen) {
			return ErrConversationStopped
		}
		c.metrics.RecordAttempt(ErrorKind(err))
		log.Warn().Err(err).Str("component", "voice").Int("attempt", attempt).Msg("connection attempt failed")
		if !retryable(err) {
			return err
		}
		return retry.RetryableError(err)
	})
	if err != nil && c.stoppedSince(gen) {
		err = ErrConversationStopped
	}
	if errors.Is(err, ErrConversationStopped) {
		log.Info().Str("component", "voice").Int("attempts", attempt).Msg("start abandoned after stop")
		return err
	}
	if err != nil {
		c.metrics.RecordError(ErrorKind(err))
		c.setError(UserMessage(err))
		return err
	}

	c.mu.Lock()
	if c.stopGen != gen {
		c.mu.Unlock()
		return ErrConversationStopped
	}
	c.recording = true
	c.connectedAt = time.Now()
	c.mu.Unlock()
	c.metrics.RecordConnected(time.Since(started))
	log.Info().Str("component", "voice").Int("attempts", attempt).Dur("elapsed", time.Since(started)).Msg("conversation started")
	c.publish()
	return nil
}

func (c *Controller) stoppedSince(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopGen != gen
}

func (c *Controller) attempt(ctx context.Context, gen uint64, p Params, instructions string) error {
	c.mu.Lock()
	sess := c.session
	if sess != nil && sess.State() == rtc.StateDisconnected {
		sess = nil
	}
	c.mu.Unlock()

	if sess == nil {
		var err error
		sess, err = c.arm(ctx, p, instructions)
		if err != nil {
			return err
		}
		c.mu.Lock()
		if c.stopGen != gen {
			c.mu.Unlock()
			sess.Disconnect()
			return ErrConversationStopped
		}
		c.session = sess
		c.state = sess.State()
		c.mu.Unlock()
	}

	if err := sess.StartMicrophone(ctx); err != nil {
		sess.Disconnect()
		return err
	}
	if err := sess.Connect(ctx); err != nil {
		sess.Disconnect()
		return err
	}
	if err := sess.StartConversation(ctx, instructions); err != nil {
		sess.Disconnect()
		return err
	}
	return nil
}

// StopConversation disconnects the current session and abandons a start in progress. The
// next start arms a new one.
func (c *Controller) StopConversation() {
	c.teardown()
	c.publish()
}

func (c *Controller) teardown() {
	c.mu.Lock()
	sess := c.session
	c.session = nil
	wasRecording := c.recording
	c.recording = false
	c.state = rtc.StateDisconnected
	c.stopGen++
	cancelStart := c.cancelStart
	c.cancelStart = nil
	c.mu.Unlock()
	if cancelStart != nil {
		cancelStart()
	}
	if sess != nil {
		sess.Disconnect()
	}
	if wasRecording {
		c.metrics.RecordDisconnected()
		log.Info().Str("component", "voice").Msg("conversation stopped")
	}
}

// ToggleConversation stops a running conversation or starts one.
func (c *Controller) ToggleConversation(ctx context.Context, instructions string) error {
	if c.IsRecording() {
		c.StopConversation()
		return nil
	}
	return c.StartConversation(ctx, instructions)
}

func (c *Controller) Messages() []reconciler.Message { return c.rec.Messages() }

func (c *Controller) Memory() memory.Memory { return c.mem.Snapshot() }

// AddCorrection records a correction in the learning context.
func (c *Controller) AddCorrection(ctx context.Context, s string) error {
	return c.mem.AddCorrection(ctx, s)
}

func (c *Controller) AddObjective(ctx context.Context, s string) error {
	return c.mem.AddObjective(ctx, s)
}

func (c *Controller) Error() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errText
}

func (c *Controller) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil && (c.state == rtc.StateConnected || c.state == rtc.StateRecording)
}

func (c *Controller) IsRecording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

func (c *Controller) setError(text string) {
	c.mu.Lock()
	c.errText = text
	c.mu.Unlock()
	c.publish()
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	snap := Snapshot{
		Error:       c.errText,
		IsConnected: c.session != nil && (c.state == rtc.StateConnected || c.state == rtc.StateRecording),
		IsRecording: c.recording,
		State:       c.state.String(),
	}
	c.mu.Unlock()
	snap.Messages = c.rec.Messages()
	return snap
}

// Subscribe registers fn for every change. The returned func unregisters it.
func (c *Controller) Subscribe(fn func(Snapshot)) func() {
	c.listenersMu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.listenersMu.Unlock()
	return func() {
		c.listenersMu.Lock()
		delete(c.listeners, id)
		c.listenersMu.Unlock()
	}
}

func (c *Controller) publish() {
	snap := c.Snapshot()
	c.listenersMu.Lock()
	fns := make([]func(Snapshot), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listenersMu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}
