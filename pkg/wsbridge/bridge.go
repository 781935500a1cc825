// Package wsbridge exposes a voice controller to browser UIs over a websocket. Every
// attached UI receives the controller snapshot after each change and may send
// conversation commands back.
package wsbridge

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/voxtalk/pkg/tokenbroker"
	"github.com/go-go-golems/voxtalk/pkg/voice"
)

// Controller is the part of voice.Controller the bridge drives.
type Controller interface {
	Initialize(ctx context.Context, p voice.Params) error
	StartConversation(ctx context.Context, history string) error
	StopConversation()
	ToggleConversation(ctx context.Context, instructions string) error
	AddCorrection(ctx context.Context, s string) error
	AddObjective(ctx context.Context, s string) error
	Snapshot() voice.Snapshot
	Subscribe(fn func(voice.Snapshot)) func()
}

// Command is a frame sent by the UI.
type Command struct {
	Type         string      `json:"type"`
	Instructions string      `json:"instructions,omitempty"`
	Text         string      `json:"text,omitempty"`
	Params       *InitParams `json:"params,omitempty"`
}

type InitParams struct {
	Language       string `json:"language"`
	Level          string `json:"level"`
	Topic          string `json:"topic,omitempty"`
	UserPrompt     string `json:"userPrompt,omitempty"`
	AssessmentData any    `json:"assessmentData,omitempty"`
	PlanID         string `json:"planId,omitempty"`
}

// Frame is sent to the UI.
type Frame struct {
	Type     string          `json:"type"`
	Snapshot *voice.Snapshot `json:"snapshot,omitempty"`
	Command  string          `json:"command,omitempty"`
	Error    string          `json:"error,omitempty"`
}

type Options struct {
	// IdleTimeout stops the conversation once no UI has been attached for this long.
	// Zero disables it.
	IdleTimeout    time.Duration
	CommandTimeout time.Duration
	Upgrader       *websocket.Upgrader
}

type Bridge struct {
	ctrl           Controller
	pool           *ConnectionPool
	upgrader       websocket.Upgrader
	commandTimeout time.Duration
	unsubscribe    func()

	// serializes commands across connections; stop does not take it
	cmdMu sync.Mutex
	// stops counts stop requests. A start queued before a stop is abandoned.
	stops atomic.Uint64
}

// commandQueue bounds the commands a UI may have pending behind a slow one.
const commandQueue = 16

type queuedCommand struct {
	cmd   Command
	stops uint64
}

func New(ctrl Controller, opts Options) *Bridge {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	if opts.Upgrader != nil {
		upgrader = *opts.Upgrader
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 45 * time.Second
	}
	b := &Bridge{ctrl: ctrl, upgrader: upgrader, commandTimeout: opts.CommandTimeout}
	b.pool = NewConnectionPool("voice", opts.IdleTimeout, func() {
		log.Info().Str("component", "wsbridge").Msg("no UI attached, stopping conversation")
		b.stop()
	})
	b.unsubscribe = ctrl.Subscribe(b.broadcast)
	return b
}

// Connections reports how many UIs are attached.
func (b *Bridge) Connections() int { return b.pool.Count() }

func (b *Bridge) Close() {
	if b.unsubscribe != nil {
		b.unsubscribe()
	}
	b.pool.CloseAll()
}

func (b *Bridge) broadcast(s voice.Snapshot) {
	data, err := json.Marshal(Frame{Type: "snapshot", Snapshot: &s})
	if err != nil {
		log.Error().Err(err).Str("component", "wsbridge").Msg("encode snapshot")
		return
	}
	b.pool.Broadcast(data)
}

func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Str("component", "wsbridge").Msg("websocket upgrade failed")
		return
	}
	log.Info().Str("component", "wsbridge").Str("remote", r.RemoteAddr).Msg("ui attached")

	b.pool.Add(conn)
	s := b.ctrl.Snapshot()
	if data, err := json.Marshal(Frame{Type: "snapshot", Snapshot: &s}); err == nil {
		b.pool.SendToOne(conn, data)
	}

	// Commands run on a worker so the read loop can still see a stop while a start connects.
	queue := make(chan queuedCommand, commandQueue)
	go b.work(r.Context(), conn, queue)
	defer func() {
		close(queue)
		b.pool.Remove(conn)
		log.Info().Str("component", "wsbridge").Str("remote", r.RemoteAddr).Msg("ui detached")
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			b.reply(conn, Frame{Type: "error", Error: "invalid command"})
			continue
		}
		if cmd.Type == "stop" {
			b.stop()
			b.reply(conn, Frame{Type: "ack", Command: cmd.Type})
			continue
		}
		select {
		case queue <- queuedCommand{cmd: cmd, stops: b.stops.Load()}:
		default:
			b.reply(conn, Frame{Type: "error", Command: cmd.Type, Error: "too many pending commands"})
		}
	}
}

func (b *Bridge) work(ctx context.Context, conn wsConn, queue <-chan queuedCommand) {
	for q := range queue {
		if err := b.run(ctx, q); err != nil {
			log.Warn().Err(err).Str("component", "wsbridge").Str("command", q.cmd.Type).Msg("command failed")
			b.reply(conn, Frame{Type: "error", Command: q.cmd.Type, Error: voice.UserMessage(err)})
			continue
		}
		b.reply(conn, Frame{Type: "ack", Command: q.cmd.Type})
	}
}

// stop cancels whatever start is in flight and marks queued starts stale.
func (b *Bridge) stop() {
	b.stops.Add(1)
	b.ctrl.StopConversation()
}

func (b *Bridge) run(ctx context.Context, q queuedCommand) error {
	b.cmdMu.Lock()
	defer b.cmdMu.Unlock()

	starts := q.cmd.Type == "start" || q.cmd.Type == "toggle"
	if starts && b.stops.Load() != q.stops {
		return voice.ErrConversationStopped
	}
	err := b.handle(ctx, q.cmd)
	if starts && err == nil && b.stops.Load() != q.stops {
		// a stop landed between the check and the controller recording the start
		b.ctrl.StopConversation()
		return voice.ErrConversationStopped
	}
	return err
}

func (b *Bridge) reply(conn wsConn, f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	b.pool.SendToOne(conn, data)
}

var errUnknownCommand = errors.New("unknown command")

func (b *Bridge) handle(parent context.Context, cmd Command) error {
	// Commands outlive the websocket request; a closing tab must not abort a connect mid-flight.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), b.commandTimeout)
	defer cancel()

	switch cmd.Type {
	case "initialize":
		if cmd.Params == nil {
			return errors.Wrap(tokenbroker.ErrMissingParameters, "initialize")
		}
		return b.ctrl.Initialize(ctx, voice.Params{
			Language:       cmd.Params.Language,
			Level:          cmd.Params.Level,
			Topic:          cmd.Params.Topic,
			UserPrompt:     cmd.Params.UserPrompt,
			AssessmentData: cmd.Params.AssessmentData,
			PlanID:         cmd.Params.PlanID,
		})
	case "start":
		return b.ctrl.StartConversation(ctx, cmd.Instructions)
	case "toggle":
		return b.ctrl.ToggleConversation(ctx, cmd.Instructions)
	case "correction":
		return b.ctrl.AddCorrection(ctx, cmd.Text)
	case "objective":
		return b.ctrl.AddObjective(ctx, cmd.Text)
	default:
		return errors.Wrap(errUnknownCommand, cmd.Type)
	}
}
