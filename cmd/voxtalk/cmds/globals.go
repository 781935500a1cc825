package cmds

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/voxtalk/pkg/config"
	"github.com/go-go-golems/voxtalk/pkg/eventbus"
	"github.com/go-go-golems/voxtalk/pkg/memory"
	"github.com/go-go-golems/voxtalk/pkg/rtc"
	"github.com/go-go-golems/voxtalk/pkg/tokenbroker"
	"github.com/go-go-golems/voxtalk/pkg/voice"
)

// Globals holds the persistent flags and the loaded configuration.
type Globals struct {
	ConfigPath string
	LogLevel   string

	Config *config.Config
}

func (g *Globals) Init() error {
	cfg, err := config.Load(g.ConfigPath)
	if err != nil {
		return err
	}
	g.Config = cfg

	levelName := cfg.LogLevel
	if g.LogLevel != "" {
		levelName = g.LogLevel
	}
	level, err := zerolog.ParseLevel(strings.ToLower(levelName))
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", levelName)
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) { w.Out = os.Stderr })).
		With().Timestamp().Caller().Logger()
	return nil
}

// engine is everything a command needs to run conversations.
type engine struct {
	controller *voice.Controller
	broker     *tokenbroker.Broker
	bus        *eventbus.Bus
	store      memory.Store
}

func (e *engine) Close() {
	if e.controller != nil {
		if err := e.controller.Close(); err != nil {
			log.Warn().Err(err).Msg("close controller")
		}
	}
	if e.bus != nil {
		if err := e.bus.Close(); err != nil {
			log.Warn().Err(err).Msg("close event bus")
		}
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			log.Warn().Err(err).Msg("close memory store")
		}
	}
}

// newEngine wires broker, bus, store and controller from the configuration. reg may be nil.
func newEngine(cfg *config.Config, reg prometheus.Registerer, sessOpts rtc.Options, factory voice.SessionFactory) (*engine, error) {
	metrics := voice.NewMetrics("voxtalk", reg)

	brokerOpts := cfg.BrokerOptions()
	brokerOpts.OnFallback = func(err error) {
		metrics.TokenFallbacks.Inc()
		log.Warn().Err(err).Msg("primary token endpoint failed, using fallback")
	}
	e := &engine{broker: tokenbroker.New(brokerOpts)}

	bus, err := eventbus.Build(cfg.EventBus)
	if err != nil {
		return nil, err
	}
	e.bus = bus

	store, err := memory.OpenStore(cfg.StoreSettings())
	if err != nil {
		e.Close()
		return nil, err
	}
	e.store = store

	ctrl, err := voice.New(voice.Options{
		Tokens:       e.broker,
		Session:      sessOpts,
		NewSession:   factory,
		Bus:          bus,
		Store:        store,
		SessionKey:   cfg.Memory.SessionKey,
		MemoryWindow: cfg.Memory.Window,
		Metrics:      metrics,
		MaxRetries:   cfg.Realtime.MaxRetries,
		RetryBackoff: cfg.Realtime.RetryBackoff,
	})
	if err != nil {
		e.Close()
		return nil, err
	}
	e.controller = ctrl
	return e, nil
}

// audioSessions opens a fresh recording for every session the controller builds.
func audioSessions(recordPath string) voice.SessionFactory {
	return func(o rtc.Options) voice.Session {
		if recordPath != "" {
			sink, err := rtc.NewOggFileSink(recordPath)
			if err != nil {
				log.Warn().Err(err).Str("path", recordPath).Msg("recording disabled")
			} else {
				o.Sink = sink
			}
		}
		return rtc.NewSession(o)
	}
}
