package cmds

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/voxtalk/pkg/backend"
	"github.com/go-go-golems/voxtalk/pkg/rtc"
	"github.com/go-go-golems/voxtalk/pkg/wsbridge"
)

func NewServeCommand(g *Globals) *cobra.Command {
	var (
		addr       string
		micFile    string
		recordPath string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the token backend, metrics and the websocket bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := g.Config
			if addr != "" {
				cfg.Server.Addr = addr
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			beOpts := cfg.BackendOptions()
			beOpts.Registerer = reg
			beOpts.Gatherer = reg
			be := backend.New(beOpts)
			if beOpts.APIKey == "" {
				log.Warn().Msg("no OpenAI API key configured, /api/realtime/token will answer 503 and clients fall back to mock tokens")
			}

			sessOpts := cfg.SessionOptions()
			sessOpts.Microphone = rtc.NewOggFileMicrophone(micFile)
			eng, err := newEngine(cfg, reg, sessOpts, audioSessions(recordPath))
			if err != nil {
				return err
			}
			defer eng.Close()

			bridge := wsbridge.New(eng.controller, wsbridge.Options{IdleTimeout: cfg.Server.IdleTimeout})
			defer bridge.Close()

			r := chi.NewRouter()
			r.Handle("/ws", bridge)
			be.Mount(r)

			srv := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           r,
				ReadHeaderTimeout: 5 * time.Second,
				IdleTimeout:       120 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eg, ctx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				<-ctx.Done()
				log.Info().Msg("shutting down")
				eng.controller.StopConversation()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			eg.Go(func() error {
				log.Info().Str("addr", cfg.Server.Addr).Str("session_key", eng.controller.SessionKey()).Msg("starting voxtalk server")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return errors.Wrap(err, "listen")
				}
				return nil
			})
			return eg.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&micFile, "mic-file", "", "ogg/opus file used as the microphone")
	cmd.Flags().StringVar(&recordPath, "record", "", "write the assistant audio to this ogg file")
	return cmd
}
