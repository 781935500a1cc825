package cmds

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/voxtalk/pkg/reconciler"
	"github.com/go-go-golems/voxtalk/pkg/rtc"
	"github.com/go-go-golems/voxtalk/pkg/voice"
)

func NewTalkCommand(g *Globals) *cobra.Command {
	var (
		params       voice.Params
		micFile      string
		recordPath   string
		duration     time.Duration
		instructions string
	)
	cmd := &cobra.Command{
		Use:   "talk",
		Short: "Hold a conversation using an ogg/opus file as the microphone",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessOpts := g.Config.SessionOptions()
			sessOpts.Microphone = rtc.NewOggFileMicrophone(micFile)
			eng, err := newEngine(g.Config, nil, sessOpts, audioSessions(recordPath))
			if err != nil {
				return err
			}
			defer eng.Close()

			printer := newTranscriptPrinter(cmd.OutOrStdout())
			unsubscribe := eng.controller.Subscribe(printer.Print)
			defer unsubscribe()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := eng.controller.Initialize(ctx, params); err != nil {
				return errors.Wrap(err, voice.UserMessage(err))
			}
			if err := eng.controller.StartConversation(ctx, instructions); err != nil {
				return errors.Wrap(err, voice.UserMessage(err))
			}
			log.Info().Str("session_key", eng.controller.SessionKey()).Msg("conversation started, press ctrl-c to stop")

			var timeout <-chan time.Time
			if duration > 0 {
				timer := time.NewTimer(duration)
				defer timer.Stop()
				timeout = timer.C
			}
			select {
			case <-ctx.Done():
			case <-timeout:
			}
			eng.controller.StopConversation()

			mem := eng.controller.Memory()
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "\n%d messages exchanged, %d kept for resumption (session key %s)\n",
				mem.TotalMessages, len(mem.RecentMessages), eng.controller.SessionKey())
			return nil
		},
	}
	cmd.Flags().StringVar(&params.Language, "language", "", "language to practice")
	cmd.Flags().StringVar(&params.Level, "level", "", "learner level, e.g. A2")
	cmd.Flags().StringVar(&params.Topic, "topic", "", "conversation topic")
	cmd.Flags().StringVar(&params.UserPrompt, "prompt", "", "what the learner wants to practice")
	cmd.Flags().StringVar(&params.PlanID, "plan", "", "lesson plan id")
	cmd.Flags().StringVar(&micFile, "mic-file", "", "ogg/opus file used as the microphone")
	cmd.Flags().StringVar(&recordPath, "record", "", "write the assistant audio to this ogg file")
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (0 waits for ctrl-c)")
	cmd.Flags().StringVar(&instructions, "instructions", "", "instructions for the first response")
	_ = cmd.MarkFlagRequired("language")
	_ = cmd.MarkFlagRequired("level")
	return cmd
}

// transcriptPrinter writes each message once it is complete.
type transcriptPrinter struct {
	mu      sync.Mutex
	out     io.Writer
	printed map[string]bool
	lastErr string
}

func newTranscriptPrinter(out io.Writer) *transcriptPrinter {
	return &transcriptPrinter{out: out, printed: map[string]bool{}}
}

func (p *transcriptPrinter) Print(s voice.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, m := range s.Messages {
		if !m.IsComplete {
			continue
		}
		key := m.ItemID
		if key == "" {
			key = "#" + strconv.Itoa(i)
		}
		if p.printed[key] {
			continue
		}
		p.printed[key] = true
		speaker := "tutor"
		if m.Role == reconciler.RoleUser {
			speaker = "you"
		}
		_, _ = fmt.Fprintf(p.out, "[%s] %s: %s\n", m.Timestamp.Format("15:04:05"), speaker, m.Content)
	}
	if s.Error != "" && s.Error != p.lastErr {
		_, _ = fmt.Fprintf(p.out, "! %s\n", s.Error)
	}
	p.lastErr = s.Error
}
