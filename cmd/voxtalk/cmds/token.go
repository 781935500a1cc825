package cmds

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/voxtalk/pkg/tokenbroker"
)

func NewTokenCommand(g *Globals) *cobra.Command {
	var req tokenbroker.Request
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Request an ephemeral realtime token from the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := g.Config.BrokerOptions()
			opts.OnFallback = func(err error) {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "primary token endpoint failed (%v), trying fallback\n", err)
			}
			b := tokenbroker.New(opts)
			if err := b.CheckHealth(cmd.Context()); err != nil {
				return err
			}
			token, err := b.GetToken(cmd.Context(), req)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Language, "language", "", "language to practice")
	cmd.Flags().StringVar(&req.Level, "level", "", "learner level")
	cmd.Flags().StringVar(&req.Topic, "topic", "", "conversation topic")
	cmd.Flags().StringVar(&req.UserPrompt, "prompt", "", "what the learner wants to practice")
	return cmd
}
