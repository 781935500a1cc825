package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/voxtalk/cmd/voxtalk/cmds"
)

var globals = &cmds.Globals{}

var rootCmd = &cobra.Command{
	Use:           "voxtalk",
	Short:         "voxtalk runs realtime voice conversations for language practice",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// reinitialize the logger now that --log-level and the config file are parsed
		return globals.Init()
	},
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = zerolog.New(zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) { w.Out = os.Stderr })).With().Timestamp().Caller().Logger()

	rootCmd.PersistentFlags().StringVar(&globals.ConfigPath, "config", "", "config file (default ./voxtalk.yaml or $HOME/.voxtalk/voxtalk.yaml)")
	rootCmd.PersistentFlags().StringVar(&globals.LogLevel, "log-level", "", "log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(
		cmds.NewServeCommand(globals),
		cmds.NewTalkCommand(globals),
		cmds.NewTokenCommand(globals),
		cmds.NewConfigCommand(globals),
	)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("voxtalk failed")
		os.Exit(1)
	}
}
