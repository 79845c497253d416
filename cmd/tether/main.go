package main

import (
	"context"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/psi"
	"pkt.systems/pslog"

	"pkt.systems/tether/internal/appconfig"
)

func main() {
	psi.Run(submain)
}

func submain(ctx context.Context) int {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvWriter(os.Stderr),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole}),
	)
	ctx = pslog.ContextWithLogger(ctx, logger)
	log.SetOutput(pslog.LogLogger(logger).Writer())
	log.SetFlags(0)

	root := newRootCmd()
	root.SetArgs(os.Args[1:])

	if err := root.ExecuteContext(ctx); err != nil {
		pslog.Ctx(ctx).With("err", err).Error("tether command failed")
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tether",
		Short:         "Resilient stream client for agent chat backends",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(newWatchCmd())
	root.AddCommand(newSendCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newVersionCmd())

	return root
}

// loggerFromConfig rebuilds the logger when the config asks for a level or
// format the environment default does not carry.
func loggerFromConfig(cfg appconfig.Config) pslog.Logger {
	mode := pslog.ModeConsole
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "json", "structured":
		mode = pslog.ModeStructured
	}
	level := pslog.InfoLevel
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "trace":
		level = pslog.TraceLevel
	case "debug":
		level = pslog.DebugLevel
	case "warn", "warning":
		level = pslog.WarnLevel
	case "error":
		level = pslog.ErrorLevel
	}
	return pslog.NewWithOptions(os.Stderr, pslog.Options{
		Mode:     mode,
		MinLevel: level,
	})
}
