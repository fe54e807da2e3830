// Package cli implements meetctl, a headless meeting participant and
// operator tool.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"meetrelay/pkg/config"
	"meetrelay/pkg/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var defaultConfigPaths = []string{"configs/meetctl.yaml", "configs/config.yaml"}

type rootOptions struct {
	configPath string
	logLevel   string
}

// NewRootCommand assembles meetctl and its subcommands.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "meetctl",
		Short:         "Join meetrelay rooms from the terminal and watch room activity",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (defaults to configs/meetctl.yaml or configs/config.yaml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		newJoinCommand(opts),
		newEventsCommand(opts),
		newRoomsCommand(opts),
	)
	return root
}

// Execute runs meetctl until it finishes or is interrupted.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

func (o *rootOptions) load() (*config.Config, *zap.SugaredLogger, error) {
	var (
		cfg *config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = config.Load(o.configPath)
	} else {
		cfg, _, err = config.LoadFirst(defaultConfigPaths...)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	level := cfg.Logging.Level
	if o.logLevel != "" {
		level = o.logLevel
	}
	// zap writes to stderr, leaving stdout to the room transcript.
	return cfg, logger.New(level, "console").Sugar(), nil
}
