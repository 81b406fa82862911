package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alexjbarnes/toolkit-auth/internal/app"
	"github.com/alexjbarnes/toolkit-auth/internal/config"
	"github.com/alexjbarnes/toolkit-auth/internal/logging"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return newRootCommand(os.Stdout, app.Options{}).ExecuteContext(ctx)
}

// runtimeState carries what PersistentPreRunE loads to the subcommands.
type runtimeState struct {
	out    io.Writer
	cfg    *config.Config
	logger *slog.Logger
	opts   app.Options
}

// open wires the toolkit for commands that need connections or
// credentials. The caller must Close the result.
func (rt *runtimeState) open(ctx context.Context) (*app.App, error) {
	return app.New(ctx, rt.cfg, rt.logger, rt.opts)
}

// newRootCommand builds the CLI. opts is passed to every app.New call.
func newRootCommand(out io.Writer, opts app.Options) *cobra.Command {
	rt := &runtimeState{out: out, opts: opts}

	root := &cobra.Command{
		Use:           "toolkit-auth",
		Short:         "Sign in to AWS IAM Identity Center and manage toolkit connections",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			rt.cfg = cfg
			rt.logger = logging.NewLogger(cfg.Environment, cfg.LogLevel)

			return nil
		},
	}

	root.SetOut(out)

	root.AddCommand(
		newLoginCommand(rt),
		newLogoutCommand(rt),
		newStatusCommand(rt),
		newSwitchCommand(rt),
		newPinCommand(rt),
		newUnpinCommand(rt),
		newTokenCommand(rt),
		newCredentialsCommand(rt),
		newMCPCommand(rt),
		newEmulatorCommand(rt),
	)

	return root
}
