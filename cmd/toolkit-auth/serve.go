package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/toolkit-auth/internal/idp"
	"github.com/alexjbarnes/toolkit-auth/internal/mcpserver"
	"github.com/alexjbarnes/toolkit-auth/internal/server"
)

func newMCPCommand(rt *runtimeState) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the auth status tools over MCP on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := rt.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			srv := mcp.NewServer(&mcp.Implementation{Name: "toolkit-auth", Version: Version}, nil)
			mcpserver.RegisterTools(srv, a.Connections, a.Credentials)

			rt.logger.Info("serving MCP on stdio")

			if err := srv.Run(cmd.Context(), &mcp.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("mcp server: %w", err)
			}

			return nil
		},
	}
}

func newEmulatorCommand(rt *runtimeState) *cobra.Command {
	var (
		autoApprove bool
		addr        string
	)

	cmd := &cobra.Command{
		Use:   "emulator",
		Short: "Run a local SSO-OIDC identity provider for development",
		Long: `Serves client registration, device authorization, authorization code with
PKCE and token endpoints that the AWS SDK's ssooidc client understands.
Point OIDC_ENDPOINT at it to sign in without a real Identity Center.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = rt.cfg.EmulatorListenAddr
			}

			return serveEmulator(cmd.Context(), rt.logger, addr, idp.Options{AutoApprove: autoApprove})
		},
	}

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "approve every request without a consent page")
	cmd.Flags().StringVar(&addr, "listen", "", "listen address (default EMULATOR_LISTEN_ADDR)")

	return cmd
}

func serveEmulator(ctx context.Context, logger *slog.Logger, addr string, opts idp.Options) error {
	store := idp.NewStore(opts)
	defer store.Stop()

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.NewMux(server.MuxConfig{Store: store, Logger: logger}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting emulator",
			slog.String("listen", addr),
			slog.Bool("auto_approve", opts.AutoApprove),
		)

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
