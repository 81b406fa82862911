package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/alexjbarnes/toolkit-auth/internal/connection"
	autherrors "github.com/alexjbarnes/toolkit-auth/internal/errors"
	"github.com/alexjbarnes/toolkit-auth/internal/mcpserver"
)

func newLoginCommand(rt *runtimeState) *cobra.Command {
	var (
		startURL string
		region   string
		scopes   []string
		label    string
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in to an IAM Identity Center start URL and make it the active connection",
		Long: `Signs in with the device or PKCE flow (SSO_FLOW) and makes the connection
active. Signing in again with scopes the connection lacks widens it; the
previous connection stays in place until the new sign-in succeeds.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if startURL == "" {
				startURL = rt.cfg.StartURL
			}

			if region == "" {
				region = rt.cfg.Region
			}

			if len(scopes) == 0 {
				scopes = rt.cfg.Scopes
			}

			if startURL == "" {
				return fmt.Errorf("--start-url or SSO_START_URL is required")
			}

			a, err := rt.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			conn, err := a.Login(cmd.Context(), connection.LoginRequest{
				StartURL: startURL,
				Region:   region,
				Scopes:   scopes,
				Label:    label,
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(rt.out, "Signed in. Active connection: %s\n", conn.ID())

			return nil
		},
	}

	cmd.Flags().StringVar(&startURL, "start-url", "", "IAM Identity Center start URL (default SSO_START_URL)")
	cmd.Flags().StringVar(&region, "region", "", "identity center region (default SSO_REGION)")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "scope to request, repeatable (default SSO_SCOPES)")
	cmd.Flags().StringVar(&label, "label", "", "display name for the connection")

	return cmd
}

func newLogoutCommand(rt *runtimeState) *cobra.Command {
	return &cobra.Command{
		Use:   "logout [connection-id]",
		Short: "Forget a connection and delete its cached token",
		Long:  "Without an argument the active connection is signed out.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rt.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			var id string

			if len(args) == 1 {
				id = args[0]
			} else if active, ok := a.Connections.Active(); ok {
				id = active.ID()
			} else {
				return fmt.Errorf("no active connection")
			}

			if err := a.Connections.Logout(cmd.Context(), id); err != nil {
				return err
			}

			fmt.Fprintf(rt.out, "Signed out of %s\n", id)

			return nil
		},
	}
}

func newStatusCommand(rt *runtimeState) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connections, their sign-in state and what each feature uses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := rt.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			status, err := mcpserver.Status(a.Connections)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(rt.out)
				enc.SetIndent("", "  ")

				return enc.Encode(status)
			}

			tw := tabwriter.NewWriter(rt.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CONNECTION\tTYPE\tSTATE\tACTIVE")

			for _, c := range status.Connections {
				active := ""
				if c.ID == status.Active {
					active = "*"
				}

				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.ID, c.Type, c.State, active)
			}

			fmt.Fprintln(tw)
			fmt.Fprintln(tw, "FEATURE\tCONNECTION\tSTATE")

			for _, f := range status.Features {
				conn := f.ConnectionID
				if conn == "" {
					conn = "-"
				}

				fmt.Fprintf(tw, "%s\t%s\t%s\n", f.Feature, conn, f.State)
			}

			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")

	return cmd
}

func newSwitchCommand(rt *runtimeState) *cobra.Command {
	return &cobra.Command{
		Use:   "switch <connection-id>",
		Short: "Make a known connection active",
		Long: `Features that only the previous connection could serve stay pinned to it;
features that only the new connection can serve are pinned to it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rt.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Connections.SwitchConnection(args[0]); err != nil {
				return err
			}

			fmt.Fprintf(rt.out, "Active connection: %s\n", args[0])

			return nil
		},
	}
}

func newPinCommand(rt *runtimeState) *cobra.Command {
	return &cobra.Command{
		Use:   "pin <feature> <connection-id>",
		Short: "Pin a feature to a connection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rt.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			err = a.Connections.PinFeature(args[0], args[1])
			if errors.Is(err, autherrors.ErrScopeMismatch) {
				return fmt.Errorf("%w; sign in with the feature's scopes first", err)
			}

			if err != nil {
				return err
			}

			fmt.Fprintf(rt.out, "%s now uses %s\n", args[0], args[1])

			return nil
		},
	}
}

func newUnpinCommand(rt *runtimeState) *cobra.Command {
	return &cobra.Command{
		Use:   "unpin <feature>",
		Short: "Let a feature follow the active connection again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rt.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			return a.Connections.UnpinFeature(args[0])
		},
	}
}
