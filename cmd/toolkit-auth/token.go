package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/alexjbarnes/toolkit-auth/internal/app"
	"github.com/alexjbarnes/toolkit-auth/internal/connection"
)

func newTokenCommand(rt *runtimeState) *cobra.Command {
	var (
		feature string
		connID  string
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a valid bearer token, refreshing it if needed",
		Long: `Prints the access token of the connection a feature resolves to, of a
named connection, or of the active connection. Signs in interactively when
the connection has no usable token.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if feature != "" && connID != "" {
				return fmt.Errorf("--feature and --connection are mutually exclusive")
			}

			a, err := rt.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			conn, err := bearerFor(a, feature, connID)
			if err != nil {
				return err
			}

			if err := a.Connections.ReauthIfNeeded(cmd.Context(), conn.ID()); err != nil {
				return err
			}

			tok, err := conn.Provider.ResolveToken(cmd.Context())
			if err != nil {
				return err
			}

			if !asJSON {
				fmt.Fprintln(rt.out, tok.AccessToken)
				return nil
			}

			enc := json.NewEncoder(rt.out)
			enc.SetIndent("", "  ")

			return enc.Encode(struct {
				Connection  string    `json:"connection"`
				AccessToken string    `json:"accessToken"`
				ExpiresAt   time.Time `json:"expiresAt"`
			}{conn.ID(), tok.AccessToken, tok.ExpiresAt})
		},
	}

	cmd.Flags().StringVar(&feature, "feature", "", "resolve the connection for this feature")
	cmd.Flags().StringVar(&connID, "connection", "", "use this connection id")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the token with its expiry as JSON")

	return cmd
}

func bearerFor(a *app.App, feature, connID string) (*connection.BearerConnection, error) {
	var (
		conn connection.Connection
		err  error
	)

	switch {
	case feature != "":
		conn, err = a.Connections.ActiveConnectionForFeature(feature)
	case connID != "":
		b, ok := a.Connections.Bearer(connID)
		if !ok {
			return nil, fmt.Errorf("no bearer connection %s", connID)
		}
		conn = b
	default:
		var ok bool
		if conn, ok = a.Connections.Active(); !ok {
			return nil, fmt.Errorf("no active connection, run login first")
		}
	}

	if err != nil {
		return nil, err
	}

	b, ok := conn.(*connection.BearerConnection)
	if !ok {
		return nil, fmt.Errorf("%s uses classic credentials and has no bearer token", conn.ID())
	}

	return b, nil
}

func newCredentialsCommand(rt *runtimeState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "List discovered classic AWS credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := rt.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			tw := tabwriter.NewWriter(rt.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tSOURCE\tREGION")

			for _, id := range a.Credentials.Identifiers() {
				region := id.DefaultRegion
				if region == "" {
					region = "-"
				}

				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", id.ID, id.Type, id.FactoryID, region)
			}

			return tw.Flush()
		},
	}

	cmd.AddCommand(newValidateCommand(rt))

	return cmd
}

func newValidateCommand(rt *runtimeState) *cobra.Command {
	var region string

	cmd := &cobra.Command{
		Use:   "validate <credential-id>",
		Short: "Check a credential with sts:GetCallerIdentity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rt.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			who, err := a.Credentials.Validate(cmd.Context(), args[0], region)
			if err != nil {
				return err
			}

			fmt.Fprintf(rt.out, "Account: %s\nARN:     %s\nUserID:  %s\n", who.Account, who.ARN, who.UserID)

			return nil
		},
	}

	cmd.Flags().StringVar(&region, "region", "", "STS region (default: the credential's region, else us-east-1)")

	return cmd
}
