// Gray Voice Gateway bridges small voice devices into real-time media rooms.
//
// Devices speak a JSON control protocol over MQTT, either to the embedded
// listener or through an external broker relay, and stream encrypted Opus
// audio over UDP. The gateway joins each call to a LiveKit room and moves
// audio in both directions.
//
// Usage:
//
//	voicegw [serve]                     run the gateway
//	voicegw check-config                load and validate the configuration
//	voicegw credentials --client-id ... print the password for a device
//	voicegw token --subject ...         mint an operator API token
//	voicegw version                     print build information
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-voice-gateway/internal/auth"
	"github.com/nerrad567/gray-voice-gateway/internal/infrastructure/config"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Running the root without a
// subcommand serves the gateway.
func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "voicegw",
		Short:         "MQTT and UDP voice gateway for LiveKit rooms",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", getConfigPath(),
		"configuration file (env VOICEGW_CONFIG)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the gateway until interrupted",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context(), configPath)
			},
		},
		&cobra.Command{
			Use:   "check-config",
			Short: "Load and validate the configuration file",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: gateway %s, udp %s\n",
					cfg.Gateway.ID, cfg.Gateway.UDPAddress())
				return nil
			},
		},
		newCredentialsCmd(&configPath),
		newTokenCmd(&configPath),
		&cobra.Command{
			Use:   "version",
			Short: "Print build information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "voicegw %s (commit %s, built %s)\n", version, commit, date)
			},
		},
	)
	return root
}

// newCredentialsCmd prints the MQTT password a device must present for a
// signed three-part client id.
func newCredentialsCmd(configPath *string) *cobra.Command {
	var clientID, username string
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Print the MQTT password for a device client id",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Security.SignatureKey == "" {
				return auth.ErrMissingSignature
			}
			id, err := auth.ParseClientID(clientID)
			if err != nil {
				return err
			}
			if !id.Signed() {
				return fmt.Errorf("%s has no instance id and needs no password", clientID)
			}
			fmt.Fprintln(cmd.OutOrStdout(), auth.Sign(cfg.Security.SignatureKey, clientID, username))
			return nil
		},
	}
	cmd.Flags().StringVar(&clientID, "client-id", "", "device client id (GID@@@mac@@@uuid)")
	cmd.Flags().StringVar(&username, "username", "", "MQTT username the device will present")
	_ = cmd.MarkFlagRequired("client-id")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

// newTokenCmd mints an operator token for the admin API.
func newTokenCmd(configPath *string) *cobra.Command {
	var subject, role string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator API token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Security.JWT.Secret == "" {
				return fmt.Errorf("security.jwt.secret is not set")
			}
			r := auth.Role(role)
			if !auth.IsValidRole(r) {
				return fmt.Errorf("unknown role %q (want viewer or operator)", role)
			}
			token, err := auth.GenerateAccessToken(subject, r, cfg.Security.JWT.Secret, cfg.Security.JWT.AccessTokenTTL)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "operator name recorded in the token")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleViewer), "viewer or operator")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

// getConfigPath returns the configuration file path.
// Uses VOICEGW_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("VOICEGW_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
