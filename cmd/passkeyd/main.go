// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-passkey.
//
// go-passkey is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-passkey/internal/config"
	"github.com/jeremyhahn/go-passkey/internal/server"
)

// Version information (injected at build time via -ldflags)
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "passkeyd",
	Short: "passkeyd - WebAuthn passkey authentication server",
	Long: `passkeyd serves a WebAuthn relying party API for passwordless
authentication with passkeys. Clients begin a ceremony with an email
address, receive registration or authentication options depending on
whether the account already holds credentials, and complete the
ceremony with the authenticator's signed response.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the passkey server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if envConfig := os.Getenv("PASSKEY_CONFIG"); envConfig != "" && !cmd.Flags().Changed("config") {
			configPath = envConfig
		}

		var cfg *config.Config
		if configPath != "" {
			loaded, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			cfg = loaded
		} else {
			cfg = config.Default()
		}

		slog.Info("Starting passkey server",
			"config", configPath,
			"version", version)

		srv, err := server.New(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return srv.Run(ctx)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("passkeyd version %s\n", version)
		fmt.Printf("Git commit: %s\n", commit)
		fmt.Printf("Build date: %s\n", date)
		fmt.Printf("Go version: %s\n", runtime.Version())
		fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "",
		"path to configuration file (default built-in development config)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("Server error", slog.Any("error", err))
		os.Exit(1)
	}
}
