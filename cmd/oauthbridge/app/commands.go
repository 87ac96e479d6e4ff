// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the oauthbridge command-line application.
package app

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/oauthbridge/pkg/config"
	"github.com/stacklok/oauthbridge/pkg/logger"
	"github.com/stacklok/oauthbridge/pkg/versions"
)

// NewRootCmd creates the root command for the oauthbridge CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "oauthbridge",
		DisableAutoGenTag: true,
		Short:             "OAuth token bridge between downstream clients and an upstream identity provider",
		Long: `oauthbridge is an OAuth 2.1 authorization server that delegates user authentication
to an upstream OAuth2 or OpenID Connect provider. Downstream clients receive opaque
tokens backed by a session that holds the upstream credentials; the bridge keeps
those credentials fresh and never hands them out.`,
		Run: func(cmd *cobra.Command, _ []string) {
			if err := cmd.Help(); err != nil {
				slog.Error("error displaying help", "error", err)
			}
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		slog.Error("error binding debug flag", "error", err)
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the bridge configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		slog.Error("error binding config flag", "error", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the token bridge",
		Long: `Start the token bridge HTTP server.

Configuration is read from the file given with --config and can be overridden
with OAUTHBRIDGE_* environment variables, e.g. OAUTHBRIDGE_UPSTREAM_CLIENT_SECRET.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadAndValidate(viper.GetString("config"))
			if err != nil {
				return err
			}

			srv, err := newBridgeServer(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			return srv.Run(cmd.Context())
		},
	}
}

func newValidateCmd() *cobra.Command {
	var printConfig bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Long: `Load the configuration file and environment overrides and check them for
missing or contradictory settings without starting the server.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadAndValidate(viper.GetString("config"))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Configuration is valid")
			fmt.Fprintf(out, "  Issuer: %s\n", cfg.Server.Issuer)
			fmt.Fprintf(out, "  Upstream: %s (redirect URI %s)\n", cfg.Upstream.Type, cfg.RedirectURI())
			fmt.Fprintf(out, "  Storage: %s\n", cfg.Storage.Type)
			fmt.Fprintf(out, "  Clients: %d registered\n", len(cfg.Clients))

			if printConfig {
				data, err := cfg.MarshalRedactedYAML()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "\n%s", data)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&printConfig, "print", false, "Print the effective configuration with secrets redacted")

	return cmd
}

func newVersionCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show the version of oauthbridge",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versions.GetVersionInfo()
			out := cmd.OutOrStdout()

			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}

			fmt.Fprintf(out, "oauthbridge %s\n", info.Version)
			fmt.Fprintf(out, "Commit: %s\n", info.Commit)
			fmt.Fprintf(out, "Built: %s\n", info.BuildDate)
			fmt.Fprintf(out, "Go version: %s\n", info.GoVersion)
			fmt.Fprintf(out, "Platform: %s\n", info.Platform)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version information as JSON")

	return cmd
}
