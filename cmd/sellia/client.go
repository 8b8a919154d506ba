package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/watzon/sellia/internal/client"
	"github.com/watzon/sellia/internal/config"
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Connect to a relay server",
	Long:  `Connect to a sellia relay server and forward public traffic to a local target.`,
	RunE:  runClient,
}

func init() {
	clientCmd.Flags().StringP("server", "s", "", "Server URL (e.g., https://sellia.example.com)")
	clientCmd.Flags().StringP("target", "t", "http://localhost:3000", "Local target URL")
	clientCmd.Flags().String("subdomain", "", "Requested subdomain (optional, random if omitted)")
	clientCmd.Flags().String("api-key", "", "API key (overrides the one saved by 'sellia auth login')")
	clientCmd.Flags().String("tunnel-type", "http", "Tunnel type: http or websocket")
	clientCmd.Flags().BoolP("verbose", "v", false, "Log request/response bodies")
	clientCmd.Flags().Bool("tui", false, "Use the interactive TUI instead of plain log lines")
	clientCmd.Flags().String("config", "", "Path to a YAML config file (client: section); flags override it")
}

func runClient(cmd *cobra.Command, args []string) error {
	cfg, err := loadClientConfig(cmd)
	if err != nil {
		return err
	}

	tuiMode := cfg.TUI
	if cmd.Flags().Changed("tui") {
		tuiMode, _ = cmd.Flags().GetBool("tui")
	}

	c := client.New(client.Config{
		ServerURL:  cfg.Server,
		Target:     cfg.Target,
		Routes:     toClientRoutes(cfg.Routes),
		TunnelType: tunnelTypeFlag(cmd),
		Subdomain:  cfg.Subdomain,
		APIKey:     cfg.APIKey,
		Verbose:    cfg.Verbose,
		TUIMode:    tuiMode,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	waitForSignal(cancel)

	if tuiMode {
		return runTUI(ctx, c)
	}
	return c.Run(ctx)
}

func tunnelTypeFlag(cmd *cobra.Command) string {
	t, _ := cmd.Flags().GetString("tunnel-type")
	if t == "" {
		return "http"
	}
	return t
}

func toClientRoutes(routes []config.Route) []client.Route {
	out := make([]client.Route, len(routes))
	for i, r := range routes {
		out[i] = client.Route{Pattern: r.Pattern, Target: r.Target}
	}
	return out
}

func loadClientConfig(cmd *cobra.Command) (config.ClientConfig, error) {
	var cfg config.ClientConfig

	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.FindConfigFile()
	}
	if path != "" {
		full, err := config.Load(path)
		if err != nil {
			return cfg, err
		}
		cfg = full.Client
	}

	if v, _ := cmd.Flags().GetString("server"); v != "" {
		cfg.Server = v
	}
	if v, _ := cmd.Flags().GetString("target"); cmd.Flags().Changed("target") || cfg.Target == "" {
		cfg.Target = v
	}
	if v, _ := cmd.Flags().GetString("subdomain"); v != "" {
		cfg.Subdomain = v
	}
	if v, _ := cmd.Flags().GetString("api-key"); v != "" {
		cfg.APIKey = v
	}
	if cmd.Flags().Changed("verbose") {
		cfg.Verbose, _ = cmd.Flags().GetBool("verbose")
	}

	if cfg.Server == "" {
		return cfg, fmt.Errorf("--server is required (or set client.server in a config file)")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
