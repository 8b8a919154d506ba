package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/watzon/sellia/internal/authstore"
	"github.com/watzon/sellia/internal/config"
	"github.com/watzon/sellia/internal/gateway"
	"github.com/watzon/sellia/internal/ingress"
	"github.com/watzon/sellia/internal/metrics"
	"github.com/watzon/sellia/internal/ratelimit"
	"github.com/watzon/sellia/internal/registry"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the relay server",
	Long:  `Run the sellia relay server that accepts tunnels and proxies public traffic to them.`,
	RunE:  runServer,
}

func init() {
	serverCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	serverCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serverCmd.Flags().String("base-domain", "", "Base domain tunnels are issued under, e.g. sellia.example.com")
	serverCmd.Flags().String("public-url", "", "Public URL of the server; only validated, tunnel URLs are built from base-domain and the TLS setting")
	serverCmd.Flags().Bool("require-auth", false, "Require a real per-account api_key instead of accepting any key")
	serverCmd.Flags().String("master-key", "", "Single shared api_key accepted when require-auth is set and database-url is empty")
	serverCmd.Flags().Bool("rate-limit-enabled", true, "Enable the composite rate limiter")
	serverCmd.Flags().String("database-url", "", "Postgres DSN for the api_keys/reserved_subdomains-backed AuthProvider")
	serverCmd.Flags().String("config", "", "Path to a YAML config file (server: section); flags override it")
	serverCmd.MarkFlagRequired("base-domain")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadServerConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}

	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	auth, reserved, closeAuth, err := buildAuthProvider(ctx, cfg)
	if err != nil {
		return err
	}
	if closeAuth != nil {
		defer closeAuth()
	}

	reg := registry.New(reserved...)
	limits := ratelimit.NewComposite(cfg.RateLimitEnabled, ratelimit.DefaultShapes)

	scheme := "https"
	if cfg.TLSCert == "" {
		scheme = "http"
	}

	gw := gateway.New(reg, auth, limits, cfg.BaseDomain, scheme, log)
	gw.Metrics = metrics.NewPrometheus(prometheus.DefaultRegisterer)

	in := ingress.New(gw, cfg.BaseDomain, log)

	mux := in.Router(ingress.BaseRoute{Path: "/metrics", Handler: promhttp.Handler()})

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go gw.RunLivenessSweeper(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
		cancel()
	}()

	log.Info().Str("addr", addr).Str("base_domain", cfg.BaseDomain).Msg("listening")

	var listenErr error
	if cfg.TLSCert != "" {
		listenErr = httpServer.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
	} else {
		listenErr = httpServer.ListenAndServe()
	}
	if listenErr != nil && listenErr != http.ErrServerClosed {
		return listenErr
	}
	return nil
}

func loadServerConfig(cmd *cobra.Command) (config.ServerConfig, error) {
	var cfg config.ServerConfig
	fromFile := false

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		full, err := config.Load(path)
		if err != nil {
			return cfg, err
		}
		cfg = full.Server
		fromFile = true
	}

	if v, _ := cmd.Flags().GetInt("port"); cmd.Flags().Changed("port") || cfg.Port == 0 {
		cfg.Port = v
	}
	if v, _ := cmd.Flags().GetString("host"); cmd.Flags().Changed("host") || cfg.Host == "" {
		cfg.Host = v
	}
	if v, _ := cmd.Flags().GetString("base-domain"); v != "" {
		cfg.BaseDomain = v
	}
	if v, _ := cmd.Flags().GetString("public-url"); v != "" {
		cfg.PublicURL = v
	}
	if cmd.Flags().Changed("require-auth") || !fromFile {
		cfg.RequireAuth, _ = cmd.Flags().GetBool("require-auth")
	}
	if v, _ := cmd.Flags().GetString("master-key"); v != "" {
		cfg.MasterKey = v
	}
	if cmd.Flags().Changed("rate-limit-enabled") || !fromFile {
		cfg.RateLimitEnabled, _ = cmd.Flags().GetBool("rate-limit-enabled")
	}
	if v, _ := cmd.Flags().GetString("database-url"); v != "" {
		cfg.DatabaseURL = v
	}

	if cfg.BaseDomain == "" {
		return cfg, fmt.Errorf("base-domain is required")
	}
	return cfg, nil
}

// buildAuthProvider picks the AuthProvider implied by cfg: Postgres when a
// database_url is configured, a master-key Static when require_auth is set
// without one, or an AllowAll provider for open single-operator setups.
func buildAuthProvider(ctx context.Context, cfg config.ServerConfig) (gateway.AuthProvider, []string, func(), error) {
	if cfg.DatabaseURL != "" {
		pg, err := authstore.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect postgres auth store: %w", err)
		}
		reserved, err := pg.ReservedNames(ctx)
		if err != nil {
			pg.Close()
			return nil, nil, nil, fmt.Errorf("load reserved subdomains: %w", err)
		}
		return pg, reserved, pg.Close, nil
	}
	if cfg.RequireAuth {
		static := authstore.NewStatic(map[string]string{cfg.MasterKey: "admin"})
		return static, static.ReservedNames(), nil, nil
	}
	return authstore.AllowAll{AccountID: "default"}, nil, nil, nil
}
