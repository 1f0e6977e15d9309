package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rashidov-eu/lt-server/internal/adminapi"
	"github.com/rashidov-eu/lt-server/internal/config"
	"github.com/rashidov-eu/lt-server/internal/dispatcher"
	"github.com/rashidov-eu/lt-server/internal/ratelimit"
	"github.com/rashidov-eu/lt-server/internal/tunnel"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

var (
	configFile string
	logLevel   string
	logFormat  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lt-server",
		Short: "lt-server - reverse tunnel server",
		Long: `lt-server exposes a public HTTP endpoint that routes by subdomain and
forwards requests over long-lived reverse TCP sockets opened by remote,
possibly NAT'd clients.`,
		RunE: run,
	}

	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "Config file path")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&logFormat, "log-format", "", "Log format (console, json)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("lt-server %s (built %s)\n", Version, BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	log := setupLogging("info", "console")

	log.Info().Str("version", Version).Str("build_time", BuildTime).Msg("starting lt-server")

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.LogFormat = logFormat
	}
	log = setupLogging(cfg.LogLevel, cfg.LogFormat)

	ports, err := tunnel.NewPortAllocator(cfg.Range)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build port allocator")
	}

	limiter := ratelimit.NewAcceptLimiter(cfg.AcceptRate.Global, cfg.AcceptRate.PerIP)

	registry := tunnel.NewClientRegistry(ports, cfg.MaxTCPSockets, cfg.Address, log)
	registry.AcceptLimiter = limiter

	admin := adminapi.NewServer(cfg.Domain, cfg.Landing, cfg.Secure, registry, log, cfg.AdminCORS)

	d := &dispatcher.Dispatcher{
		BaseDomain:    cfg.Domain,
		Registry:      registry,
		Fallback:      admin,
		Log:           log,
		AcceptLimiter: limiter,
	}

	publicLn, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Address, cfg.Port))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to bind public listener")
	}

	adminSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Address, cfg.AdminPort),
		Handler: admin,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cleanupTicker := time.NewTicker(10 * time.Minute)
	defer cleanupTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-cleanupTicker.C:
				limiter.Cleanup()
			}
		}
	}()

	go func() {
		log.Info().Int("port", cfg.Port).Str("domain", cfg.Domain).Msg("public tunnel listener started")
		if err := d.Serve(publicLn); err != nil {
			log.Error().Err(err).Msg("public listener stopped")
		}
	}()

	go func() {
		log.Info().Int("port", cfg.AdminPort).Msg("admin API listener started")
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("admin listener stopped")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	cancel()
	_ = publicLn.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("admin server shutdown error")
	}

	return nil
}

func setupLogging(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var log zerolog.Logger
	if format == "json" {
		log = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		log = zerolog.New(output).With().Timestamp().Logger()
	}
	return log
}
