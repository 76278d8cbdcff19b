package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/gluk-w/aicli/internal/config"
	"github.com/gluk-w/aicli/internal/database"
	"github.com/gluk-w/aicli/internal/handlers"
	"github.com/gluk-w/aicli/internal/logging"
	"github.com/gluk-w/aicli/internal/sshtunnel"
)

// historyRetention is how long persisted tunnel events are kept.
const historyRetention = 30 * 24 * time.Hour

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "aicli",
		Short:         "AI provider CLI with ssh tunnels to remote model servers",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			s, err := config.Parse()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			config.Cfg = s
			logging.Init(config.Cfg.LogPath)
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			logging.Close()
		},
	}
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newTunnelCmd())
	cmd.AddCommand(newCheckCmd())
	cmd.AddCommand(newProvidersCmd())
	cmd.AddCommand(newHistoryCmd())
	cmd.AddCommand(newKeygenCmd())
	cmd.AddCommand(newLogsCmd())
	return cmd
}

// tunnelOptions overlays the configured tunnel settings on the defaults.
func tunnelOptions() sshtunnel.Options {
	opts := sshtunnel.DefaultOptions()
	if config.Cfg.SSHBinary != "" {
		opts.SSHBinary = config.Cfg.SSHBinary
	}
	if config.Cfg.TunnelGracePeriod > 0 {
		opts.GracePeriod = config.Cfg.TunnelGracePeriod
	}
	if config.Cfg.TunnelProbeTimeout > 0 {
		opts.ProbeTimeout = config.Cfg.TunnelProbeTimeout
	}
	if config.Cfg.TunnelStopTimeout > 0 {
		opts.StopTimeout = config.Cfg.TunnelStopTimeout
	}
	return opts
}

func loadProviders() (*config.File, error) {
	f, err := config.LoadFile(config.Cfg.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", config.Cfg.ConfigFile, err)
	}
	return f, nil
}

// recordEvent persists registry events; failures are logged only.
func recordEvent(e sshtunnel.Event) {
	if err := database.RecordTunnelEvent(e); err != nil {
		log.Printf("[registry] %v", err)
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the local tunnel control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx)
		},
	}
}

func runServe(ctx context.Context) error {
	if err := database.Init(); err != nil {
		return fmt.Errorf("database init: %w", err)
	}
	defer database.Close()

	if n, err := database.PruneTunnelEvents(time.Now().Add(-historyRetention)); err != nil {
		log.Printf("WARNING: %v", err)
	} else if n > 0 {
		log.Printf("Pruned %d tunnel event(s) older than %s", n, historyRetention)
	}

	providers, err := loadProviders()
	if err != nil {
		return err
	}

	reg := sshtunnel.NewRegistry(tunnelOptions())
	reg.OnEvent(recordEvent)
	reg.OnEvent(handlers.Events.Publish)
	handlers.Tunnels = reg
	handlers.Providers = providers
	defer reg.CloseAll()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/health", handlers.HealthCheck)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/tunnels", handlers.ListTunnels)
		r.Delete("/tunnels", handlers.DeleteAllTunnels)
		r.Post("/tunnels/{name}", handlers.CreateTunnel)
		r.Get("/tunnels/{name}", handlers.GetTunnel)
		r.Delete("/tunnels/{name}", handlers.DeleteTunnel)
		r.Get("/tunnels/{name}/events", handlers.GetTunnelEvents)
		r.Get("/tunnels/{name}/history", handlers.GetTunnelHistory)
		r.Get("/events", handlers.ListEvents)
		r.Get("/events/ws", handlers.StreamEvents)
	})

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
	return nil
}
