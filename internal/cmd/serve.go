package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dativo-io/casepilot/internal/server"
	"github.com/dativo-io/casepilot/internal/trigger"
)

var (
	servePort        int
	serveRateLimit   int
	serveCORSOrigins []string
	serveNoScheduler bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the follow-up scheduler",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "HTTP server port")
	serveCmd.Flags().IntVar(&serveRateLimit, "rate-limit", 0, "requests per minute per operator (0 = unlimited)")
	serveCmd.Flags().StringSliceVar(&serveCORSOrigins, "cors-origin", []string{"*"}, "allowed CORS origins")
	serveCmd.Flags().BoolVar(&serveNoScheduler, "no-scheduler", false, "do not run the follow-up sweep")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	scheduler := trigger.NewScheduler(a.runner, a.cases)
	if !serveNoScheduler {
		if err := scheduler.RegisterFollowups(a.pol); err != nil {
			return fmt.Errorf("registering follow-up schedule: %w", err)
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	if len(a.cfg.APIKeys) == 0 {
		log.Warn().Msg("CASEPILOT_API_KEYS not set, all /v1 endpoints will return 401")
	}

	opts := []server.Option{
		server.WithOutbox(a.outbox),
		server.WithCORSOrigins(serveCORSOrigins),
	}
	if serveRateLimit > 0 {
		opts = append(opts, server.WithRateLimit(serveRateLimit))
	}
	srv := server.NewServer(server.Services{
		Runner:      a.runner,
		Cases:       a.cases,
		Proposals:   a.proposals,
		Decisions:   a.decisions,
		Escalations: a.escalations,
		Review:      a.review,
		Inbound:     trigger.NewInboundHandler(a.runner, a.cases),
	}, a.cfg.APIKeys, opts...)

	addr := fmt.Sprintf(":%d", servePort)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Int("cron_entries", scheduler.Entries()).
		Str("autopilot_mode", string(a.pol.Mode())).
		Int("operators", len(a.cfg.APIKeys)).
		Msg("casepilot_serve_started")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown_signal_received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server_stopped")
	return nil
}
