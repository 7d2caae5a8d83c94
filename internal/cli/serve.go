package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/tbourn/persona-chat-backend/internal/config"
	httpapi "github.com/tbourn/persona-chat-backend/internal/http"
	"github.com/tbourn/persona-chat-backend/internal/observability"
	"github.com/tbourn/persona-chat-backend/internal/repo"
)

// purgeSchedule is when expired idempotency records are deleted.
const purgeSchedule = "@hourly"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API with the idle monitor",
	Long: `Run the HTTP API.

The schema is migrated on start. The idle monitor sweeps on SWEEP_SCHEDULE
and expired idempotency records are purged hourly. SIGINT or SIGTERM drains
in-flight requests for up to SHUTDOWN_TIMEOUT.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.Setup(ctx, cfg.OTEL, Version)
	if err != nil {
		return err
	}

	db, err := migratedStore()
	if err != nil {
		return err
	}
	auth, err := newAuthenticator(cfg.Auth)
	if err != nil {
		return err
	}
	pub, err := newPublisher(cfg.Kafka)
	if err != nil {
		return err
	}
	defer func() {
		if err := pub.Close(); err != nil {
			log.Warn().Err(err).Msg("event publisher close")
		}
	}()

	a := newApp(cfg, db, pub)
	if err := a.monitor.Start(cfg.Chat.SweepSchedule); err != nil {
		return err
	}
	purger, err := startPurger(db)
	if err != nil {
		return err
	}

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, a.handlerServices(), auth, cfg)

	srv := newServer(cfg, r)
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", Version).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case serveErr = <-errCh:
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown")
	}
	a.monitor.Stop(drainCtx)
	select {
	case <-purger.Stop().Done():
	case <-drainCtx.Done():
	}
	if err := shutdownOTel(drainCtx); err != nil {
		log.Warn().Err(err).Msg("otel shutdown")
	}
	log.Info().Msg("stopped")
	return serveErr
}

func newServer(c config.Config, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              ":" + c.Port,
		Handler:           h,
		ReadTimeout:       c.ReadTimeout,
		ReadHeaderTimeout: c.ReadHeaderTimeout,
		WriteTimeout:      c.WriteTimeout,
		IdleTimeout:       c.IdleTimeout,
		MaxHeaderBytes:    c.MaxHeaderBytes,
	}
}

// startPurger deletes expired idempotency records on purgeSchedule.
func startPurger(db *gorm.DB) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	if _, err := c.AddFunc(purgeSchedule, func() { purgeIdempotency(db, time.Now()) }); err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}

func purgeIdempotency(db *gorm.DB, now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := repo.PurgeExpiredIdempotency(ctx, db, now)
	if err != nil {
		log.Error().Err(err).Msg("idempotency purge failed")
		return
	}
	if n > 0 {
		log.Info().Int64("deleted", n).Msg("expired idempotency records purged")
	}
}
