package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lapancomido/api/internal/auth"
	"lapancomido/api/internal/bootstrap"
	"lapancomido/api/internal/config"
	"lapancomido/api/internal/httpapi"
	"lapancomido/api/internal/store"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stderr, "", log.LstdFlags)

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	st, closer, err := bootstrap.OpenStore(cfg, logger)
	if err != nil {
		logger.Fatalf("failed to open store: %v", err)
	}
	defer closer()

	if cfg.OTPRetentionDays > 0 {
		if purger, ok := st.(store.Purger); ok {
			go runRetentionLoop(rootCtx, logger, purger, cfg.OTPRetentionDays, cfg.RetentionIntervalHours)
		} else {
			logger.Printf("otp retention enabled but store does not support purge")
		}
	}

	mailer, err := bootstrap.NewOTPMailer(cfg, logger)
	if err != nil {
		logger.Fatalf("failed to init mailer: %v", err)
	}
	svc := auth.NewService(st, cfg.AuthPolicy(), logger)
	srv := httpapi.NewServer(cfg, st, svc, mailer, logger)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("lpcapi listening on %s (%s)", cfg.ListenAddr(), cfg.Environment)
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		logger.Printf("shutdown requested")
	case err := <-errCh:
		logger.Printf("server error: %v", err)
	}

	cancelRoot()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(ctxShutdown)
}

// runRetentionLoop deletes old OTP rows and expired trusted devices.
func runRetentionLoop(ctx context.Context, logger *log.Logger, purger store.Purger, retentionDays, intervalHours int) {
	retention := time.Duration(retentionDays) * 24 * time.Hour
	interval := time.Duration(intervalHours) * time.Hour
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	runOnce := func() {
		now := time.Now().UTC()
		before := now.Add(-retention)
		ctxPurge, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		n, err := purger.PurgeOTPTokensBefore(ctxPurge, before)
		if err != nil {
			logger.Printf("retention purge of otp tokens failed: %v", err)
		} else if n > 0 {
			logger.Printf("retention purged %d otp tokens (< %s)", n, before.Format(time.RFC3339))
		}

		n, err = purger.PurgeExpiredTrustedDevices(ctxPurge, now)
		if err != nil {
			logger.Printf("retention purge of trusted devices failed: %v", err)
		} else if n > 0 {
			logger.Printf("retention purged %d expired trusted devices", n)
		}
	}

	runOnce()

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			runOnce()
		}
	}
}
