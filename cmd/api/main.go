package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/austindbirch/harbor_mail/internal/auth"
	"github.com/austindbirch/harbor_mail/internal/config"
	"github.com/austindbirch/harbor_mail/internal/db"
	"github.com/austindbirch/harbor_mail/internal/health"
	"github.com/austindbirch/harbor_mail/internal/idempotency"
	"github.com/austindbirch/harbor_mail/internal/issue"
	"github.com/austindbirch/harbor_mail/internal/logging"
	"github.com/austindbirch/harbor_mail/internal/mailer"
	"github.com/austindbirch/harbor_mail/internal/metrics"
	"github.com/austindbirch/harbor_mail/internal/publish"
	"github.com/austindbirch/harbor_mail/internal/queue"
	"github.com/austindbirch/harbor_mail/internal/recipients"
	"github.com/austindbirch/harbor_mail/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()
	service := cfg.AppName + "-api"

	logger := logging.New(service, os.Stdout, cfg.LogLevel)

	shutdownTracing, err := tracing.InitTracing(ctx, service)
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to initialize tracing")
	}
	defer shutdownTracing()

	pool, err := db.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns)
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		logger.Plain().WithError(err).Fatal("db migrate failed")
	}

	validator, err := newValidator(ctx, cfg.Auth)
	if err != nil {
		logger.Plain().WithError(err).Fatal("auth setup failed")
	}
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	if cfg.Auth.JWKSURL == "" && cfg.Auth.PublicKeyPEM == "" && cfg.Auth.PublicKeyFile != "" {
		go func() {
			if err := auth.NewKeyWatcher(cfg.Auth.PublicKeyFile, validator, logger).Run(watchCtx); err != nil {
				logger.Plain().WithError(err).Warn("public key watcher stopped, rotation needs a restart")
			}
		}()
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	idem := idempotency.NewStore(pool, cfg.Idempotency.LockTimeout)
	subscribers := recipients.NewStore(pool)
	svc := publish.NewService(idem, publish.IssueWriterFunc(issue.Insert), subscribers, queue.New(pool), logger)
	mail := mailer.New(cfg.Mailer, &http.Client{Timeout: cfg.Mailer.Timeout})

	mux := newMux(routes{
		pinger:        pool,
		registry:      reg,
		validator:     validator,
		publish:       publish.NewHandler(svc, logger),
		subscriptions: publish.NewSubscriptions(subscribers, mail, cfg.BaseURL, logger),
	})

	c := cron.New()
	if _, err := idempotency.SchedulePurge(c, cfg.Idempotency.PurgeSchedule, idem, cfg.Idempotency.TTL, logger); err != nil {
		logger.Plain().WithError(err).Fatal("purge schedule failed")
	}
	c.Start()

	httpSrv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      tracing.HTTPMiddleware(mux),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("api HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("api HTTP server failed")
		}
	}()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down api service")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Plain().WithError(err).Warn("api HTTP server shutdown incomplete")
	}
	<-c.Stop().Done()
	stopWatch()
	logger.Plain().Info("api service stopped")
}

type routes struct {
	pinger        health.Pinger
	registry      *prometheus.Registry
	validator     *auth.JWTValidator
	publish       *publish.Handler
	subscriptions *publish.Subscriptions
}

func newMux(r routes) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", health.HTTPHandler(r.pinger))
	mux.Handle("GET /metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	mux.Handle("POST /admin/newsletters", r.validator.HTTPMiddleware(http.HandlerFunc(r.publish.Publish)))
	mux.HandleFunc("POST /subscriptions", r.subscriptions.Subscribe)
	mux.HandleFunc("GET /subscriptions/confirm", r.subscriptions.Confirm)
	return mux
}

// newValidator prefers a JWKS endpoint and falls back to a local PEM key
func newValidator(ctx context.Context, a config.Auth) (*auth.JWTValidator, error) {
	if a.JWKSURL != "" {
		fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		key, err := auth.FetchJWKS(fetchCtx, nil, a.JWKSURL, "")
		if err != nil {
			return nil, fmt.Errorf("load signing key from %s: %w", a.JWKSURL, err)
		}
		return auth.NewJWTValidatorFromKey(key, a.Issuer, a.Audience).TrustProxyHeader(a.TrustProxyHeader), nil
	}

	pem, err := a.PublicKey()
	if err != nil {
		return nil, err
	}
	v, err := auth.NewJWTValidator(pem, a.Issuer, a.Audience)
	if err != nil {
		return nil, err
	}
	return v.TrustProxyHeader(a.TrustProxyHeader), nil
}
