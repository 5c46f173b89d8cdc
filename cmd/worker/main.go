package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_mail/internal/config"
	"github.com/austindbirch/harbor_mail/internal/db"
	"github.com/austindbirch/harbor_mail/internal/delivery"
	"github.com/austindbirch/harbor_mail/internal/health"
	"github.com/austindbirch/harbor_mail/internal/logging"
	"github.com/austindbirch/harbor_mail/internal/mailer"
	"github.com/austindbirch/harbor_mail/internal/metrics"
	"github.com/austindbirch/harbor_mail/internal/queue"
	"github.com/austindbirch/harbor_mail/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()
	service := cfg.AppName + "-worker"

	logger := logging.New(service, os.Stdout, cfg.LogLevel)

	shutdownTracing, err := tracing.InitTracing(ctx, service)
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to initialize tracing")
	}
	defer shutdownTracing()

	// one connection per loop plus one for the depth monitor
	pool, err := db.Connect(ctx, cfg.DSN(), int32(cfg.Worker.Concurrency+1))
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pool))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Worker.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	opts := workerOptions(cfg.Worker)

	// DLQ producer
	if cfg.NSQ.PublishDLQ {
		producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer for DLQ creation failed")
		}
		producer.SetLogger(logger, nsq.LogLevelWarning)
		defer producer.Stop()
		opts.DeadLetters = delivery.NewNSQPublisher(producer, cfg.NSQ.DLQTopic)
	}

	q := queue.New(pool)
	mail := mailer.New(cfg.Mailer, &http.Client{Timeout: cfg.Mailer.Timeout})
	w := delivery.NewWorker(q, mail, opts, logger)

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for i := 0; i < cfg.Worker.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.Run(runCtx)
		}()
	}
	go monitorDepth(runCtx, q, cfg.Worker.MonitorInterval, logger)

	logger.Plain().WithField("loops", cfg.Worker.Concurrency).Info("worker service started")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down worker service")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	// loops finish the task they hold before returning
	cancel()
	wg.Wait()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("worker service stopped")
}

func workerOptions(c config.Worker) delivery.Options {
	return delivery.Options{
		MaxAttempts:  c.MaxAttempts,
		Backoff:      queue.Backoff{Schedule: c.BackoffSchedule, JitterPct: c.JitterPercent},
		SendTimeout:  c.SendTimeout,
		IdleInterval: c.IdleInterval,
	}
}

type depther interface {
	Depth(ctx context.Context) (int64, error)
}

// monitorDepth samples the number of pending tasks into the queue depth gauge
func monitorDepth(ctx context.Context, d depther, every time.Duration, logger *logging.Logger) {
	if every <= 0 {
		every = 15 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		n, err := d.Depth(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Plain().WithError(err).Error("failed to read queue depth")
		} else {
			metrics.UpdateQueueDepth(n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
