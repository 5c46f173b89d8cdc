package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_mail/internal/config"
	"github.com/austindbirch/harbor_mail/internal/delivery"
	"github.com/austindbirch/harbor_mail/internal/logging"
	"github.com/austindbirch/harbor_mail/internal/metrics"
	"github.com/austindbirch/harbor_mail/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()
	service := cfg.AppName + "-dlq-monitor"

	logger := logging.New(service, os.Stdout, cfg.LogLevel)

	shutdownTracing, err := tracing.InitTracing(ctx, service)
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to initialize tracing")
	}
	defer shutdownTracing()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	addr := ":" + getenv("PORT", "8084")
	httpSrv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", addr).Info("dlq monitor HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("dlq monitor HTTP server failed")
		}
	}()

	consumer, err := nsq.NewConsumer(cfg.NSQ.DLQTopic, cfg.NSQ.DLQChannel, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}
	consumer.SetLogger(logger, nsq.LogLevelWarning)
	consumer.AddHandler(deadLetterHandler(logger))

	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to lookupd failed")
	}
	logger.Plain().WithFields(map[string]any{
		"topic":   cfg.NSQ.DLQTopic,
		"channel": cfg.NSQ.DLQChannel,
	}).Info("dlq monitor started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	consumer.Stop()
	<-consumer.StopChan
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("dlq monitor stopped")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// deadLetterHandler records every dead letter. Malformed messages are logged
// and finished, never requeued.
func deadLetterHandler(logger *logging.Logger) nsq.HandlerFunc {
	return func(m *nsq.Message) error {
		var dl delivery.DeadLetter
		if err := json.Unmarshal(m.Body, &dl); err != nil {
			logger.Plain().WithError(err).Error("malformed dead letter")
			metrics.RecordDeadLetterSeen("malformed")
			return nil
		}

		ctx := tracing.ExtractHeaders(context.Background(), dl.TraceHeaders)
		ctx, span := tracing.StartSpan(ctx, "dlq.Observe",
			attribute.String("issue_id", dl.Task.IssueID.String()),
			attribute.String("reason", dl.Reason),
		)
		defer span.End()

		metrics.RecordDeadLetterSeen(dl.Reason)
		logger.WithContext(ctx).
			WithIssue(dl.Task.IssueID.String()).
			WithRecipient(dl.Task.Recipient).
			WithFields(map[string]any{
				"reason":      dl.Reason,
				"attempt":     dl.Attempt,
				"http_status": dl.HTTPStatus,
				"last_error":  dl.LastError,
				"dropped_at":  dl.At,
			}).Warn("delivery dead-lettered")
		return nil
	}
}
