package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mesh-research/remote-api-notifier/internal/config"
	"github.com/mesh-research/remote-api-notifier/internal/delivery"
	"github.com/mesh-research/remote-api-notifier/internal/directory"
	"github.com/mesh-research/remote-api-notifier/internal/logging"
	"github.com/mesh-research/remote-api-notifier/internal/metrics"
	"github.com/mesh-research/remote-api-notifier/internal/request"
	"github.com/mesh-research/remote-api-notifier/internal/router"
	"github.com/mesh-research/remote-api-notifier/internal/rules"
	"github.com/mesh-research/remote-api-notifier/internal/tracing"
)

// worker consumes dispatch events from NSQ and executes deliveries out of
// process, for deployments where the host application only publishes.
// Rules come from a file (RULES_FILE), so only literal rules are available
// in this mode.
func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New("notifier-worker")

	shutdown, err := tracing.Init(ctx, "notifier-worker")
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to initialize tracing")
	}
	defer shutdown()

	rulesFile := os.Getenv("RULES_FILE")
	if rulesFile == "" {
		logger.Plain().Fatal("RULES_FILE is required")
	}
	registry, err := rules.LoadFile(rulesFile)
	if err != nil {
		logger.Plain().WithError(err).Fatal("could not load rules file")
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	dir := directory.NewHTTPClient(cfg.Directory.BaseURL, cfg.Directory.Timeout)
	results := router.New(registry, logger)
	results.Start()
	defer results.Close()

	var dlq delivery.DeadLetterPublisher
	var publisher *delivery.NSQPublisher
	if cfg.Delivery.PublishDeadLetters {
		publisher, err = delivery.NewNSQPublisher(cfg.NSQ, logger)
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer creation failed")
		}
		defer publisher.Stop()
		dlq = publisher
	}

	deliverer := delivery.NewDeliverer(registry, request.NewBuilder(dir), dir, results, dlq, logger, cfg.Delivery)

	conf := nsq.NewConfig()
	conf.MaxInFlight = cfg.Delivery.Concurrency
	consumer, err := nsq.NewConsumer(cfg.NSQ.EventsTopic, cfg.NSQ.WorkerChannel, conf)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}
	consumer.AddConcurrentHandlers(delivery.NSQHandler(deliverer, logger), cfg.Delivery.Concurrency)

	// Connecting directly to nsqd forces channel creation instead of the
	// channel being lazily created on first publish.
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to lookupd failed")
	}

	logger.Plain().Info("worker started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down worker")
	consumer.Stop()
	<-consumer.StopChan
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("worker stopped")
}
