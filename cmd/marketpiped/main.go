// marketpiped runs a single distribution pipeline: Kafka feed in, packets
// out through NATS or stdout, Prometheus metrics on the side.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/quantex/marketpipe/internal/config"
	"github.com/quantex/marketpipe/internal/feed"
	"github.com/quantex/marketpipe/internal/pipeline"
	"github.com/quantex/marketpipe/pkg/sink"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to config file (YAML or JSON)")
		metricsAddr = flag.String("metrics", ":9100", "Prometheus metrics listen address")
	)
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(*configPath, *metricsAddr, log); err != nil {
		log.Fatal("marketpiped exited", zap.Error(err))
	}
}

func run(configPath, metricsAddr string, log *zap.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	snk, cleanup, err := buildSink(cfg.Sink)
	if err != nil {
		return err
	}
	defer cleanup()

	reg := prometheus.NewRegistry()
	p, err := pipeline.New(cfg, snk, log.Named("pipeline"), pipeline.WithRegisterer(reg))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics server", zap.Error(err))
		}
	}()

	p.Start()

	feedDone := make(chan error, 1)
	if len(cfg.Feed.Brokers) > 0 {
		src := feed.NewKafkaSource(cfg.Feed.Brokers, cfg.Feed.Topic, cfg.Feed.GroupID,
			p.Ingest, log.Named("feed"))
		defer src.Close()
		go func() { feedDone <- src.Run(ctx) }()
		log.Info("consuming upstream feed",
			zap.Strings("brokers", cfg.Feed.Brokers),
			zap.String("topic", cfg.Feed.Topic))
	} else {
		log.Info("no feed brokers configured; ingestion is API-only")
	}

	select {
	case <-ctx.Done():
	case err := <-feedDone:
		if err != nil {
			log.Error("feed terminated", zap.Error(err))
		}
	}

	p.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return nil
}

func buildSink(cfg config.Sink) (sink.Sink, func(), error) {
	switch cfg.Kind {
	case "nats":
		s, err := sink.NewNATSSink(cfg.NATSURL, cfg.SubjectPrefix)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "stdout", "":
		return sink.NewWriterSink(os.Stdout), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown sink kind %q", cfg.Kind)
	}
}
