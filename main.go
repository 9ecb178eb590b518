package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"marketflow/config"
	"marketflow/internal/channel"
	"marketflow/internal/metrics"
	"marketflow/internal/stream"
	"marketflow/logger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultPath, "Path to configuration file")
	flag.Parse()

	path := config.ResolvePath(*configPath)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{"path": path}).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithEnv("APP_ENV", "LOG_LEVEL").WithFields(logger.Fields{
		"service":     cfg.Marketflow.Name,
		"version":     cfg.Marketflow.Version,
		"environment": config.AppEnvironment(),
		"config":      path,
	}).Info("starting marketflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Metrics.ReportInterval)
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.Default()
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.ListenAddr, collector); err != nil {
				log.WithError(err).Error("metrics server failed")
			}
		}()
	}

	if cw := cfg.Metrics.CloudWatch; cw.Enabled {
		publisher, err := metrics.NewCloudWatch(ctx, metrics.CloudWatchConfig{
			Region:          cw.Region,
			Namespace:       cw.Namespace,
			AccessKeyID:     cw.AccessKeyID,
			SecretAccessKey: cw.SecretAccessKey,
			MinInterval:     cw.MinInterval,
		})
		if err != nil {
			log.WithError(err).Warn("CloudWatch metrics disabled")
		} else {
			id := metrics.RegisterMetricHandler(publisher.Handle)
			defer metrics.UnregisterMetricHandler(id)
		}
	}

	policy, err := channel.ParsePolicy(cfg.Channels.Policy)
	if err != nil {
		log.WithError(err).Error("invalid channel policy")
		os.Exit(1)
	}
	events := channel.NewEvents(cfg.Channels.EventBuffer, policy, collector)
	events.StartMetricsReporting(ctx, cfg.Metrics.ReportInterval)

	manager, err := stream.NewManager(cfg, events, collector)
	if err != nil {
		log.WithError(err).Error("failed to build stream connections")
		os.Exit(1)
	}

	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		consume(events, newSequenceTracker())
	}()

	if err := manager.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start stream manager")
		os.Exit(1)
	}
	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	if err := manager.Stop(shutdownTimeout); err != nil {
		log.WithError(err).Warn("graceful shutdown timeout exceeded")
	}
	events.Close()

	select {
	case <-consumed:
		log.Info("graceful shutdown completed")
	case <-time.After(shutdownTimeout):
		log.Warn("consumer did not drain in time")
	}

	stats := events.GetStats()
	log.WithFields(logger.Fields{
		"events_sent":    stats.Sent,
		"events_dropped": stats.Dropped,
	}).Info("marketflow stopped")
}
