package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"klineflow/config"
	"klineflow/internal/service"
	"klineflow/internal/source"
	"klineflow/internal/target"
	"klineflow/logger"
)

const (
	exitOK = iota
	exitConfigError
	exitConnectionError
	exitPartialIteration
)

func main() {
	os.Exit(run())
}

func run() int {
	// Optional .env file for local development; missing is fine.
	_ = godotenv.Load()

	log := logger.GetLogger()

	configPath := flag.String("config", "", "path to YAML configuration file")
	runService := flag.Bool("service", true, "run continuously as a service")
	noService := flag.Bool("no-service", false, "run a single iteration and exit")
	dryRun := flag.Bool("dry-run", false, "fetch but skip persistence")
	sourceURL := flag.String("source", "", "source API base URL")
	targetDSN := flag.String("target", "", "target connection string")
	minSleep := flag.Int("min-sleep", 0, "minimum sleep between iterations in seconds")
	maxSleep := flag.Int("max-sleep", 0, "maximum sleep between iterations in seconds")
	scrapeSymbol := flag.Bool("scrape-symbol", false, "scrape the symbol list")
	scrapeKline1d := flag.Bool("scrape-kline-1d", false, "scrape daily klines")
	datapointLimit := flag.Int("datapoint-limit", 0, "number of datapoints to fetch per symbol")
	shardIdx := flag.Int("shard", 0, "shard index of this instance")
	shardCount := flag.Int("shard-count", 0, "total number of shards")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s v%s\n", config.ServiceName, config.ServiceVersion)
		return exitOK
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Error("failed to load configuration")
		return exitConfigError
	}

	// Explicit flags win over file and environment values.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "service":
			cfg.RunAsService = *runService
		case "no-service":
			if *noService {
				cfg.RunAsService = false
			}
		case "dry-run":
			cfg.DryRun = *dryRun
		case "source":
			cfg.Source = *sourceURL
		case "target":
			cfg.Target = *targetDSN
		case "min-sleep":
			cfg.MinSleep = *minSleep
		case "max-sleep":
			cfg.MaxSleep = *maxSleep
		case "scrape-symbol":
			cfg.ScrapeSymbol = *scrapeSymbol
		case "scrape-kline-1d":
			cfg.ScrapeKline1d = *scrapeKline1d
		case "datapoint-limit":
			cfg.DatapointLimit = *datapointLimit
		case "shard":
			cfg.Shard = *shardIdx
		case "shard-count":
			cfg.ShardCount = *shardCount
		case "log-level":
			cfg.Logging.Level = *logLevel
		}
	})

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("invalid logging configuration")
		return exitConfigError
	}

	if err := cfg.Validate(); err != nil {
		log.WithError(err).Error("invalid configuration")
		return exitConfigError
	}

	log.WithFields(logger.Fields{
		"version":     config.ServiceVersion,
		"service":     cfg.RunAsService,
		"dry_run":     cfg.DryRun,
		"shard":       cfg.Shard,
		"shard_count": cfg.ShardCount,
	}).Info("starting " + config.ServiceName)

	src := source.New(cfg.Source)
	tgt := target.New(cfg.Target)
	defer tgt.Close()

	svc := service.New(cfg, src, tgt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	var runErr error
	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
		cancel()
		runErr = <-done
	case runErr = <-done:
	}

	switch {
	case runErr == nil:
		log.Info("shutdown complete")
		return exitOK
	case isConnectionError(runErr):
		log.WithError(runErr).Error("terminating after connection failure")
		return exitConnectionError
	case errors.Is(runErr, service.ErrPartialIteration):
		log.WithError(runErr).Warn("iteration finished with failures")
		return exitPartialIteration
	default:
		log.WithError(runErr).Error("service failed")
		return exitConnectionError
	}
}

func isConnectionError(err error) bool {
	var connErr *service.ConnectionError
	return errors.As(err, &connErr)
}
