package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tootbot/tootbot/admin"
	"github.com/tootbot/tootbot/cfg"
	"github.com/tootbot/tootbot/common"
	"github.com/tootbot/tootbot/history"
	"github.com/tootbot/tootbot/media"
	"github.com/tootbot/tootbot/notify"
	"github.com/tootbot/tootbot/pipeline"
	"github.com/tootbot/tootbot/policy"
	"github.com/tootbot/tootbot/publisher"
	"github.com/tootbot/tootbot/source"
	"github.com/tootbot/tootbot/telemetry"

	// Destination factories
	_ "github.com/tootbot/tootbot/publisher/sink"
)

func main() {
	flag.Parse()

	config, err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := config.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logFile, err := setupLogging(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	if err := run(config); err != nil {
		log.WithLevel(exitLevel(err)).Err(err).Msg("Tootbot stopped")
		if logFile != nil {
			logFile.Close()
		}
		os.Exit(1)
	}
}

// exitLevel is critical only for the configuration and integrity class; a
// failed single-shot pass exits non-zero at error severity.
func exitLevel(err error) zerolog.Level {
	if common.IsFatal(err) {
		return zerolog.FatalLevel
	}
	return zerolog.ErrorLevel
}

func setupLogging(config *cfg.Configuration) (*os.File, error) {
	var writer io.Writer = zerolog.NewConsoleWriter()
	if config.Logging.Format == "json" {
		writer = os.Stdout
	}

	var logFile *os.File
	if config.Logging.Logfile != "" {
		f, err := os.OpenFile(config.Logging.Logfile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		logFile = f
		writer = zerolog.MultiLevelWriter(writer, f)
	}

	log.Logger = zerolog.New(writer).
		With().
		Timestamp().
		Uint64("instance_id", config.InstanceID).
		Logger().
		Level(cfg.ZerologLevel(config.Logging.LogLevel))

	return logFile, nil
}

func run(config *cfg.Configuration) error {
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, abort := context.WithCancelCause(sigCtx)
	defer abort(nil)

	log.Info().
		Str("subreddit", config.Reddit.Subreddit).
		Str("sort", config.Reddit.Sort).
		Bool("loop", config.Behavior.Loop).
		Msg("Tootbot starting")

	secrets, err := cfg.LoadSecrets(config.SecretsFile)
	if err != nil {
		return err
	}
	log.Debug().Stringer("secrets", secrets).Msg("Secrets loaded")

	telemetry.InitializeTelemetry(config)

	store, err := history.Open(ctx, config.History, config.HistoryPath())
	if err != nil {
		return err
	}
	defer store.Close()

	collector := telemetry.NewMetricsCollector(store, 30*time.Second)
	collector.Start()
	defer collector.Stop()

	filter, err := policy.NewFilter(policy.ConfigFrom(config))
	if err != nil {
		return err
	}

	var acquirer media.Acquirer
	var fetcher *media.Fetcher
	if config.Media.GetMedia {
		fetcher, err = media.NewFetcher(media.ConfigFrom(config))
		if err != nil {
			return err
		}
		acquirer = fetcher
	}

	destinations, err := config.Destinations(secrets)
	if err != nil {
		return err
	}
	targets, err := publisher.BuildTargets(destinations)
	if err != nil {
		return err
	}
	defer publisher.CloseTargets(targets)

	coordinator, err := publisher.NewCoordinator(publisher.CoordinatorConfig{
		Targets:  targets,
		Store:    store,
		Media:    acquirer,
		GetMedia: config.Media.GetMedia,
	})
	if err != nil {
		return err
	}

	reddit, err := source.NewRedditClient(source.ConfigFrom(config, secrets))
	if err != nil {
		return err
	}

	pipelineConfig, err := pipeline.ConfigFrom(config)
	if err != nil {
		return err
	}
	p := pipeline.New(pipelineConfig, reddit, store, filter, coordinator)
	if fetcher != nil {
		p.SetLinkResolver(fetcher)
	}

	if config.Admin.Enabled {
		hub := notify.NewHub()
		p.SetNotifier(hub)

		handlers := admin.NewHandlers(ctx, store, p, hub)
		handlers.OnFatal(abort)
		srv := admin.NewServer(config.Admin, handlers, secrets.Admin.Token)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start admin server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Admin server shutdown")
			}
		}()
		// Ends open event streams before the server waits on them
		defer hub.Close()
	}

	scheduler, err := pipeline.NewScheduler(p, config)
	if err != nil {
		return err
	}

	err = scheduler.Run(ctx)
	if err == nil {
		// A manual pass may have stopped the scheduler with a fatal error
		if cause := context.Cause(ctx); common.IsFatal(cause) {
			err = cause
		}
	}
	log.Info().Msg("Tootbot shutting down")
	return err
}
