package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"linkfeed/internal/bot"
	"linkfeed/internal/config"
	"linkfeed/internal/feed"
	"linkfeed/internal/httpapi"
	"linkfeed/internal/ingest"
	"linkfeed/internal/scraper"
)

const (
	shutdownTimeout = 10 * time.Second
	retryBackoff    = 500 * time.Millisecond
)

func newServeCmd(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Telegram bot and the feed HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(*configDir)
		},
	}
}

func newFetcher(cfg config.Config, log logrus.FieldLogger) scraper.Fetcher {
	var opts []scraper.Option
	if cfg.FetchAllowPrivate {
		opts = append(opts, scraper.WithPrivateNetworks())
	}

	var f scraper.Fetcher
	switch cfg.FetchEngine {
	case config.EngineRod:
		f = scraper.NewRodFetcher(cfg.FetchTimeout, cfg.FetchMaxBytes, log, opts...)
	default:
		f = scraper.NewHTTPFetcher(cfg.FetchTimeout, cfg.FetchMaxBytes, log, opts...)
	}
	return scraper.NewRetrying(f, cfg.FetchRetries, retryBackoff, log)
}

func serve(configDir string) error {
	// --- Configuration Loading ---
	cfg, log, err := setup(configDir)
	if err != nil {
		return err
	}
	if err := cfg.RequireBot(); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"badgerdb_path": cfg.BadgerDBPath,
		"http_port":     cfg.HTTPPort,
		"app_url":       cfg.AppURL,
		"fetch_engine":  cfg.FetchEngine,
	}).Info("Configuration loaded successfully")

	// --- Initialize Components ---
	repo, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("Closing database...")
		if err := repo.Close(); err != nil {
			log.WithError(err).Error("Error closing database")
		}
	}()

	pipeline := ingest.New(repo, newFetcher(cfg, log), cfg.FetchWorkers, log)
	feeds := feed.NewService(repo, cfg.AppURL, cfg.FeedLimit, log)

	botHandler, err := bot.NewHandler(cfg, pipeline, feeds, log)
	if err != nil {
		return fmt.Errorf("failed to initialize Telegram bot handler: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := httpapi.NewRouter(log)
	httpapi.SetupRoutes(router, feeds, repo, log)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// --- Application Startup ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		botHandler.Start(ctx)
		return nil
	})
	g.Go(func() error {
		repo.RunGC(ctx, cfg.GCInterval)
		return nil
	})
	g.Go(func() error {
		log.WithField("addr", srv.Addr).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	log.Info("linkfeed is running. Press Ctrl+C to exit.")
	err = g.Wait()

	// Updates accepted before polling stopped are still writing to the store.
	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if drainErr := botHandler.Drain(drainCtx); drainErr != nil {
		log.WithError(drainErr).Warn("Timed out waiting for in-flight updates")
	}

	if err != nil {
		log.WithError(err).Error("Stopped with error")
		return err
	}
	log.Info("linkfeed shut down gracefully.")
	return nil
}
