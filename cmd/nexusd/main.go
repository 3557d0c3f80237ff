// Command nexusd runs the credential-multiplexing reverse proxy: it loads
// configuration, opens the Postgres credential store, starts the pool actor,
// wires the dispatcher and HTTP surface together, and serves until signaled
// to stop.
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

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nexus-proxy/gemini-nexus/internal/config"
	"github.com/nexus-proxy/gemini-nexus/internal/dispatcher"
	"github.com/nexus-proxy/gemini-nexus/internal/httpapi"
	"github.com/nexus-proxy/gemini-nexus/internal/httputil"
	"github.com/nexus-proxy/gemini-nexus/internal/importer"
	"github.com/nexus-proxy/gemini-nexus/internal/logging"
	"github.com/nexus-proxy/gemini-nexus/internal/pool"
	"github.com/nexus-proxy/gemini-nexus/internal/refresh"
	"github.com/nexus-proxy/gemini-nexus/internal/store"
	"github.com/nexus-proxy/gemini-nexus/internal/upstream"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Configuration file path")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nexusd: failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logging.Configure(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		fmt.Fprintf(os.Stderr, "nexusd: failed to configure logging: %v\n", err)
		os.Exit(1)
	}

	log.Infof("nexusd starting, version=%s commit=%s", version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := store.Open(ctx, store.Config{DSN: cfg.Postgres.DSN, Table: cfg.Postgres.Table})
	if err != nil {
		log.WithError(err).Fatal("nexusd: failed to open credential store")
	}
	defer repo.Close()

	if err := repo.EnsureSchema(ctx); err != nil {
		log.WithError(err).Fatal("nexusd: failed to ensure schema")
	}

	refresher := refresh.NewOAuth2Refresher()

	credPool := pool.New(repo, refresher, pool.Options{Skew: cfg.Skew})
	if err := credPool.Start(ctx); err != nil {
		log.WithError(err).Fatal("nexusd: failed to start credential pool")
	}

	// background supervises the pool actor's lifecycle goroutine and the
	// credential-watcher goroutine so shutdown can wait on both exiting
	// cleanly instead of racing the process exit against them.
	var background errgroup.Group
	background.Go(func() error {
		credPool.Wait()
		return nil
	})

	upstreamClient := upstream.New(httputil.NewSharedClient(), config.UserAgent())
	if cfg.UpstreamBaseURL != "" {
		upstreamClient.BaseURL = cfg.UpstreamBaseURL
	}

	disp := dispatcher.New(credPool, upstreamClient)
	disp.MaxCredentials = cfg.MaxCredentials
	disp.DefaultCooldown = cfg.DefaultRateLimitCooldown

	if cfg.CredentialsDir != "" {
		watcher := &importer.Watcher{
			Dir:      cfg.CredentialsDir,
			Interval: cfg.CredentialsPollInterval,
			Pool:     credPool,
		}
		background.Go(func() error {
			watcher.Run(ctx)
			return nil
		})
	}

	engine := httpapi.NewEngine(&httpapi.Server{
		Dispatcher: disp,
		Pool:       credPool,
		NexusKey:   cfg.NexusKey,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("nexusd listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("nexusd: server error")
		}
	}()

	<-ctx.Done()
	log.Info("nexusd shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("nexusd: graceful shutdown failed")
	}

	credPool.Stop()
	_ = background.Wait()
}
