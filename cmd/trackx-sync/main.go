package main

import (
	"context"
	"database/sql"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trackx/sync/db"
	"trackx/sync/internal/annotation"
	"trackx/sync/internal/app"
	"trackx/sync/internal/blob"
	"trackx/sync/internal/cache"
	"trackx/sync/internal/config"
	"trackx/sync/internal/localstore"
	"trackx/sync/internal/points"
	"trackx/sync/internal/search"
	"trackx/sync/internal/snapshot"
	"trackx/sync/internal/store"
)

// repository is what the daemon needs from a case store.
type repository interface {
	store.Repository
	search.CaseLister
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	ctx := context.Background()
	logger := log.New(os.Stderr, "", log.LstdFlags)

	if cfg.LocalDriver == string(localstore.DriverSQLite) {
		if err := os.MkdirAll(filepath.Dir(cfg.LocalSQLitePath), 0o755); err != nil {
			log.Fatalf("failed to create local data dir: %v", err)
		}
	}
	durable, err := localstore.Open(localstore.Options{
		Driver:      localstore.Driver(cfg.LocalDriver),
		SQLitePath:  cfg.LocalSQLitePath,
		RedisURL:    cfg.RedisURL,
		RedisPrefix: cfg.RedisPrefix,
	})
	if err != nil {
		log.Fatalf("local store failed: %v", err)
	}
	defer durable.Close()
	sessionStore := localstore.NewMemoryStore()

	var (
		database *sql.DB
		repo     repository
		fallback search.Searcher
	)
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		database, err = store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer database.Close()

		migrations, err := fs.Sub(db.Migrations, "migrations")
		if err != nil {
			log.Fatalf("migrations failed: %v", err)
		}
		if err := store.ApplyMigrations(ctx, database, migrations); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}
		repo = store.NewPostgresStore(database)
		fallback = search.NewPgFTS(database)
	} else {
		logger.Printf("DATABASE_URL not set, keeping cases in memory")
		memory := store.NewMemoryStore()
		repo = memory
		fallback = search.NewScan(memory)
	}

	blobs, err := blob.Open(ctx, blob.Options{
		Driver:        blob.Driver(cfg.BlobDriver),
		Endpoint:      cfg.BlobEndpoint,
		Region:        cfg.BlobRegion,
		Bucket:        cfg.BlobBucket,
		AccessKey:     cfg.BlobAccessKey,
		SecretKey:     cfg.BlobSecretKey,
		UseSSL:        cfg.BlobUseSSL,
		PathStyle:     cfg.BlobPathStyle,
		PublicBaseURL: cfg.BlobPublicURL,
	})
	if err != nil {
		log.Fatalf("blob store failed: %v", err)
	}

	var index search.Index
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
		index = meiliClient
	}
	searchService := search.NewService(index, fallback, logger)
	if n, err := searchService.Reindex(ctx, repo); err != nil {
		logger.Printf("WARNING: search reindex failed (will retry on next restart): %v", err)
	} else if n > 0 {
		logger.Printf("Indexed %d cases", n)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	pointsClient := points.NewClient(cfg.PointsURL, &http.Client{Timeout: cfg.PointsTimeout})
	cacheManager := cache.NewManager(durable, logger, cache.NewMetrics(registry))
	pipeline := snapshot.NewPipeline(repo, blobs, snapshot.Config{
		Concurrency:   cfg.SnapshotConcurrency,
		MaxImageBytes: cfg.MaxImageBytes,
	}, logger, snapshot.NewMetrics(registry))

	var ping func(context.Context) error
	if database != nil {
		ping = database.PingContext
	}
	service := app.New(app.Deps{
		Points:    pointsClient,
		Cache:     cacheManager,
		Repo:      repo,
		Blobs:     blobs,
		Session:   annotation.New(durable, sessionStore, repo, logger),
		Snapshots: pipeline,
		Search:    searchService,
		Ping:      ping,
		Logger:    logger,
		CacheTTL:  cfg.CacheTTL,
		PageSize:  cfg.PointsPageSize,
	})

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Printf("TrackX sync listening on %s (local=%s, blobs=%s)", cfg.Addr, durable.Driver(), blobs.Driver())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("shutdown error: %v", err)
	}
	searchService.Wait()
}
