package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"voxcache/internal/cache"
	"voxcache/internal/config"
	"voxcache/internal/dataset"
	httphandlers "voxcache/internal/http"
	"voxcache/internal/loader"
	"voxcache/internal/logger"
	"voxcache/internal/metrics"
	"voxcache/internal/session"
	"voxcache/internal/volume"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	vipsConfig := &vips.Config{
		ConcurrencyLevel: cfg.VipsConcurrency,
		MaxCacheMem:      cfg.VipsMaxCacheMB * 1024 * 1024,
		MaxCacheFiles:    0,
		MaxCacheSize:     0,
		ReportLeaks:      false,
		CacheTrace:       false,
		VectorEnabled:    true,
	}

	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)

	vips.Startup(vipsConfig)
	defer vips.Shutdown()

	log.Info("VIPS initialized",
		zap.Int("max_cache_mb", cfg.VipsMaxCacheMB),
		zap.Int("concurrency", cfg.VipsConcurrency),
	)

	log.Info("Starting voxcache server",
		zap.Int("port", cfg.Port),
		zap.String("data_dir", cfg.DataDir),
		zap.Int("cell_size", cfg.CellSize),
	)

	scanner := dataset.New(cfg.DataDir, cfg.CellSize, log)
	if err := scanner.Scan(); err != nil {
		log.Warn("Initial scan failed", zap.Error(err))
	}

	keys := cache.KeySpace{
		NumTimepoints: 1,
		NumSetups:     max(1, len(scanner.Sources())),
		MaxLevels:     scanner.MaxLevels(),
	}

	recorder := metrics.NewPrometheusRecorder()
	cellLoader := loader.NewThrottled(loader.NewPyramid(scanner, cfg.Bands, log), cfg.LoaderBytesPerSec)

	cellCache, err := cache.New(cellLoader, keys, cache.Options{
		Mode:               cfg.CacheMode,
		RetainedBytes:      cfg.RetainedBytes(),
		RetainedEntries:    cfg.CacheRetainedCells,
		MaxConcurrentLoads: int64(cfg.MaxConcurrentLoads),
		SweepInterval:      cfg.CacheSweepInterval,
		Recorder:           recorder,
		Logger:             log,
	})
	if err != nil {
		log.Fatal("Failed to initialize cache", zap.Error(err))
	}
	defer cellCache.Close()

	sessions := session.NewStore(cfg.SessionCapacity, cfg.SessionTTL)
	handlers := httphandlers.New(cfg, log, scanner, cellCache, sessions)

	mux := http.NewServeMux()

	mux.HandleFunc("/api/sources", handlers.HandleSources)
	mux.HandleFunc("/api/sources/", handlers.HandleSourceRoutes)
	mux.HandleFunc("/api/sessions/", handlers.HandleSession)
	mux.HandleFunc("/api/cache/stats", handlers.HandleCacheStats)
	mux.HandleFunc("/healthz", handlers.HandleHealthz)
	mux.Handle("/metrics", recorder.Handler())

	handler := handlers.CORSMiddleware(handlers.RequestLoggingMiddleware(mux))

	warmupCtx, stopWarmup := context.WithCancel(context.Background())
	defer stopWarmup()
	if cfg.WarmupLevels > 0 {
		go warmupCells(warmupCtx, cfg.WarmupLevels, cfg.WarmupWorkers, scanner, cellCache, log)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handler,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.Int("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	stopWarmup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server stopped")
}

// warmupCells loads every cell of the coarsest levels of each source so the
// first views are served from memory.
func warmupCells(ctx context.Context, levels int, workerLimit int, scanner *dataset.Scanner, cellCache *cache.Cache, log *zap.Logger) {
	sources := scanner.Sources()
	if len(sources) == 0 {
		return
	}

	log.Info("Starting cell warmup", zap.Int("levels", levels), zap.Int("sources", len(sources)))

	if workerLimit <= 0 {
		workerLimit = 1
	}

	workerChan := make(chan struct{}, workerLimit)
	var wg sync.WaitGroup

	for _, src := range sources {
		for level := src.Levels - 1; level >= 0 && level >= src.Levels-levels; level-- {
			width, height := src.LevelDims(level)
			grid, err := volume.NewGrid([]int64{int64(width), int64(height)}, []int{scanner.CellSize(), scanner.CellSize()})
			if err != nil {
				log.Warn("Warmup skipped level", zap.String("source_id", src.ID), zap.Int("level", level), zap.Error(err))
				continue
			}
			img := volume.NewImage(grid, cellCache.Accessor(0, src.Setup, level))

			for index := 0; index < int(grid.NumCells()); index++ {
				select {
				case <-ctx.Done():
					wg.Wait()
					return
				case workerChan <- struct{}{}:
				}
				wg.Add(1)

				go func(sourceID string, level, index int) {
					defer wg.Done()
					defer func() { <-workerChan }()

					// No session in ctx: loads are charged to the cache's background session.
					if _, err := img.Cell(ctx, index); err != nil {
						log.Debug("Warmup cell failed", zap.String("source_id", sourceID), zap.Int("level", level), zap.Int("index", index), zap.Error(err))
					}
				}(src.ID, level, index)
			}
		}
	}

	wg.Wait()
	log.Info("Cell warmup completed", zap.Int64("background_io_bytes", cellCache.BackgroundSession().IoBytes()))
}
