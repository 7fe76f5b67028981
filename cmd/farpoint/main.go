package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/star/farpoint/internal/api"
	"github.com/star/farpoint/internal/auth"
	"github.com/star/farpoint/internal/cache"
	"github.com/star/farpoint/internal/coverage"
	"github.com/star/farpoint/internal/farthest"
	"github.com/star/farpoint/internal/metrics"
	"github.com/star/farpoint/internal/network"
	"github.com/star/farpoint/internal/stream"
)

func main() {
	// A missing .env file is normal outside local development.
	envErr := godotenv.Load()

	logger := newLogger()
	if envErr != nil {
		logger.Debug("no .env file loaded", "error", envErr)
	}

	srvCfg, err := loadServerConfig(logger)
	if err != nil {
		logger.Error("invalid server configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	catCfg := loadCatalogConfig(logger)
	src, db, err := openCatalogSource(ctx, catCfg, logger)
	if err != nil {
		logger.Error("could not open station catalog source", "error", err)
		os.Exit(1)
	}
	if db != nil {
		defer db.Close()
	}

	solverCfg := loadSolverConfig(logger)
	store := network.NewStore()
	cacheCfg := loadCacheConfig(logger)
	results := cache.New(cacheCfg)
	svc := coverage.NewService(solverCfg, store, results, logger)
	if cacheCfg.RedisURL != "" {
		client, err := cache.OpenRedis(ctx, cacheCfg.RedisURL)
		if err != nil {
			logger.Error("could not connect to shared cache", "error", err)
			os.Exit(1)
		}
		defer client.Close()
		svc.WithSharedCache(cache.NewRedisStore(client, cacheCfg.SharedTTL))
	}
	pool := coverage.NewPool(svc, logger)
	metrics.SetSolverWorkers(pool.Workers())

	// Start without a catalog if the source is down; readyz reports 503
	// until a reload succeeds.
	if _, err := svc.Reload(ctx, src); err != nil {
		logger.Error("initial station catalog load failed", "source", src.Name(), "error", err)
	}

	if catCfg.Watch {
		if catCfg.File == "" || catCfg.DatabaseURL != "" || catCfg.URL != "" {
			logger.Warn("FARPOINT_STATIONS_WATCH needs FARPOINT_STATIONS_FILE as the active source, ignoring")
		} else {
			fw, err := network.NewFileWatcher(catCfg.File, 0, logger)
			if err != nil {
				logger.Error("could not watch station file", "path", catCfg.File, "error", err)
			} else {
				go fw.Run(ctx, func() {
					if _, err := svc.Reload(ctx, src); err != nil {
						logger.Warn("reload after station file change failed", "error", err)
					}
				})
			}
		}
	}

	streamHandler := stream.NewHandler(svc, loadStreamConfig(logger, srvCfg.TrustProxy), logger)
	srv := api.NewServer(srvCfg, logger, svc, pool, src, streamHandler)

	// Background goroutine to refresh the catalog and its age gauge.
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		lastReload := time.Now()
		for {
			select {
			case <-ticker.C:
				if catCfg.Refresh > 0 && time.Since(lastReload) >= catCfg.Refresh {
					lastReload = time.Now()
					if _, err := svc.Reload(ctx, src); err != nil {
						logger.Warn("scheduled catalog reload failed", "source", src.Name(), "error", err)
					}
				}
				if age := store.AgeSeconds(); age >= 0 {
					metrics.SetCatalogAge(age)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		logger.Info("starting server", "addr", srvCfg.Addr, "auth_enabled", srvCfg.Auth.Enabled, "catalog_source", src.Name())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server listen error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.HTTPServer().Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

// newLogger writes JSON logs to stdout, or to a size-rotated file when
// FARPOINT_LOG_FILE is set.
func newLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(os.Getenv("FARPOINT_LOG_LEVEL"))}

	path := os.Getenv("FARPOINT_LOG_FILE")
	if path == "" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	}, opts))
}

func parseLevel(v string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// catalogConfig selects where the station catalog comes from.
type catalogConfig struct {
	DatabaseURL string
	URL         string
	File        string
	SnapshotDir string        // empty disables snapshots of URL catalogs
	Watch       bool          // reload when the catalog file changes
	Refresh     time.Duration // 0 disables scheduled reloads
}

// openCatalogSource picks the first configured source in the order
// database, URL, file, built-in default.
func openCatalogSource(ctx context.Context, cfg catalogConfig, logger *slog.Logger) (network.Source, *sql.DB, error) {
	switch {
	case cfg.DatabaseURL != "":
		db, err := network.OpenDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return network.NewPGSource(db, logger), db, nil
	case cfg.URL != "":
		src := network.NewHTTPSource(cfg.URL, logger)
		if cfg.SnapshotDir != "" {
			src.WithSnapshots(network.NewSnapshots(cfg.SnapshotDir, 5))
		}
		return src, nil, nil
	case cfg.File != "":
		return network.NewFileSource(cfg.File, logger), nil, nil
	default:
		return network.NewStaticSource(network.Default()), nil, nil
	}
}

func loadServerConfig(logger *slog.Logger) (api.Config, error) {
	cfg := api.Config{
		Addr:      ":8080",
		RateLimit: 5,
		RateBurst: 10,
	}

	if v := os.Getenv("FARPOINT_HTTP_ADDR"); v != "" {
		cfg.Addr = v
	}

	authCfg, err := loadAuthConfig(logger)
	if err != nil {
		return cfg, err
	}
	cfg.Auth = authCfg

	if v := os.Getenv("FARPOINT_TRUST_PROXY"); v != "" {
		trust, err := strconv.ParseBool(v)
		if err != nil {
			logger.Warn("invalid FARPOINT_TRUST_PROXY value, defaulting to false", "value", v)
		} else {
			cfg.TrustProxy = trust
		}
	}

	if v := os.Getenv("FARPOINT_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || !(f > 0) {
			logger.Warn("invalid FARPOINT_RATE_LIMIT value, using default", "value", v, "default", 5)
		} else {
			cfg.RateLimit = rate.Limit(f)
		}
	}

	if v := os.Getenv("FARPOINT_RATE_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid FARPOINT_RATE_BURST value, using default", "value", v, "default", 10)
		} else {
			cfg.RateBurst = n
		}
	}

	logger.Info("server config",
		"addr", cfg.Addr,
		"trust_proxy", cfg.TrustProxy,
		"rate_limit", float64(cfg.RateLimit),
		"rate_burst", cfg.RateBurst,
	)
	return cfg, nil
}

func loadAuthConfig(logger *slog.Logger) (auth.Config, error) {
	cfg := auth.Config{}

	enabledStr := os.Getenv("FARPOINT_AUTH_ENABLED")
	if enabledStr != "" {
		enabled, err := strconv.ParseBool(enabledStr)
		if err != nil {
			return cfg, errors.New("FARPOINT_AUTH_ENABLED must be a boolean value (true/false/1/0)")
		}
		cfg.Enabled = enabled
	}

	if cfg.Enabled {
		cfg.Token = os.Getenv("FARPOINT_AUTH_TOKEN")
		if cfg.Token == "" {
			return cfg, errors.New("FARPOINT_AUTH_TOKEN is required when auth is enabled")
		}
		logger.Info("auth enabled")
	}

	return cfg, nil
}

func loadSolverConfig(logger *slog.Logger) coverage.Config {
	cfg := coverage.Config{
		GridSize:  farthest.DefaultGridSize,
		Tolerance: farthest.DefaultTolerance,
		Workers:   runtime.NumCPU(),
	}

	if v := os.Getenv("FARPOINT_SOLVER_GRID_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 2 {
			logger.Warn("invalid FARPOINT_SOLVER_GRID_SIZE value, using default", "value", v, "default", cfg.GridSize)
		} else {
			cfg.GridSize = n
		}
	}

	if v := os.Getenv("FARPOINT_SOLVER_TOLERANCE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || !(f > 0) || f > 1 {
			logger.Warn("invalid FARPOINT_SOLVER_TOLERANCE value, using default", "value", v, "default", cfg.Tolerance)
		} else {
			cfg.Tolerance = f
		}
	}

	if v := os.Getenv("FARPOINT_SOLVER_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid FARPOINT_SOLVER_WORKERS value, using default", "value", v, "default", cfg.Workers)
		} else {
			cfg.Workers = n
		}
	}

	logger.Info("solver config",
		"grid_size", cfg.GridSize,
		"tolerance", cfg.Tolerance,
		"workers", cfg.Workers,
	)
	return cfg
}

func loadCacheConfig(logger *slog.Logger) cache.Config {
	cfg := cache.Config{MaxEntries: cache.DefaultMaxEntries}

	if v := os.Getenv("FARPOINT_CACHE_MAX_ENTRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid FARPOINT_CACHE_MAX_ENTRIES value, using default", "value", v, "default", cfg.MaxEntries)
		} else {
			cfg.MaxEntries = n
		}
	}

	cfg.RedisURL = os.Getenv("FARPOINT_REDIS_URL")
	cfg.SharedTTL = cache.DefaultSharedTTL
	if v := os.Getenv("FARPOINT_REDIS_TTL"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil || seconds < 1 {
			logger.Warn("invalid FARPOINT_REDIS_TTL value, using default", "value", v, "default", cache.DefaultSharedTTL.Seconds())
		} else {
			cfg.SharedTTL = time.Duration(seconds) * time.Second
		}
	}

	logger.Info("cache config",
		"max_entries", cfg.MaxEntries,
		"shared", cfg.RedisURL != "",
		"shared_ttl_seconds", cfg.SharedTTL.Seconds(),
	)
	return cfg
}

func loadStreamConfig(logger *slog.Logger, trustProxy bool) stream.Config {
	cfg := stream.Config{
		MaxConcurrentPerIP: 4,
		MaxConcurrent:      1000,
		KeepaliveInterval:  30 * time.Second,
		WatchInterval:      5 * time.Second,
		TrustProxy:         trustProxy,
	}

	if v := os.Getenv("FARPOINT_STREAM_MAX_CONCURRENT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid FARPOINT_STREAM_MAX_CONCURRENT value, using default", "value", v, "default", cfg.MaxConcurrentPerIP)
		} else {
			cfg.MaxConcurrentPerIP = n
		}
	}

	if v := os.Getenv("FARPOINT_STREAM_KEEPALIVE_INTERVAL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid FARPOINT_STREAM_KEEPALIVE_INTERVAL value, using default", "value", v, "default", 30)
		} else {
			cfg.KeepaliveInterval = time.Duration(n) * time.Second
		}
	}

	logger.Info("stream config",
		"max_concurrent_per_ip", cfg.MaxConcurrentPerIP,
		"keepalive_interval_seconds", cfg.KeepaliveInterval.Seconds(),
	)
	return cfg
}

func loadCatalogConfig(logger *slog.Logger) catalogConfig {
	cfg := catalogConfig{
		DatabaseURL: os.Getenv("FARPOINT_DATABASE_URL"),
		URL:         os.Getenv("FARPOINT_STATIONS_URL"),
		File:        os.Getenv("FARPOINT_STATIONS_FILE"),
		SnapshotDir: os.Getenv("FARPOINT_STATIONS_CACHE_DIR"),
	}

	if v := os.Getenv("FARPOINT_STATIONS_WATCH"); v != "" {
		watch, err := strconv.ParseBool(v)
		if err != nil {
			logger.Warn("invalid FARPOINT_STATIONS_WATCH value, defaulting to false", "value", v)
		} else {
			cfg.Watch = watch
		}
	}

	if v := os.Getenv("FARPOINT_STATIONS_REFRESH"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil || seconds < 0 {
			logger.Warn("invalid FARPOINT_STATIONS_REFRESH value, disabling scheduled reloads", "value", v)
		} else {
			cfg.Refresh = time.Duration(seconds) * time.Second
		}
	}

	// Never log the database URL; it may carry credentials.
	logger.Info("catalog config",
		"database", cfg.DatabaseURL != "",
		"url", cfg.URL,
		"file", cfg.File,
		"snapshot_dir", cfg.SnapshotDir,
		"watch", cfg.Watch,
		"refresh_seconds", cfg.Refresh.Seconds(),
	)
	return cfg
}
