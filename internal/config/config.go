package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port          int
	DataDir       string
	CellSize      int
	Bands         int
	WarmupLevels  int
	WarmupWorkers int

	CacheMode          string
	CacheRetainedMB    int
	CacheRetainedCells int
	CacheSweepInterval time.Duration
	MaxConcurrentLoads int
	LoaderBytesPerSec  int64
	IOBudget           time.Duration
	SessionCapacity    int
	SessionTTL         time.Duration

	VipsMaxCacheMB  int
	VipsConcurrency int
	LogLevel        string
	LogFormat       string
	AllowedOrigin   string
}

func Load() *Config {
	cfg := &Config{
		Port:          getEnvInt("PORT", 8080),
		DataDir:       getEnv("DATA_DIR", "/data"),
		CellSize:      getEnvInt("CELL_SIZE", 256),
		Bands:         getEnvInt("BANDS", 3),
		WarmupLevels:  getEnvInt("WARMUP_LEVELS", 1),
		WarmupWorkers: getEnvInt("WARMUP_WORKERS", 1),

		CacheMode:          getEnv("CACHE", "memory"),
		CacheRetainedMB:    getEnvInt("CACHE_RETAINED_MB", 512),
		CacheRetainedCells: getEnvInt("CACHE_RETAINED_CELLS", 1<<16),
		CacheSweepInterval: getEnvDuration("CACHE_SWEEP_INTERVAL", 10*time.Second),
		MaxConcurrentLoads: getEnvInt("MAX_CONCURRENT_LOADS", 0),
		LoaderBytesPerSec:  getEnvInt64("LOADER_BYTES_PER_SEC", 0),
		IOBudget:           getEnvDuration("IO_BUDGET", 0),
		SessionCapacity:    getEnvInt("SESSION_CAPACITY", 4096),
		SessionTTL:         getEnvDuration("SESSION_TTL", 5*time.Minute),

		VipsMaxCacheMB:  getEnvInt("VIPS_MAX_CACHE_MB", 256),
		VipsConcurrency: getEnvInt("VIPS_CONCURRENCY", 1),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "json"),
		AllowedOrigin:   getEnv("ALLOWED_ORIGIN", ""),
	}

	return cfg
}

// RetainedBytes is the strong retention budget in bytes.
func (c *Config) RetainedBytes() int64 {
	return int64(c.CacheRetainedMB) << 20
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("250ms") or plain milliseconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
