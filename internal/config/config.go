package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Delivery engine
	Workers         int           // worker pool size
	QueueSize       int           // bounded work queue capacity
	PollInterval    time.Duration // retry scheduler tick
	PollBatch       int           // deliveries fetched per sweep
	AttemptTimeout  time.Duration // hard per-attempt timeout
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	APIRateLimit    int           // requests per project per window
	APIRateWindow   time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first if present.
func Load() (*Config, error) {
	// Missing .env is fine; real environments set variables directly.
	_ = godotenv.Load()

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "hookrelay",
		DBPassword: "",
		DBName:     "hookrelay",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		Workers:        8,
		QueueSize:      512,
		PollInterval:   3 * time.Second,
		PollBatch:      100,
		AttemptTimeout: 30 * time.Second,
		BackoffBase:    1 * time.Second,
		BackoffCap:     300 * time.Second,
		APIRateLimit:   100,
		APIRateWindow:  1 * time.Minute,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if dbNum := os.Getenv("REDIS_DB"); dbNum != "" {
		d, err := strconv.Atoi(dbNum)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// Delivery engine config
	if workers := os.Getenv("WORKERS"); workers != "" {
		w, err := strconv.Atoi(workers)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKERS: %w", err)
		}
		cfg.Workers = w
	}

	if size := os.Getenv("QUEUE_SIZE"); size != "" {
		s, err := strconv.Atoi(size)
		if err != nil {
			return nil, fmt.Errorf("invalid QUEUE_SIZE: %w", err)
		}
		cfg.QueueSize = s
	}

	if interval := os.Getenv("POLL_INTERVAL_SECONDS"); interval != "" {
		s, err := strconv.Atoi(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid POLL_INTERVAL_SECONDS: %w", err)
		}
		cfg.PollInterval = time.Duration(s) * time.Second
	}

	if batch := os.Getenv("POLL_BATCH"); batch != "" {
		b, err := strconv.Atoi(batch)
		if err != nil {
			return nil, fmt.Errorf("invalid POLL_BATCH: %w", err)
		}
		cfg.PollBatch = b
	}

	if timeout := os.Getenv("ATTEMPT_TIMEOUT_SECONDS"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid ATTEMPT_TIMEOUT_SECONDS: %w", err)
		}
		cfg.AttemptTimeout = time.Duration(t) * time.Second
	}

	if base := os.Getenv("BACKOFF_BASE_SECONDS"); base != "" {
		b, err := strconv.Atoi(base)
		if err != nil {
			return nil, fmt.Errorf("invalid BACKOFF_BASE_SECONDS: %w", err)
		}
		cfg.BackoffBase = time.Duration(b) * time.Second
	}

	if cap := os.Getenv("BACKOFF_CAP_SECONDS"); cap != "" {
		c, err := strconv.Atoi(cap)
		if err != nil {
			return nil, fmt.Errorf("invalid BACKOFF_CAP_SECONDS: %w", err)
		}
		cfg.BackoffCap = time.Duration(c) * time.Second
	}

	if limit := os.Getenv("API_RATE_LIMIT"); limit != "" {
		l, err := strconv.Atoi(limit)
		if err != nil {
			return nil, fmt.Errorf("invalid API_RATE_LIMIT: %w", err)
		}
		cfg.APIRateLimit = l
	}

	return cfg, nil
}
