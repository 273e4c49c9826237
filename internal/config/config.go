// Package config reads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	Enabled        bool   // when false, dispatch relies on the sweep alone
	NsqdTCPAddr    string // e.g. nsqd:4150
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	NudgeTopic     string // topic carrying "delivery is due now" nudges
	WorkerChannel  string // NSQ channel name for worker processes
	DLQTopic       string // dead-letter topic
	PublishDLQ     bool   // publish dead letters on terminal failure
}

type Delivery struct {
	PoolSize          int           // concurrent delivery workers
	SweepInterval     time.Duration // how often the due-queue is scanned
	SweepBatch        int           // max deliveries released per sweep
	ClaimLease        time.Duration // attempt lease; must exceed the longest attempt timeout
	DefaultTimeout    time.Duration // per-endpoint timeout fallback
	DefaultMaxRetries int           // per-endpoint max attempts fallback
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	BackoffJitter     float64 // fraction added at random, 0 disables
}

type Retention struct {
	MaxAge   time.Duration // terminal deliveries older than this are removed
	Schedule string        // cron spec for the retention sweep
}

type Config struct {
	AppName          string
	HTTPPort         string // api service listen address
	WorkerHTTPPort   string // worker health/metrics listen address
	StrictEventTypes bool   // reject events whose type is not registered
	DB               DB
	NSQ              NSQ
	Delivery         Delivery
	Retention        Retention
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// FromEnv builds the full configuration, falling back to development defaults.
func FromEnv() Config {
	return Config{
		AppName:          getenv("APP_NAME", "hookrelay"),
		HTTPPort:         getenv("HTTP_PORT", ":8080"),
		WorkerHTTPPort:   getenv("WORKER_HTTP_PORT", ":8082"),
		StrictEventTypes: getenvBool("STRICT_EVENT_TYPES", false),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "hookrelay"),
		},
		NSQ: NSQ{
			Enabled:        getenvBool("NSQ_ENABLED", false),
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			NudgeTopic:     getenv("NSQ_NUDGE_TOPIC", "delivery_nudges"),
			WorkerChannel:  getenv("NSQ_WORKER_CHANNEL", "workers"),
			DLQTopic:       getenv("NSQ_DLQ_TOPIC", "delivery_dead_letters"),
			PublishDLQ:     getenvBool("PUBLISH_DLQ_TOPIC", false),
		},
		Delivery: Delivery{
			PoolSize:          getenvInt("DELIVERY_POOL_SIZE", 8),
			SweepInterval:     getenvDuration("SWEEP_INTERVAL", 5*time.Second),
			SweepBatch:        getenvInt("SWEEP_BATCH", 100),
			ClaimLease:        getenvDuration("CLAIM_LEASE", 2*time.Minute),
			DefaultTimeout:    getenvDuration("DELIVERY_DEFAULT_TIMEOUT", 30*time.Second),
			DefaultMaxRetries: getenvInt("DELIVERY_DEFAULT_MAX_RETRIES", 5),
			BackoffBase:       getenvDuration("BACKOFF_BASE", time.Second),
			BackoffMax:        getenvDuration("BACKOFF_MAX", 5*time.Minute),
			BackoffJitter:     getenvFloat("BACKOFF_JITTER_PCT", 0.25),
		},
		Retention: Retention{
			MaxAge:   getenvDuration("RETENTION_MAX_AGE", 30*24*time.Hour),
			Schedule: getenv("RETENTION_SCHEDULE", "@every 1h"),
		},
	}
}

// DSN renders the postgres connection string.
func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
