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
	NsqdTCPAddr    string // e.g. nsqd:4150
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	EmailsTopic    string // NSQ topic carrying email work items
	DLQTopic       string // Dead letter queue topic
	WorkerChannel  string // NSQ channel name for workers
}

type SMTP struct {
	Host     string
	Port     int
	User     string
	Pass     string
	StartTLS bool
}

type SES struct {
	Region string
	Source string // verified sender identity
}

type Redis struct {
	Addr string
	DB   int
}

type Worker struct {
	MaxAttempts    int           // Default attempt ceiling for new emails
	BaseDelay      time.Duration // Base retry delay, doubled per failed attempt
	JitterPercent  float64       // Backoff jitter percentage (0.0-1.0), 0 keeps the schedule exact
	Concurrency    int           // Concurrent consumer slots (also NSQ max-in-flight)
	SendTimeout    time.Duration // Upper bound on a single Sender call
	LeaseTTL       time.Duration // How long a claimed email stays unclaimable by other workers
	RequeueOnBusy  time.Duration // Redelivery delay when another worker holds the claim
	StoreRetryWait time.Duration // Redelivery delay when the state store is unreachable
	HTTPPort       string        // Worker HTTP metrics port
}

type API struct {
	RateLimitPerMinute int    // Fallback per-key request budget per minute
	KeySalt            string // Salt mixed into API key hashes
}

type Config struct {
	AppName  string
	Provider string // "smtp", "ses", or "noop"
	HTTPPort string // :8080
	DB       DB
	NSQ      NSQ
	SMTP     SMTP
	SES      SES
	Redis    Redis
	Worker   Worker
	API      API
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

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "postroom"),
		Provider: getenv("EMAIL_PROVIDER", "smtp"),
		HTTPPort: getenv("HTTP_PORT", ":8080"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "postroom"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			EmailsTopic:    getenv("NSQ_EMAILS_TOPIC", "emails"),
			DLQTopic:       getenv("NSQ_DLQ_TOPIC", "emails_dlq"),
			WorkerChannel:  getenv("NSQ_WORKER_CHANNEL", "workers"),
		},
		SMTP: SMTP{
			Host:     getenv("SMTP_HOST", "localhost"),
			Port:     getenvInt("SMTP_PORT", 587),
			User:     getenv("SMTP_USER", ""),
			Pass:     getenv("SMTP_PASS", ""),
			StartTLS: getenvBool("SMTP_USE_TLS", true),
		},
		SES: SES{
			Region: getenv("SES_REGION", "us-east-1"),
			Source: getenv("SES_SOURCE", ""),
		},
		Redis: Redis{
			Addr: getenv("REDIS_ADDR", "redis:6379"),
			DB:   getenvInt("REDIS_DB", 0),
		},
		Worker: Worker{
			MaxAttempts:    getenvInt("MAX_ATTEMPTS", 3),
			BaseDelay:      getenvDuration("RETRY_BASE_DELAY", 5*time.Second),
			JitterPercent:  getenvFloat("BACKOFF_JITTER_PCT", 0),
			Concurrency:    getenvInt("WORKER_CONCURRENCY", 4),
			SendTimeout:    getenvDuration("SEND_TIMEOUT", 30*time.Second),
			LeaseTTL:       getenvDuration("CLAIM_LEASE_TTL", 2*time.Minute),
			RequeueOnBusy:  getenvDuration("REQUEUE_ON_BUSY", 15*time.Second),
			StoreRetryWait: getenvDuration("STORE_RETRY_WAIT", 10*time.Second),
			HTTPPort:       ":" + getenv("WORKER_HTTP_PORT", "8083"),
		},
		API: API{
			RateLimitPerMinute: getenvInt("RATE_LIMIT_PER_MINUTE", 60),
			KeySalt:            getenv("API_KEY_SALT", "change-me-in-production"),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
