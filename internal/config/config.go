package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User     string
	Pass     string
	Host     string
	Port     string
	Name     string
	MaxConns int32 // pool size per process
}

type HTTP struct {
	Addr         string        // e.g. :8080
	ReadTimeout  time.Duration // HTTP read timeout
	WriteTimeout time.Duration // HTTP write timeout
}

type Auth struct {
	PublicKeyPEM     string // RSA public key used to verify owner tokens
	PublicKeyFile    string // alternative to PublicKeyPEM
	JWKSURL          string // alternative to a local key, e.g. the token-server
	Issuer           string
	Audience         string
	TrustProxyHeader bool // accept X-Owner-Id set by a trusted proxy
}

type Idempotency struct {
	LockTimeout   time.Duration // how long a duplicate submission waits on an in-flight one
	TTL           time.Duration // saved responses older than this are purged
	PurgeSchedule string        // cron spec for the purge job
}

type Worker struct {
	Concurrency     int             // worker loops per process
	MaxAttempts     int             // Maximum delivery attempts
	BackoffSchedule []time.Duration // Retry backoff durations
	JitterPercent   float64         // Backoff jitter percentage (0.0-1.0)
	IdleInterval    time.Duration   // sleep between polls of an empty queue
	SendTimeout     time.Duration   // bound on a single delivery attempt
	HTTPPort        string          // Worker HTTP metrics port
	MonitorInterval time.Duration   // queue depth sampling period
}

type Mailer struct {
	BaseURL    string
	Sender     string
	Token      string
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	DLQTopic       string // Dead letter topic for dropped deliveries
	DLQChannel     string // NSQ channel used by the dlq monitor
	PublishDLQ     bool   // Whether to publish dropped deliveries to the DLQ topic
}

type FakeMailer struct {
	FailFirstN    int           // Number of requests to fail initially
	RejectDomains []string      // recipient domains answered with 422
	ServerToken   string        // expected X-Postmark-Server-Token, empty accepts any
	ResponseDelay time.Duration // Simulated response delay
	Port          string        // Server listen port
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
}

type Config struct {
	AppName     string
	LogLevel    string
	BaseURL     string // public URL used in confirmation links
	HTTP        HTTP
	DB          DB
	Auth        Auth
	Idempotency Idempotency
	Worker      Worker
	Mailer      Mailer
	NSQ         NSQ
	FakeMailer  FakeMailer
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

func getenvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// DefaultBackoffSchedule grows by 4x per attempt and is capped by its last entry.
func DefaultBackoffSchedule() []time.Duration {
	return []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second, 1 * time.Minute, 4 * time.Minute, 10 * time.Minute}
}

func parseBackoffSchedule(schedule string) []time.Duration {
	if schedule == "" {
		return DefaultBackoffSchedule()
	}

	parts := strings.Split(schedule, ",")
	durations := make([]time.Duration, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if d, err := time.ParseDuration(part); err == nil && d > 0 {
			durations = append(durations, d)
		}
	}

	if len(durations) == 0 {
		// Fallback to default if parsing failed
		return DefaultBackoffSchedule()
	}

	return durations
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "harbormail"),
		LogLevel: getenv("LOG_LEVEL", "info"),
		BaseURL:  strings.TrimRight(getenv("APP_BASE_URL", "http://localhost:8080"), "/"),
		HTTP: HTTP{
			Addr:         getenv("HTTP_ADDR", ":8080"),
			ReadTimeout:  getenvDuration("HTTP_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getenvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
		},
		DB: DB{
			User:     getenv("DB_USER", "postgres"),
			Pass:     getenv("DB_PASS", "postgres"),
			Host:     getenv("DB_HOST", "postgres"),
			Port:     getenv("DB_PORT", "5432"),
			Name:     getenv("DB_NAME", "harbormail"),
			MaxConns: int32(getenvInt("DB_MAX_CONNS", 10)),
		},
		Auth: Auth{
			PublicKeyPEM:     getenv("JWT_PUBLIC_KEY", ""),
			PublicKeyFile:    getenv("JWT_PUBLIC_KEY_FILE", ""),
			JWKSURL:          getenv("JWT_JWKS_URL", ""),
			Issuer:           getenv("JWT_ISSUER", "harbormail"),
			Audience:         getenv("JWT_AUDIENCE", "harbormail-api"),
			TrustProxyHeader: getenvBool("AUTH_TRUST_PROXY_HEADER", false),
		},
		Idempotency: Idempotency{
			LockTimeout:   getenvDuration("IDEMPOTENCY_LOCK_TIMEOUT", 5*time.Second),
			TTL:           getenvDuration("IDEMPOTENCY_TTL", 48*time.Hour),
			PurgeSchedule: getenv("IDEMPOTENCY_PURGE_SCHEDULE", "@every 1h"),
		},
		Worker: Worker{
			Concurrency:     getenvInt("WORKER_CONCURRENCY", 4),
			MaxAttempts:     getenvInt("MAX_ATTEMPTS", 6),
			BackoffSchedule: parseBackoffSchedule(getenv("BACKOFF_SCHEDULE", "")),
			JitterPercent:   getenvFloat("BACKOFF_JITTER_PCT", 0.25),
			IdleInterval:    getenvDuration("WORKER_IDLE_INTERVAL", 1*time.Second),
			SendTimeout:     getenvDuration("WORKER_SEND_TIMEOUT", 10*time.Second),
			HTTPPort:        ":" + getenv("WORKER_HTTP_PORT", "8083"),
			MonitorInterval: getenvDuration("WORKER_MONITOR_INTERVAL", 15*time.Second),
		},
		Mailer: Mailer{
			BaseURL:    strings.TrimRight(getenv("MAILER_BASE_URL", "http://fake-mailer:8081"), "/"),
			Sender:     getenv("MAILER_SENDER", "newsletter@harbormail.local"),
			Token:      getenv("MAILER_TOKEN", ""),
			Timeout:    getenvDuration("MAILER_TIMEOUT", 10*time.Second),
			RatePerSec: getenvFloat("MAILER_RATE_PER_SEC", 50),
			Burst:      getenvInt("MAILER_BURST", 10),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			DLQTopic:       getenv("NSQ_DLQ_TOPIC", "deliveries_dlq"),
			DLQChannel:     getenv("NSQ_DLQ_CHANNEL", "dlq_monitor"),
			PublishDLQ:     getenvBool("PUBLISH_DLQ_TOPIC", false),
		},
		FakeMailer: FakeMailer{
			FailFirstN:    getenvInt("FAIL_FIRST_N", 0),
			RejectDomains: getenvList("REJECT_DOMAINS"),
			ServerToken:   getenv("FAKE_MAILER_TOKEN", ""),
			ResponseDelay: getenvDuration("RESPONSE_DELAY", 0),
			Port:          getenv("FAKE_MAILER_PORT", ":8081"),
			ReadTimeout:   getenvDuration("FAKE_MAILER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:  getenvDuration("FAKE_MAILER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:   getenvDuration("FAKE_MAILER_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}

// PublicKey returns the PEM used to verify owner tokens, reading the key file when set.
func (a Auth) PublicKey() (string, error) {
	if a.PublicKeyPEM != "" {
		return a.PublicKeyPEM, nil
	}
	if a.PublicKeyFile == "" {
		return "", fmt.Errorf("JWT_PUBLIC_KEY or JWT_PUBLIC_KEY_FILE is required")
	}
	b, err := os.ReadFile(a.PublicKeyFile)
	if err != nil {
		return "", fmt.Errorf("read public key: %w", err)
	}
	return string(b), nil
}
