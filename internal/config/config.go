package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds whiteboard-hub configuration (shape as the streaming-service
// template it was generalized from).
type Config struct {
	AppEnv   string // APP_ENV
	AppHost  string // APP_HOST
	HTTPPort string // APP_PORT or HTTP_PORT
	LogLevel string // LOG_LEVEL

	// PostgreSQL (nested as in template)
	DB struct {
		Host     string
		Port     string
		User     string
		Password string
		Database string
		SSLMode  string
	}

	// CORSOrigin is the allowed origin for the REST surface (§6.4 cors_origin).
	CORSOrigin string

	// WebSocket
	WSReadBufferSize  int
	WSWriteBufferSize int
	MaxFrameBytes     int64 // §6.4 max_frame_bytes, default 1 MiB

	// Room / document lifecycle (§6.4)
	SnapshotInterval time.Duration // snapshot_interval, default 30s
	SnapshotKeep     int           // snapshot_keep, default 10
	IdleDestroyGrace time.Duration // idle_destroy_grace, default 60s

	// Session (§6.4)
	OutboundQueue     int           // outbound_queue, default 256
	ApplyQueue        int           // apply_queue, default 1024
	HeartbeatInterval time.Duration // heartbeat_interval, default 30s
	IdleTimeout       time.Duration // idle_timeout, default 90s
	WriteDeadline     time.Duration // write deadline, default 10s (§5)
	ShutdownDrain     time.Duration // shutdown_drain, default 5s

	// Optional cross-process fan-out relay (§ DOMAIN STACK: redis)
	RedisAddr string

	// Optional durable buffer for stats samples the store briefly rejects
	// (§ DOMAIN STACK: bbolt).
	StatsBufferPath string

	// WSBaseURL is returned in room responses for constructing the client's
	// websocket URL.
	WSBaseURL string
}

// Load loads config from environment (.env if present).
func Load() (*Config, error) {
	_ = godotenv.Load()

	readBuf, _ := strconv.Atoi(getEnv("WS_READ_BUFFER_SIZE", "4096"))
	writeBuf, _ := strconv.Atoi(getEnv("WS_WRITE_BUFFER_SIZE", "4096"))
	maxFrame, _ := strconv.ParseInt(getEnv("MAX_FRAME_BYTES", "1048576"), 10, 64)
	snapshotKeep, _ := strconv.Atoi(getEnv("SNAPSHOT_KEEP", "10"))
	outboundQueue, _ := strconv.Atoi(getEnv("OUTBOUND_QUEUE", "256"))
	applyQueue, _ := strconv.Atoi(getEnv("APPLY_QUEUE", "1024"))

	snapshotInterval := durationEnv("SNAPSHOT_INTERVAL", 30*time.Second)
	idleDestroyGrace := durationEnv("IDLE_DESTROY_GRACE", 60*time.Second)
	heartbeatInterval := durationEnv("HEARTBEAT_INTERVAL", 30*time.Second)
	idleTimeout := durationEnv("IDLE_TIMEOUT", 90*time.Second)
	writeDeadline := durationEnv("WRITE_DEADLINE", 10*time.Second)
	shutdownDrain := durationEnv("SHUTDOWN_DRAIN", 5*time.Second)

	cfg := &Config{
		AppEnv:            getEnv("APP_ENV", "development"),
		AppHost:           getEnv("APP_HOST", "0.0.0.0"),
		HTTPPort:          firstEnv("APP_PORT", "HTTP_PORT", "8090"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		CORSOrigin:        getEnv("CORS_ORIGIN", "*"),
		WSReadBufferSize:  readBuf,
		WSWriteBufferSize: writeBuf,
		MaxFrameBytes:     maxFrame,
		SnapshotInterval:  snapshotInterval,
		SnapshotKeep:      snapshotKeep,
		IdleDestroyGrace:  idleDestroyGrace,
		OutboundQueue:     outboundQueue,
		ApplyQueue:        applyQueue,
		HeartbeatInterval: heartbeatInterval,
		IdleTimeout:       idleTimeout,
		WriteDeadline:     writeDeadline,
		ShutdownDrain:     shutdownDrain,
		RedisAddr:         getEnv("REDIS_ADDR", ""),
		StatsBufferPath:   getEnv("STATS_BUFFER_PATH", ""),
		WSBaseURL:         getEnv("WS_BASE_URL", ""),
	}
	cfg.DB.Host = getEnv("DB_HOST", "localhost")
	cfg.DB.Port = getEnv("DB_PORT", "5432")
	cfg.DB.User = getEnv("DB_USER", "postgres")
	cfg.DB.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.DB.Database = getEnv("DB_DATABASE", "whiteboard_hub")
	cfg.DB.SSLMode = getEnv("DB_SSLMODE", "disable")
	return cfg, nil
}

// Validate checks required fields and production safety.
func (c *Config) Validate() error {
	if c.DB.Host == "" {
		return errors.New("config: DB_HOST is required")
	}
	if c.DB.User == "" {
		return errors.New("config: DB_USER is required")
	}
	if c.DB.Database == "" {
		return errors.New("config: DB_DATABASE is required")
	}
	if c.AppEnv == "production" && c.DB.Password == "" {
		return errors.New("config: in production DB_PASSWORD is required")
	}
	if c.SnapshotKeep < 1 {
		return errors.New("config: SNAPSHOT_KEEP must be >= 1")
	}
	return nil
}

// DSN returns the PostgreSQL connection string for GORM.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Database, c.DB.SSLMode)
}

// DatabaseURL returns the postgres URL for golang-migrate.
func (c *Config) DatabaseURL() string {
	pass := url.QueryEscape(c.DB.Password)
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DB.User, pass, c.DB.Host, c.DB.Port, c.DB.Database, c.DB.SSLMode)
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return c.AppHost + ":" + c.HTTPPort
}

func firstEnv(keysAndDef ...string) string {
	if len(keysAndDef) == 0 {
		return ""
	}
	def := keysAndDef[len(keysAndDef)-1]
	keys := keysAndDef[:len(keysAndDef)-1]
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	seconds, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(seconds) * time.Second
}
