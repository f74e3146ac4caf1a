package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ストアの種類
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// スラッグ割り当て方式
const (
	SlugStrategyService = "service"
	SlugStrategyName    = "name"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Store
	StoreDriver string
	DatabaseURL string

	// Event stream
	RedisURL           string
	StreamPrefix       string
	StreamMaxLen       int64
	RelayInterval      time.Duration
	RelayBatchSize     int
	RelayLockTTL       time.Duration
	EventRetentionDays int
	CleanupInterval    time.Duration

	// Google
	GoogleClientID     string
	GoogleDiscoveryURL string

	// Collaborators
	SlugServiceURL       string
	SlugStrategy         string
	PictureServiceURL    string
	PictureAllowedHosts  []string
	ServiceTimeout       time.Duration
	PictureImportTimeout time.Duration

	// Session
	SessionMaxAge int

	// Rate Limit
	RateLimitGeneral int
	RateLimitLogin   int

	// Admin
	AdminToken string

	// Logging
	LogLevel string

	// Server
	ServerPort string
	BaseURL    string
	TrustProxy bool

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合や値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.StoreDriver = getEnvString("STORE_DRIVER", StoreDriverPostgres)
	switch cfg.StoreDriver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		return nil, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreDriverPostgres, StoreDriverMemory, cfg.StoreDriver)
	}

	cfg.SlugStrategy = getEnvString("SLUG_STRATEGY", SlugStrategyService)
	switch cfg.SlugStrategy {
	case SlugStrategyService, SlugStrategyName:
	default:
		return nil, fmt.Errorf("SLUG_STRATEGY must be %q or %q, got %q", SlugStrategyService, SlugStrategyName, cfg.SlugStrategy)
	}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" && cfg.StoreDriver == StoreDriverPostgres {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
	if cfg.GoogleClientID == "" {
		missing = append(missing, "GOOGLE_CLIENT_ID")
	}

	cfg.SlugServiceURL = os.Getenv("SLUG_SERVICE_URL")
	if cfg.SlugServiceURL == "" {
		missing = append(missing, "SLUG_SERVICE_URL")
	}

	cfg.PictureServiceURL = os.Getenv("PICTURE_SERVICE_URL")
	if cfg.PictureServiceURL == "" {
		missing = append(missing, "PICTURE_SERVICE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.RedisURL = getEnvString("REDIS_URL", "")
	cfg.StreamPrefix = getEnvString("STREAM_PREFIX", "googlelogin")
	cfg.StreamMaxLen = getEnvInt64("STREAM_MAX_LEN", 100000)
	cfg.RelayInterval = getEnvDuration("RELAY_INTERVAL", 2*time.Second)
	cfg.RelayBatchSize = getEnvInt("RELAY_BATCH_SIZE", 100)
	cfg.RelayLockTTL = getEnvDuration("RELAY_LOCK_TTL", 30*time.Second)
	cfg.EventRetentionDays = getEnvInt("EVENT_RETENTION_DAYS", 30)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 24*time.Hour)
	cfg.GoogleDiscoveryURL = getEnvString("GOOGLE_DISCOVERY_URL", "")
	cfg.PictureAllowedHosts = getEnvList("PICTURE_ALLOWED_HOSTS", []string{"googleusercontent.com"})
	cfg.ServiceTimeout = getEnvDuration("SERVICE_TIMEOUT", 10*time.Second)
	cfg.PictureImportTimeout = getEnvDuration("PICTURE_IMPORT_TIMEOUT", 30*time.Second)
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 30*24*60*60)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitLogin = getEnvInt("RATE_LIMIT_LOGIN", 30)
	cfg.AdminToken = getEnvString("ADMIN_TOKEN", "")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.BaseURL = getEnvString("BASE_URL", "http://localhost:8080")
	cfg.TrustProxy = getEnvBool("TRUST_PROXY", false)
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

// getEnvList はカンマ区切りの値を空要素を除いて返す。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
