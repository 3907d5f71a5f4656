package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// 開発用のデフォルト署名鍵。APP_ENV=production では使用できない。
const (
	devAccessSecret     = "dev-access-secret"
	devRefreshSecret    = "dev-refresh-secret"
	devOAuthStateSecret = "dev-oauth-state-secret"
)

// OAuthProviderConfig は1つのOAuthプロバイダーのクライアント設定。
type OAuthProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Enabled はクライアントIDとシークレットが揃っているかを返す。
func (c OAuthProviderConfig) Enabled() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	Environment string

	// Server
	Port        string
	FrontendURL string

	// Database / Cache
	DatabaseURL string
	RedisURL    string

	// Token
	JWTAccessSecret  string
	JWTRefreshSecret string
	AccessTokenTTL   time.Duration
	RefreshTokenTTL  time.Duration

	// OAuth
	OAuthStateSecret string
	OAuthHTTPTimeout time.Duration
	Google           OAuthProviderConfig
	GitHub           OAuthProviderConfig

	// Automation
	AutomationBaseURL string
	AutomationTimeout time.Duration

	// Command
	AllowAnonymousCommands bool
	DevLoginEnabled        bool
	RateLimitCommand       int // req/min

	// Cleanup worker
	CommandLogRetentionDays int
	CleanupInterval         time.Duration

	// Logging
	LogLevel  string
	LogFormat string

	// Cookie / CORS
	CookieSecure      bool
	CORSAllowedOrigin string
}

// IsProduction は本番環境で起動しているかを返す。
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はまとめてエラーを返す。
// 署名鍵は開発環境では固定のデフォルト値にフォールバックするが、本番環境では必須とする。
func Load() (*Config, error) {
	cfg := &Config{}
	var missing []string

	cfg.Environment = getEnvString("APP_ENV", "development")

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.JWTAccessSecret = secret("JWT_ACCESS_SECRET", devAccessSecret, cfg.IsProduction(), &missing)
	cfg.JWTRefreshSecret = secret("JWT_REFRESH_SECRET", devRefreshSecret, cfg.IsProduction(), &missing)
	cfg.OAuthStateSecret = secret("OAUTH_STATE_SECRET", devOAuthStateSecret, cfg.IsProduction(), &missing)

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if cfg.JWTAccessSecret == cfg.JWTRefreshSecret {
		return nil, fmt.Errorf("JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must differ")
	}

	cfg.Port = getEnvString("PORT", "3001")
	cfg.FrontendURL = strings.TrimRight(getEnvString("FRONTEND_URL", "http://localhost:3000"), "/")
	cfg.RedisURL = getEnvString("REDIS_URL", "")

	cfg.AccessTokenTTL = getEnvDuration("ACCESS_TOKEN_TTL", 15*time.Minute)
	cfg.RefreshTokenTTL = getEnvDuration("REFRESH_TOKEN_TTL", 7*24*time.Hour)

	cfg.OAuthHTTPTimeout = getEnvDuration("OAUTH_HTTP_TIMEOUT", 10*time.Second)
	cfg.Google = OAuthProviderConfig{
		ClientID:     getEnvString("GOOGLE_CLIENT_ID", ""),
		ClientSecret: getEnvString("GOOGLE_CLIENT_SECRET", ""),
		RedirectURL:  getEnvString("GOOGLE_REDIRECT_URL", "http://localhost:3001/api/auth/google/callback"),
	}
	cfg.GitHub = OAuthProviderConfig{
		ClientID:     getEnvString("GITHUB_CLIENT_ID", ""),
		ClientSecret: getEnvString("GITHUB_CLIENT_SECRET", ""),
		RedirectURL:  getEnvString("GITHUB_REDIRECT_URL", "http://localhost:3001/api/auth/github/callback"),
	}

	cfg.AutomationBaseURL = strings.TrimRight(getEnvString("AUTOMATION_BASE_URL", "http://localhost:8000"), "/")
	cfg.AutomationTimeout = getEnvDuration("AUTOMATION_TIMEOUT", 10*time.Second)

	cfg.AllowAnonymousCommands = getEnvBool("ALLOW_ANONYMOUS_COMMANDS", true)
	cfg.DevLoginEnabled = getEnvBool("DEV_LOGIN_ENABLED", !cfg.IsProduction())
	cfg.RateLimitCommand = getEnvInt("RATE_LIMIT_COMMAND", 60)

	cfg.CommandLogRetentionDays = getEnvInt("COMMAND_LOG_RETENTION_DAYS", 90)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", time.Hour)

	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.LogFormat = getEnvString("LOG_FORMAT", "json")

	cfg.CookieSecure = strings.HasPrefix(cfg.FrontendURL, "https://")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", cfg.FrontendURL)

	return cfg, nil
}

// secret は署名鍵を読み込む。本番環境で未設定の場合はmissingに追加する。
func secret(key, devDefault string, production bool, missing *[]string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if production {
		*missing = append(*missing, key)
		return ""
	}
	return devDefault
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

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
