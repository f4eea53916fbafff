package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hitoshi/dealwatch/internal/model"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// eBay API
	EbayClientID     string
	EbayClientSecret string
	TokenURL         string
	APIBaseURL       string
	OAuthScope       string
	MarketplaceID    string
	CampaignID       string

	// State
	StateDir      string
	SearchesFile  string
	ShutdownFile  string
	HeartbeatFile string

	// Quota
	DailyCallLimit    int
	CallBuffer        int
	QuotaSyncInterval time.Duration
	PostResetWindow   time.Duration

	// Cycle
	MinCycleInterval time.Duration
	MaxCycleInterval time.Duration
	CallInterval     time.Duration

	// Seen items
	SeenMaxAgeDays int
	SeenMaxEntries int

	// HTTP
	HTTPTimeout       time.Duration
	TokenExpiryMargin time.Duration

	// Ops server
	OpsListenAddr string

	// Update check
	UpdateCheckInterval  time.Duration
	UpdateFeedURL        string
	UpdateDeprecationURL string

	// Failure alerting
	FailureAlertThreshold int
	FailureAlertCooldown  time.Duration

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.EbayClientID = os.Getenv("EBAY_CLIENT_ID")
	if cfg.EbayClientID == "" {
		missing = append(missing, "EBAY_CLIENT_ID")
	}

	cfg.EbayClientSecret = os.Getenv("EBAY_CLIENT_SECRET")
	if cfg.EbayClientSecret == "" {
		missing = append(missing, "EBAY_CLIENT_SECRET")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.TokenURL = getEnvString("EBAY_TOKEN_URL", "https://api.ebay.com/identity/v1/oauth2/token")
	cfg.APIBaseURL = getEnvString("EBAY_API_BASE_URL", "https://api.ebay.com")
	cfg.OAuthScope = getEnvString("EBAY_OAUTH_SCOPE", "https://api.ebay.com/oauth/api_scope")
	cfg.MarketplaceID = getEnvString("EBAY_MARKETPLACE_ID", "EBAY_US")
	cfg.CampaignID = getEnvString("EBAY_CAMPAIGN_ID", "")
	cfg.StateDir = getEnvString("STATE_DIR", "./state")
	cfg.SearchesFile = getEnvString("SEARCHES_FILE", "./searches.json")
	cfg.ShutdownFile = getEnvString("SHUTDOWN_FILE", filepath.Join(cfg.StateDir, "shutdown.signal"))
	cfg.HeartbeatFile = getEnvString("HEARTBEAT_FILE", filepath.Join(cfg.StateDir, "heartbeat.json"))
	cfg.DailyCallLimit = getEnvInt("DAILY_CALL_LIMIT", 4500)
	cfg.CallBuffer = getEnvInt("CALL_BUFFER", 100)
	cfg.QuotaSyncInterval = getEnvDuration("QUOTA_SYNC_INTERVAL", 30*time.Minute)
	cfg.PostResetWindow = getEnvDuration("POST_RESET_WINDOW", 10*time.Minute)
	cfg.MinCycleInterval = getEnvDuration("MIN_CYCLE_INTERVAL", 30*time.Second)
	cfg.MaxCycleInterval = getEnvDuration("MAX_CYCLE_INTERVAL", 15*time.Minute)
	cfg.CallInterval = getEnvDuration("CALL_INTERVAL", time.Second)
	cfg.SeenMaxAgeDays = getEnvInt("SEEN_MAX_AGE_DAYS", 14)
	cfg.SeenMaxEntries = getEnvInt("SEEN_MAX_ENTRIES", 50000)
	cfg.HTTPTimeout = getEnvDuration("HTTP_TIMEOUT", 15*time.Second)
	cfg.TokenExpiryMargin = getEnvDuration("TOKEN_EXPIRY_MARGIN", 5*time.Minute)
	cfg.OpsListenAddr = getEnvString("OPS_LISTEN_ADDR", ":8080")
	cfg.UpdateCheckInterval = getEnvDuration("UPDATE_CHECK_INTERVAL", 720*time.Hour)
	cfg.UpdateFeedURL = getEnvString("UPDATE_FEED_URL", "https://developer.ebay.com/rss/announcements")
	cfg.UpdateDeprecationURL = getEnvString("UPDATE_DEPRECATION_URL", "https://developer.ebay.com/develop/apis/api-deprecation-status")
	cfg.FailureAlertThreshold = getEnvInt("FAILURE_ALERT_THRESHOLD", 3)
	cfg.FailureAlertCooldown = getEnvDuration("FAILURE_ALERT_COOLDOWN", time.Hour)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	return cfg, nil
}

// LoadSearches は検索スペック設定ファイル（JSON配列）を読み込んで検証する。
// 1件でも不正なスペックがあればエラーを返し、起動を失敗させる。
func LoadSearches(path string) ([]model.SearchSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read searches file %s: %w", path, err)
	}

	var specs []model.SearchSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("failed to parse searches file %s: %w", path, err)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("searches file %s contains no specs", path)
	}

	names := make(map[string]bool, len(specs))
	for i := range specs {
		if err := specs[i].Validate(); err != nil {
			return nil, fmt.Errorf("invalid search spec at index %d: %w", i, err)
		}
		if names[specs[i].Name] {
			return nil, fmt.Errorf("duplicate search spec name: %q", specs[i].Name)
		}
		names[specs[i].Name] = true
	}
	return specs, nil
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
