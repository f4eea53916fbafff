package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hitoshi/dealwatch/internal/model"
)

func setRequiredEnvVars(t *testing.T) {
	t.Helper()
	t.Setenv("EBAY_CLIENT_ID", "test-client-id")
	t.Setenv("EBAY_CLIENT_SECRET", "test-client-secret")
}

func TestLoad_AllRequiredVarsSet_ReturnsConfig(t *testing.T) {
	setRequiredEnvVars(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.EbayClientID != "test-client-id" {
		t.Errorf("EbayClientID = %q, want %q", cfg.EbayClientID, "test-client-id")
	}
	if cfg.EbayClientSecret != "test-client-secret" {
		t.Errorf("EbayClientSecret = %q, want %q", cfg.EbayClientSecret, "test-client-secret")
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	setRequiredEnvVars(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	// eBay API defaults
	if cfg.TokenURL != "https://api.ebay.com/identity/v1/oauth2/token" {
		t.Errorf("TokenURL = %q, want production token endpoint", cfg.TokenURL)
	}
	if cfg.APIBaseURL != "https://api.ebay.com" {
		t.Errorf("APIBaseURL = %q, want %q", cfg.APIBaseURL, "https://api.ebay.com")
	}
	if cfg.MarketplaceID != "EBAY_US" {
		t.Errorf("MarketplaceID = %q, want %q", cfg.MarketplaceID, "EBAY_US")
	}
	if cfg.CampaignID != "" {
		t.Errorf("CampaignID = %q, want empty default", cfg.CampaignID)
	}

	// Quota defaults
	if cfg.DailyCallLimit != 4500 {
		t.Errorf("DailyCallLimit = %d, want %d", cfg.DailyCallLimit, 4500)
	}
	if cfg.CallBuffer != 100 {
		t.Errorf("CallBuffer = %d, want %d", cfg.CallBuffer, 100)
	}
	if cfg.QuotaSyncInterval != 30*time.Minute {
		t.Errorf("QuotaSyncInterval = %v, want %v", cfg.QuotaSyncInterval, 30*time.Minute)
	}
	if cfg.PostResetWindow != 10*time.Minute {
		t.Errorf("PostResetWindow = %v, want %v", cfg.PostResetWindow, 10*time.Minute)
	}

	// Cycle defaults
	if cfg.MinCycleInterval != 30*time.Second {
		t.Errorf("MinCycleInterval = %v, want %v", cfg.MinCycleInterval, 30*time.Second)
	}
	if cfg.MaxCycleInterval != 15*time.Minute {
		t.Errorf("MaxCycleInterval = %v, want %v", cfg.MaxCycleInterval, 15*time.Minute)
	}
	if cfg.CallInterval != time.Second {
		t.Errorf("CallInterval = %v, want %v", cfg.CallInterval, time.Second)
	}

	// Seen-item defaults
	if cfg.SeenMaxAgeDays != 14 {
		t.Errorf("SeenMaxAgeDays = %d, want %d", cfg.SeenMaxAgeDays, 14)
	}
	if cfg.SeenMaxEntries != 50000 {
		t.Errorf("SeenMaxEntries = %d, want %d", cfg.SeenMaxEntries, 50000)
	}

	// HTTP defaults
	if cfg.HTTPTimeout != 15*time.Second {
		t.Errorf("HTTPTimeout = %v, want %v", cfg.HTTPTimeout, 15*time.Second)
	}
	if cfg.TokenExpiryMargin != 5*time.Minute {
		t.Errorf("TokenExpiryMargin = %v, want %v", cfg.TokenExpiryMargin, 5*time.Minute)
	}

	// State file defaults derive from StateDir
	if cfg.ShutdownFile != filepath.Join("./state", "shutdown.signal") {
		t.Errorf("ShutdownFile = %q, want under STATE_DIR", cfg.ShutdownFile)
	}
	if cfg.HeartbeatFile != filepath.Join("./state", "heartbeat.json") {
		t.Errorf("HeartbeatFile = %q, want under STATE_DIR", cfg.HeartbeatFile)
	}

	// Failure alerting defaults
	if cfg.FailureAlertThreshold != 3 {
		t.Errorf("FailureAlertThreshold = %d, want %d", cfg.FailureAlertThreshold, 3)
	}
	if cfg.FailureAlertCooldown != time.Hour {
		t.Errorf("FailureAlertCooldown = %v, want %v", cfg.FailureAlertCooldown, time.Hour)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	setRequiredEnvVars(t)

	t.Setenv("EBAY_API_BASE_URL", "https://api.sandbox.ebay.com")
	t.Setenv("EBAY_MARKETPLACE_ID", "EBAY_DE")
	t.Setenv("DAILY_CALL_LIMIT", "1000")
	t.Setenv("CALL_BUFFER", "50")
	t.Setenv("MIN_CYCLE_INTERVAL", "1m")
	t.Setenv("MAX_CYCLE_INTERVAL", "30m")
	t.Setenv("SEEN_MAX_AGE_DAYS", "7")
	t.Setenv("SEEN_MAX_ENTRIES", "1000")
	t.Setenv("HTTP_TIMEOUT", "30s")
	t.Setenv("OPS_LISTEN_ADDR", ":9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.APIBaseURL != "https://api.sandbox.ebay.com" {
		t.Errorf("APIBaseURL = %q, want sandbox URL", cfg.APIBaseURL)
	}
	if cfg.MarketplaceID != "EBAY_DE" {
		t.Errorf("MarketplaceID = %q, want %q", cfg.MarketplaceID, "EBAY_DE")
	}
	if cfg.DailyCallLimit != 1000 {
		t.Errorf("DailyCallLimit = %d, want %d", cfg.DailyCallLimit, 1000)
	}
	if cfg.CallBuffer != 50 {
		t.Errorf("CallBuffer = %d, want %d", cfg.CallBuffer, 50)
	}
	if cfg.MinCycleInterval != time.Minute {
		t.Errorf("MinCycleInterval = %v, want %v", cfg.MinCycleInterval, time.Minute)
	}
	if cfg.MaxCycleInterval != 30*time.Minute {
		t.Errorf("MaxCycleInterval = %v, want %v", cfg.MaxCycleInterval, 30*time.Minute)
	}
	if cfg.SeenMaxAgeDays != 7 {
		t.Errorf("SeenMaxAgeDays = %d, want %d", cfg.SeenMaxAgeDays, 7)
	}
	if cfg.SeenMaxEntries != 1000 {
		t.Errorf("SeenMaxEntries = %d, want %d", cfg.SeenMaxEntries, 1000)
	}
	if cfg.HTTPTimeout != 30*time.Second {
		t.Errorf("HTTPTimeout = %v, want %v", cfg.HTTPTimeout, 30*time.Second)
	}
	if cfg.OpsListenAddr != ":9090" {
		t.Errorf("OpsListenAddr = %q, want %q", cfg.OpsListenAddr, ":9090")
	}
}

func TestLoad_MissingClientID_ReturnsError(t *testing.T) {
	setRequiredEnvVars(t)
	t.Setenv("EBAY_CLIENT_ID", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for missing EBAY_CLIENT_ID, got nil")
	}
}

func TestLoad_MissingClientSecret_ReturnsError(t *testing.T) {
	setRequiredEnvVars(t)
	t.Setenv("EBAY_CLIENT_SECRET", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for missing EBAY_CLIENT_SECRET, got nil")
	}
}

// --- LoadSearches ---

func writeSearchesFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "searches.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadSearches_ValidFile(t *testing.T) {
	path := writeSearchesFile(t, `[
		{
			"name": "vintage-receiver",
			"query": "marantz receiver",
			"minPrice": 50,
			"maxPrice": 400,
			"condition": "used_good",
			"freeShippingOnly": true,
			"excludeWords": ["parts", "repair"],
			"enabled": true
		},
		{
			"name": "turntable",
			"query": "technics turntable",
			"minPrice": 100,
			"maxPrice": 800,
			"enabled": false
		}
	]`)

	specs, err := LoadSearches(path)
	if err != nil {
		t.Fatalf("LoadSearches failed: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("len(specs) = %d, want 2", len(specs))
	}
	if specs[0].Name != "vintage-receiver" {
		t.Errorf("specs[0].Name = %q, want %q", specs[0].Name, "vintage-receiver")
	}
	if specs[0].Condition != model.ConditionUsedGood {
		t.Errorf("specs[0].Condition = %q, want %q", specs[0].Condition, model.ConditionUsedGood)
	}
	// condition省略時はanyに正規化される
	if specs[1].Condition != model.ConditionAny {
		t.Errorf("specs[1].Condition = %q, want %q", specs[1].Condition, model.ConditionAny)
	}
	if specs[1].Enabled {
		t.Error("specs[1].Enabled = true, want false")
	}
}

func TestLoadSearches_MissingFile_ReturnsError(t *testing.T) {
	_, err := LoadSearches(filepath.Join(t.TempDir(), "nope.json"))
	if err == nil {
		t.Fatal("expected error for missing searches file")
	}
}

func TestLoadSearches_InvalidJSON_ReturnsError(t *testing.T) {
	path := writeSearchesFile(t, `[{"name": "broken"`)
	_, err := LoadSearches(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoadSearches_EmptyList_ReturnsError(t *testing.T) {
	path := writeSearchesFile(t, `[]`)
	_, err := LoadSearches(path)
	if err == nil {
		t.Fatal("expected error for empty spec list")
	}
}

func TestLoadSearches_InvalidPriceBand_ReturnsError(t *testing.T) {
	path := writeSearchesFile(t, `[
		{"name": "bad", "query": "x", "minPrice": 100, "maxPrice": 50, "enabled": true}
	]`)
	_, err := LoadSearches(path)
	if err == nil {
		t.Fatal("expected error for maxPrice < minPrice")
	}
}

func TestLoadSearches_DuplicateName_ReturnsError(t *testing.T) {
	path := writeSearchesFile(t, `[
		{"name": "dup", "query": "a", "minPrice": 0, "maxPrice": 10, "enabled": true},
		{"name": "dup", "query": "b", "minPrice": 0, "maxPrice": 10, "enabled": true}
	]`)
	_, err := LoadSearches(path)
	if err == nil {
		t.Fatal("expected error for duplicate spec name")
	}
}

func TestLoadSearches_UnknownCondition_ReturnsError(t *testing.T) {
	path := writeSearchesFile(t, `[
		{"name": "bad-cond", "query": "x", "minPrice": 0, "maxPrice": 10, "condition": "mint", "enabled": true}
	]`)
	_, err := LoadSearches(path)
	if err == nil {
		t.Fatal("expected error for unknown condition")
	}
}
