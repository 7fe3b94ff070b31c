package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
// 宛先ごとのメンバーシップルールはRulesFileが指すYAMLから別途読み込む。
type Config struct {
	// Database
	DatabaseURL string

	// Fanvue API
	FanvueAPIBase      string
	FanvueAuthBase     string
	FanvueClientID     string
	FanvueClientSecret string
	FanvueRefreshToken string

	// 連携先OAuth（アカウントリンク用）
	DestOAuthClientID     string
	DestOAuthClientSecret string
	DestOAuthRedirectURL  string
	DestOAuthScopes       string
	DestOAuthAuthURL      string
	DestOAuthTokenURL     string
	DestOAuthAccountURL   string

	// Rules
	RulesFile string

	// Reconcile
	PollInterval     time.Duration
	EnforceDelay     time.Duration
	ServiceAccountID string

	// Offer（アップセル案内）
	OfferMessage      string
	OfferEligibleSKUs []string
	UpsellOnBoost     bool

	// Server
	ServerPort string
	BaseURL    string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.FanvueClientID = os.Getenv("FANVUE_CLIENT_ID")
	if cfg.FanvueClientID == "" {
		missing = append(missing, "FANVUE_CLIENT_ID")
	}

	cfg.FanvueClientSecret = os.Getenv("FANVUE_CLIENT_SECRET")
	if cfg.FanvueClientSecret == "" {
		missing = append(missing, "FANVUE_CLIENT_SECRET")
	}

	cfg.DestOAuthClientID = os.Getenv("DEST_OAUTH_CLIENT_ID")
	if cfg.DestOAuthClientID == "" {
		missing = append(missing, "DEST_OAUTH_CLIENT_ID")
	}

	cfg.DestOAuthClientSecret = os.Getenv("DEST_OAUTH_CLIENT_SECRET")
	if cfg.DestOAuthClientSecret == "" {
		missing = append(missing, "DEST_OAUTH_CLIENT_SECRET")
	}

	cfg.DestOAuthRedirectURL = os.Getenv("DEST_OAUTH_REDIRECT_URL")
	if cfg.DestOAuthRedirectURL == "" {
		missing = append(missing, "DEST_OAUTH_REDIRECT_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.FanvueAPIBase = getEnvString("FANVUE_API_BASE", "https://api.fanvue.com")
	cfg.FanvueAuthBase = getEnvString("FANVUE_AUTH_BASE", "https://auth.fanvue.com/oauth2")
	cfg.FanvueRefreshToken = getEnvString("FANVUE_REFRESH_TOKEN", "")
	cfg.DestOAuthScopes = getEnvString("DEST_OAUTH_SCOPES", "identify guilds.join")
	cfg.DestOAuthAuthURL = getEnvString("DEST_OAUTH_AUTH_URL", "")
	cfg.DestOAuthTokenURL = getEnvString("DEST_OAUTH_TOKEN_URL", "")
	cfg.DestOAuthAccountURL = getEnvString("DEST_OAUTH_ACCOUNT_URL", "")
	cfg.RulesFile = getEnvString("RULES_FILE", "rules.yaml")
	cfg.PollInterval = getEnvDuration("POLL_INTERVAL", 5*time.Minute)
	cfg.EnforceDelay = getEnvDuration("ENFORCE_DELAY", time.Second)
	cfg.ServiceAccountID = getEnvString("SERVICE_ACCOUNT_ID", "")
	cfg.OfferMessage = getEnvString("OFFER_MESSAGE", "Thank you for your support!")
	cfg.OfferEligibleSKUs = getEnvList("OFFER_ELIGIBLE_SKUS")
	cfg.UpsellOnBoost = getEnvBool("UPSELL_ON_BOOST", false)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.BaseURL = getEnvString("BASE_URL", "http://localhost:8080")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
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
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvList はカンマ区切りの環境変数をスライスとして読み込む。
// 空要素は取り除く。未設定の場合はnilを返す。
func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
