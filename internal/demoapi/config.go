package demoapi

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultListenAddr           = ":9090"
	defaultLedgerAddr           = "localhost:7000"
	defaultAllowedOrigin        = "http://localhost:8000"
	defaultSessionIssuer        = "tauth"
	defaultSessionCookie        = "app_session"
	defaultTAuthBaseURL         = "http://localhost:8080"
	defaultLedgerTimeout        = 3 * time.Second
	defaultWelcomeBonus   int64 = 20
	defaultImageCost      int64 = 5
	defaultMaxImages            = 4
	defaultRequestsPerMin       = 60
	defaultRateBurst            = 10
	minPurchaseCredits    int64 = 5
	purchaseStep          int64 = 5
	walletHistoryLimit          = 10
)

// Config aggregates runtime settings for the demo API.
type Config struct {
	ListenAddr        string
	LedgerAddress     string
	LedgerInsecure    bool
	LedgerTimeout     time.Duration
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	TAuthBaseURL      string
	WelcomeBonus      int64
	ImageCost         int64
	MaxImages         int
	RequestsPerMinute int
	RateBurst         int
}

// Validate fills defaults and rejects values the façade cannot run with.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.LedgerAddress = defaultIfEmpty(cfg.LedgerAddress, defaultLedgerAddr)
	if cfg.LedgerTimeout <= 0 {
		cfg.LedgerTimeout = defaultLedgerTimeout
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.TAuthBaseURL = defaultIfEmpty(cfg.TAuthBaseURL, defaultTAuthBaseURL)
	if cfg.WelcomeBonus == 0 {
		cfg.WelcomeBonus = defaultWelcomeBonus
	}
	if cfg.ImageCost == 0 {
		cfg.ImageCost = defaultImageCost
	}
	if cfg.MaxImages == 0 {
		cfg.MaxImages = defaultMaxImages
	}
	if cfg.RequestsPerMinute == 0 {
		cfg.RequestsPerMinute = defaultRequestsPerMin
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = defaultRateBurst
	}
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	if cfg.WelcomeBonus < 0 {
		return fmt.Errorf("welcome bonus must not be negative")
	}
	if cfg.ImageCost < 0 {
		return fmt.Errorf("image cost must be positive")
	}
	if cfg.MaxImages < 0 {
		return fmt.Errorf("max images must be positive")
	}
	if cfg.RequestsPerMinute < 0 || cfg.RateBurst < 0 {
		return fmt.Errorf("rate limit must be positive")
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
