package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// APIKeyConfig describes a single API key + secret pair accepted by the gateway.
type APIKeyConfig struct {
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

// Config captures runtime configuration for the escrow gateway service.
type Config struct {
	ListenAddress        string
	NodeURL              string
	NodeWSURL            string
	NodeAuthToken        string
	DatabasePath         string
	NonceDBPath          string
	AllowedTimestampSkew time.Duration
	NonceTTL             time.Duration
	NonceCapacity        int
	APIKeys              []APIKeyConfig
	RequestsPerMinute    float64
	RequestBurst         int
}

// LoadConfigFromEnv builds a configuration using environment variables.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		ListenAddress:        getenvDefault("DEALVAULT_GATEWAY_LISTEN", ":8646"),
		NodeURL:              os.Getenv("DEALVAULT_GATEWAY_NODE_URL"),
		NodeWSURL:            os.Getenv("DEALVAULT_GATEWAY_NODE_WS_URL"),
		NodeAuthToken:        os.Getenv("DEALVAULT_GATEWAY_NODE_TOKEN"),
		DatabasePath:         getenvDefault("DEALVAULT_GATEWAY_DB_PATH", "escrow-gateway.db"),
		NonceDBPath:          strings.TrimSpace(os.Getenv("DEALVAULT_GATEWAY_NONCE_DB_PATH")),
		AllowedTimestampSkew: 2 * time.Minute,
		NonceCapacity:        1024,
		RequestsPerMinute:    120,
		RequestBurst:         20,
	}

	if skew := strings.TrimSpace(os.Getenv("DEALVAULT_GATEWAY_TIMESTAMP_SKEW")); skew != "" {
		dur, err := time.ParseDuration(skew)
		if err != nil {
			return Config{}, fmt.Errorf("parse DEALVAULT_GATEWAY_TIMESTAMP_SKEW: %w", err)
		}
		cfg.AllowedTimestampSkew = dur
	}

	cfg.NonceTTL = 2 * cfg.AllowedTimestampSkew
	if raw := strings.TrimSpace(os.Getenv("DEALVAULT_GATEWAY_NONCE_TTL")); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse DEALVAULT_GATEWAY_NONCE_TTL: %w", err)
		}
		if dur <= 0 {
			return Config{}, errors.New("DEALVAULT_GATEWAY_NONCE_TTL must be positive")
		}
		cfg.NonceTTL = dur
	}
	if cfg.NonceTTL < cfg.AllowedTimestampSkew {
		cfg.NonceTTL = cfg.AllowedTimestampSkew
	}

	if raw := strings.TrimSpace(os.Getenv("DEALVAULT_GATEWAY_NONCE_CAP")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse DEALVAULT_GATEWAY_NONCE_CAP: %w", err)
		}
		if val <= 0 {
			return Config{}, errors.New("DEALVAULT_GATEWAY_NONCE_CAP must be positive")
		}
		cfg.NonceCapacity = val
	}

	if raw := strings.TrimSpace(os.Getenv("DEALVAULT_GATEWAY_RATE_LIMIT")); raw != "" {
		val, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse DEALVAULT_GATEWAY_RATE_LIMIT: %w", err)
		}
		if val <= 0 {
			return Config{}, errors.New("DEALVAULT_GATEWAY_RATE_LIMIT must be positive")
		}
		cfg.RequestsPerMinute = val
	}

	if raw := strings.TrimSpace(os.Getenv("DEALVAULT_GATEWAY_RATE_BURST")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse DEALVAULT_GATEWAY_RATE_BURST: %w", err)
		}
		if val <= 0 {
			return Config{}, errors.New("DEALVAULT_GATEWAY_RATE_BURST must be positive")
		}
		cfg.RequestBurst = val
	}

	if raw := strings.TrimSpace(os.Getenv("DEALVAULT_GATEWAY_API_KEYS")); raw != "" {
		var keys []APIKeyConfig
		if err := json.Unmarshal([]byte(raw), &keys); err != nil {
			return Config{}, fmt.Errorf("parse DEALVAULT_GATEWAY_API_KEYS: %w", err)
		}
		for _, key := range keys {
			if strings.TrimSpace(key.Key) == "" || strings.TrimSpace(key.Secret) == "" {
				return Config{}, errors.New("DEALVAULT_GATEWAY_API_KEYS entries require key and secret")
			}
		}
		cfg.APIKeys = keys
	}

	if cfg.NodeURL == "" {
		return Config{}, errors.New("DEALVAULT_GATEWAY_NODE_URL is required")
	}
	if cfg.NodeWSURL == "" {
		cfg.NodeWSURL = deriveWSURL(cfg.NodeURL)
	}
	if len(cfg.APIKeys) == 0 {
		return Config{}, errors.New("DEALVAULT_GATEWAY_API_KEYS is required")
	}

	return cfg, nil
}

// deriveWSURL maps the node's HTTP endpoint to its event stream endpoint.
func deriveWSURL(nodeURL string) string {
	trimmed := strings.TrimSuffix(strings.TrimSpace(nodeURL), "/")
	switch {
	case strings.HasPrefix(trimmed, "https://"):
		trimmed = "wss://" + strings.TrimPrefix(trimmed, "https://")
	case strings.HasPrefix(trimmed, "http://"):
		trimmed = "ws://" + strings.TrimPrefix(trimmed, "http://")
	}
	return trimmed + "/ws/events"
}

func getenvDefault(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}
