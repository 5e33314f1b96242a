// Package config assembles runtime configuration from the environment
// plus an optional YAML gateway file. Secrets only ever arrive through
// the environment or the YAML file; nothing here logs or re-emits them.
package config

import (
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/yourorg/checkout-payments/internal/gateway"
	"github.com/yourorg/checkout-payments/internal/policy"
)

// Config is the fully resolved process configuration.
type Config struct {
	ListenAddr string
	// DatabaseURL enables the PostgreSQL session store when set;
	// otherwise sessions live in memory.
	DatabaseURL string
	// RedisURL enables cluster-wide webhook dedup when set.
	RedisURL string
	// EncryptionKey decrypts company-owned credential blobs. 32 bytes.
	EncryptionKey []byte
	// Gateways holds static process-level credentials, the last rung of
	// the resolver's precedence ladder.
	Gateways map[gateway.Type]gateway.Credentials
	// PolicyRules configure the policy enforcer.
	PolicyRules []policy.RuleConfig
	// EnableFallback turns on policy-gated provider fallback.
	EnableFallback bool
	// EnableTracing turns on stdout span export.
	EnableTracing bool
}

// gatewayFile is the YAML layout of the optional gateways file.
type gatewayFile struct {
	Gateways map[string]gateway.Credentials `yaml:"gateways"`
	Policies []policy.RuleConfig            `yaml:"policies"`
}

// Load reads configuration from the environment. CHECKOUT_GATEWAYS_FILE
// optionally points at a YAML file with static credentials and policy
// rules.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:     getEnv("CHECKOUT_LISTEN_ADDR", ":8080"),
		DatabaseURL:    os.Getenv("CHECKOUT_DATABASE_URL"),
		RedisURL:       os.Getenv("CHECKOUT_REDIS_URL"),
		EnableFallback: os.Getenv("CHECKOUT_ENABLE_FALLBACK") == "true",
		EnableTracing:  os.Getenv("CHECKOUT_ENABLE_TRACING") == "true",
		Gateways:       make(map[gateway.Type]gateway.Credentials),
	}

	if keyHex := os.Getenv("CHECKOUT_ENCRYPTION_KEY"); keyHex != "" {
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("CHECKOUT_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("CHECKOUT_ENCRYPTION_KEY must decode to 32 bytes, got %d", len(key))
		}
		cfg.EncryptionKey = key
	}

	if path := os.Getenv("CHECKOUT_GATEWAYS_FILE"); path != "" {
		if err := cfg.loadGatewayFile(path); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func (c *Config) loadGatewayFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read gateways file: %w", err)
	}
	var file gatewayFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse gateways file: %w", err)
	}

	for name, creds := range file.Gateways {
		gw := gateway.Type(name)
		if !knownGateway(gw) {
			return fmt.Errorf("gateways file: unknown gateway %q", name)
		}
		if creds.Environment == "" {
			return fmt.Errorf("gateways file: %s credentials missing environment", name)
		}
		c.Gateways[gw] = creds
	}
	c.PolicyRules = file.Policies
	return nil
}

func knownGateway(gw gateway.Type) bool {
	for _, t := range gateway.Types() {
		if t == gw {
			return true
		}
	}
	return false
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
