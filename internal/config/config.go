// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"execution-core/internal/core"

	"gopkg.in/yaml.v3"
)

// TradingMode is the process-wide execution mode.
type TradingMode string

const (
	ModeShadow TradingMode = "shadow"
	ModePaper  TradingMode = "paper"
	ModeLive   TradingMode = "live"
)

// SpreadThresholds holds the per-asset-class cost gate thresholds, expressed
// as a fraction (0.001 = 0.1%). These are the only tunables the optional
// YAML defaults overlay is allowed to supply; every field here still has an
// environment override per spec.
type SpreadThresholds struct {
	Equity float64 `yaml:"equity"`
	Forex  float64 `yaml:"forex"`
	Crypto float64 `yaml:"crypto"`
	Option float64 `yaml:"option"`
}

// OrderTimeouts holds the per-(asset-class, order-type) cancel timeout
// table used by the Recovery Loop, in seconds.
type OrderTimeouts struct {
	OptionsMarket int `yaml:"options_market"`
	OptionsLimit  int `yaml:"options_limit"`
	DefaultMarket int `yaml:"default_market"`
	DefaultLimit  int `yaml:"default_limit"`
}

// defaultsOverlay is the optional non-critical tunables file. Every field it
// carries can still be overridden by its corresponding environment variable.
type defaultsOverlay struct {
	SpreadThresholds SpreadThresholds `yaml:"spread_thresholds"`
	OrderTimeouts    OrderTimeouts    `yaml:"order_timeouts"`
	OrderStaleS      int              `yaml:"order_stale_s"`
}

// Config is the complete process configuration, assembled from environment
// variables with an optional YAML overlay supplying non-critical defaults.
type Config struct {
	Mode                  TradingMode
	ExecutionEnabled      bool
	ExecutionHalted       bool
	ExecGuardUnlock       bool
	ExecutionConfirmToken Secret
	BrokerBaseURL         string
	BrokerAPIKey          Secret
	SmartRoutingEnabled   bool
	MaxSpreadPctOverride  *float64
	SpreadThresholds      SpreadThresholds
	OrderTimeouts         OrderTimeouts
	OrderStaleS           int
	AdminKey              Secret
	LogLevel              string
	LedgerDBPath          string
	TrackerDBPath         string
	AdminListenAddr       string
	IngressListenAddr     string
	RecoveryTenants       []string
	RecoveryPollIntervalS int
	RecoveryPollWorkers   int
	ServiceName           string
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// defaultOverlay is used when no overlay file is present or readable.
var defaultOverlay = defaultsOverlay{
	SpreadThresholds: SpreadThresholds{Equity: 0.001, Forex: 0.0005, Crypto: 0.002, Option: 0.005},
	OrderTimeouts:    OrderTimeouts{OptionsMarket: 20, OptionsLimit: 120, DefaultMarket: 15, DefaultLimit: 90},
	OrderStaleS:      60,
}

// Load assembles a Config from the process environment, applying an optional
// YAML defaults overlay (overlayPath) first and letting every recognized
// environment variable override it. overlayPath may be empty.
func Load(overlayPath string) (*Config, error) {
	overlay := defaultOverlay
	if overlayPath != "" {
		data, err := os.ReadFile(overlayPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read defaults overlay: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &overlay); err != nil {
			return nil, fmt.Errorf("parse defaults overlay: %w", err)
		}
	}

	cfg := &Config{
		Mode:                  TradingMode(getEnvDefault("TRADING_MODE", string(ModeShadow))),
		ExecutionEnabled:      getEnvBool("EXECUTION_ENABLED", false),
		ExecutionHalted:       getEnvBool("EXECUTION_HALTED", true),
		ExecGuardUnlock:       getEnvBool("EXEC_GUARD_UNLOCK", false),
		ExecutionConfirmToken: Secret(os.Getenv("EXECUTION_CONFIRM_TOKEN")),
		BrokerBaseURL:         os.Getenv("BROKER_BASE_URL"),
		BrokerAPIKey:          Secret(os.Getenv("BROKER_API_KEY")),
		SmartRoutingEnabled:   getEnvBool("EXEC_SMART_ROUTING_ENABLED", true),
		SpreadThresholds:      overlay.SpreadThresholds,
		OrderTimeouts:         overlay.OrderTimeouts,
		OrderStaleS:           getEnvInt("EXEC_ORDER_STALE_S", overlay.OrderStaleS),
		AdminKey:              Secret(os.Getenv("EXEC_AGENT_ADMIN_KEY")),
		LogLevel:              getEnvDefault("LOG_LEVEL", "INFO"),
		LedgerDBPath:          getEnvDefault("LEDGER_DB_PATH", "execution-core-ledger.db"),
		TrackerDBPath:         getEnvDefault("TRACKER_DB_PATH", "execution-core-tracker.db"),
		AdminListenAddr:       getEnvDefault("ADMIN_LISTEN_ADDR", ":8090"),
		IngressListenAddr:     getEnvDefault("EXEC_LISTEN_ADDR", ":8091"),
		RecoveryTenants:       getEnvList("EXEC_RECOVERY_TENANTS"),
		RecoveryPollIntervalS: getEnvInt("EXEC_RECOVERY_POLL_INTERVAL_S", 30),
		RecoveryPollWorkers:   getEnvInt("EXEC_RECOVERY_POLL_WORKERS", 8),
		ServiceName:           getEnvDefault("SERVICE_NAME", "execution-core"),
	}

	cfg.OrderTimeouts.OptionsMarket = getEnvInt("EXEC_ORDER_TIMEOUT_S_OPTIONS_MARKET", cfg.OrderTimeouts.OptionsMarket)
	cfg.OrderTimeouts.OptionsLimit = getEnvInt("EXEC_ORDER_TIMEOUT_S_OPTIONS_LIMIT", cfg.OrderTimeouts.OptionsLimit)
	cfg.OrderTimeouts.DefaultMarket = getEnvInt("EXEC_ORDER_TIMEOUT_S_DEFAULT_MARKET", cfg.OrderTimeouts.DefaultMarket)
	cfg.OrderTimeouts.DefaultLimit = getEnvInt("EXEC_ORDER_TIMEOUT_S_DEFAULT_LIMIT", cfg.OrderTimeouts.DefaultLimit)

	if raw := os.Getenv("EXEC_MAX_SPREAD_PCT"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, ValidationError{Field: "EXEC_MAX_SPREAD_PCT", Value: raw, Message: "must be a float"}
		}
		cfg.MaxSpreadPctOverride = &v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate performs comprehensive validation of the configuration.
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateMode(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateBroker(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateGate(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateTimeouts(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateMode() error {
	switch c.Mode {
	case ModeShadow, ModePaper, ModeLive:
		return nil
	default:
		return ValidationError{Field: "TRADING_MODE", Value: c.Mode, Message: "must be one of: shadow, paper, live"}
	}
}

func (c *Config) validateBroker() error {
	if c.Mode != ModeShadow && c.BrokerBaseURL == "" {
		return ValidationError{Field: "BROKER_BASE_URL", Message: "required when TRADING_MODE is paper or live"}
	}
	return nil
}

func (c *Config) validateGate() error {
	if c.ExecutionEnabled && c.ExecutionConfirmToken == "" {
		return ValidationError{Field: "EXECUTION_CONFIRM_TOKEN", Message: "required when EXECUTION_ENABLED is set"}
	}
	return nil
}

func (c *Config) validateTimeouts() error {
	if c.OrderStaleS <= 0 {
		return ValidationError{Field: "EXEC_ORDER_STALE_S", Value: c.OrderStaleS, Message: "must be positive"}
	}
	for field, v := range map[string]int{
		"EXEC_ORDER_TIMEOUT_S_OPTIONS_MARKET": c.OrderTimeouts.OptionsMarket,
		"EXEC_ORDER_TIMEOUT_S_OPTIONS_LIMIT":  c.OrderTimeouts.OptionsLimit,
		"EXEC_ORDER_TIMEOUT_S_DEFAULT_MARKET": c.OrderTimeouts.DefaultMarket,
		"EXEC_ORDER_TIMEOUT_S_DEFAULT_LIMIT":  c.OrderTimeouts.DefaultLimit,
	} {
		if v <= 0 {
			return ValidationError{Field: field, Value: v, Message: "must be positive"}
		}
	}
	return nil
}

// BrokerURLClass classifies BrokerBaseURL as "paper" or "live" by substring,
// per spec. An empty or unrecognized URL classifies as "unknown".
func (c *Config) BrokerURLClass() string {
	lower := strings.ToLower(c.BrokerBaseURL)
	switch {
	case strings.Contains(lower, "paper") || strings.Contains(lower, "sandbox"):
		return "paper"
	case c.BrokerBaseURL != "":
		return "live"
	default:
		return "unknown"
	}
}

// SpreadThresholdFor returns the cost-gate spread threshold for an asset
// class, honoring the process-wide EXEC_MAX_SPREAD_PCT override if set.
func (c *Config) SpreadThresholdFor(class core.AssetClass) float64 {
	if c.MaxSpreadPctOverride != nil {
		return *c.MaxSpreadPctOverride
	}
	switch class {
	case core.AssetEquity:
		return c.SpreadThresholds.Equity
	case core.AssetForex:
		return c.SpreadThresholds.Forex
	case core.AssetCrypto:
		return c.SpreadThresholds.Crypto
	case core.AssetOption:
		return c.SpreadThresholds.Option
	default:
		return c.SpreadThresholds.Crypto
	}
}

// TimeoutFor returns the recovery-loop cancel timeout for an open order,
// given its asset class and whether its order type is limit-like.
func (c *Config) TimeoutFor(class core.AssetClass, limitLike bool) int {
	if class == core.AssetOption {
		if limitLike {
			return c.OrderTimeouts.OptionsLimit
		}
		return c.OrderTimeouts.OptionsMarket
	}
	if limitLike {
		return c.OrderTimeouts.DefaultLimit
	}
	return c.OrderTimeouts.DefaultMarket
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

// getEnvList parses a comma-separated environment variable into a trimmed,
// non-empty string slice. Used for the Recovery Loop's tenant sweep list; an
// unset variable yields no configured tenants, which is a valid shadow/no-op
// configuration (Loop.Run then simply blocks until shutdown).
func getEnvList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnvInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
