// Package config loads and validates gateway-config.json, the on-disk
// configuration format of spec §6: which identities the daemon loads at
// startup, their ACLs, and the optional WebSocket bridge and metrics
// endpoints.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/alexrudloff/clawchat/internal/errs"
)

const fileName = "gateway-config.json"

// CurrentVersion is the only gateway-config.json schema version accepted.
const CurrentVersion = 1

// IdentityConfig is one entry of the identities array.
type IdentityConfig struct {
	Principal          string   `json:"principal"`
	Nick               string   `json:"nick,omitempty"`
	Autoload           bool     `json:"autoload"`
	AllowLocal         bool     `json:"allowLocal"`
	AllowedRemotePeers []string `json:"allowedRemotePeers"`
	OpenclawWake       bool     `json:"openclawWake"`
}

// WSBridgeConfig enables the optional WebSocket control-plane bridge.
type WSBridgeConfig struct {
	Port  int    `json:"port"`
	Token string `json:"token,omitempty"`
}

// MetricsConfig enables the optional Prometheus/health HTTP endpoint.
type MetricsConfig struct {
	Port int `json:"port"`
}

// Config is the full gateway-config.json document, plus the
// process-environment overrides layered on top of it.
type Config struct {
	Version          int              `json:"version"`
	P2PPort          int              `json:"p2pPort"`
	WSBridge         *WSBridgeConfig  `json:"wsBridge,omitempty"`
	Metrics          *MetricsConfig   `json:"metrics,omitempty"`
	Identities       []IdentityConfig `json:"identities"`
	SessionLedgerDSN string           `json:"sessionLedgerDSN,omitempty"`
	LogLevel         string           `json:"logLevel,omitempty"`
}

// LoaderOptions controls Load's environment-override behavior. The zero
// value applies the default CLAWGATE_ prefix and loads a .env file next to
// the config if one is present.
type LoaderOptions struct {
	EnvPrefix  string
	SkipDotenv bool
}

func (o LoaderOptions) prefix() string {
	if o.EnvPrefix == "" {
		return "CLAWGATE_"
	}
	return o.EnvPrefix
}

// Load reads gateway-config.json from dir, applies .env and CLAWGATE_*
// environment overrides, and validates the result.
func Load(dir string, opts ...LoaderOptions) (*Config, error) {
	var opt LoaderOptions
	if len(opts) > 0 {
		opt = opts[0]
	}

	path := filepath.Join(dir, fileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.CodeConfig, "config: read "+path, err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, errs.Wrap(errs.CodeConfig, "config: parse "+path, err)
	}

	if !opt.SkipDotenv {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			if err := godotenv.Load(envPath); err != nil {
				return nil, errs.Wrap(errs.CodeConfig, "config: load .env", err)
			}
		}
	}

	applyEnvOverrides(&cfg, opt.prefix())

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides maps non-secret operational knobs from the process
// environment onto cfg. Secrets (mnemonics, DSNs) are deliberately not
// overridable this way, per SPEC_FULL.md §C.3.
func applyEnvOverrides(cfg *Config, prefix string) {
	if v, ok := os.LookupEnv(prefix + "P2P_PORT"); ok {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.P2PPort = port
		}
	}
	if v, ok := os.LookupEnv(prefix + "LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := os.LookupEnv(prefix + "WS_BRIDGE_PORT"); ok {
		if port, err := strconv.Atoi(v); err == nil {
			if cfg.WSBridge == nil {
				cfg.WSBridge = &WSBridgeConfig{}
			}
			cfg.WSBridge.Port = port
		}
	}
	if v, ok := os.LookupEnv(prefix + "METRICS_PORT"); ok {
		if port, err := strconv.Atoi(v); err == nil {
			if cfg.Metrics == nil {
				cfg.Metrics = &MetricsConfig{}
			}
			cfg.Metrics.Port = port
		}
	}
}

// Validate enforces the invariants named in spec §6: a recognized schema
// version, well-formed principals, and unique nicks across autoloaded
// identities.
func (c *Config) Validate() error {
	if c.Version != CurrentVersion {
		return errs.New(errs.CodeConfig, fmt.Sprintf("config: unsupported version %d, want %d", c.Version, CurrentVersion))
	}
	if c.P2PPort <= 0 || c.P2PPort > 65535 {
		return errs.New(errs.CodeConfig, fmt.Sprintf("config: invalid p2pPort %d", c.P2PPort))
	}

	nicks := make(map[string]string, len(c.Identities))
	for _, id := range c.Identities {
		if !strings.HasPrefix(id.Principal, "local:") && !strings.HasPrefix(id.Principal, "stacks:") {
			return errs.New(errs.CodeConfig, "config: identity principal must start with local: or stacks:: "+id.Principal)
		}
		if id.Nick == "" || !id.Autoload {
			continue
		}
		if owner, exists := nicks[id.Nick]; exists {
			return errs.New(errs.CodeConfig, fmt.Sprintf("config: duplicate autoloaded nick %q used by %s and %s", id.Nick, owner, id.Principal))
		}
		nicks[id.Nick] = id.Principal
	}

	if c.WSBridge != nil && (c.WSBridge.Port <= 0 || c.WSBridge.Port > 65535) {
		return errs.New(errs.CodeConfig, fmt.Sprintf("config: invalid wsBridge.port %d", c.WSBridge.Port))
	}
	if c.Metrics != nil && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return errs.New(errs.CodeConfig, fmt.Sprintf("config: invalid metrics.port %d", c.Metrics.Port))
	}
	return nil
}
