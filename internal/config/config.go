package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix scopes environment overrides; "__" separates nested keys, so
// GATEWAY_UPSTREAM__BASE_URL sets upstream.base_url.
const EnvPrefix = "GATEWAY_"

const (
	BackendChat      = "chat"
	BackendResponses = "responses"
)

type Config struct {
	HTTPAddr           string        `koanf:"http_addr" validate:"required"`
	ClientToken        string        `koanf:"client_token"`
	AdminToken         string        `koanf:"admin_token"`
	MySQLDSN           string        `koanf:"mysql_dsn"`
	KeyEncMasterB64    string        `koanf:"key_enc_master_b64" validate:"omitempty,base64"`
	CORSAllowedOrigins string        `koanf:"cors_allowed_origins"`
	LogLevel           string        `koanf:"log_level" validate:"oneof=trace debug info warn warning error"`
	LogFormat          string        `koanf:"log_format" validate:"oneof=text json"`
	RateLimitRPS       float64       `koanf:"rate_limit_rps" validate:"gte=0"`
	RateLimitBurst     int           `koanf:"rate_limit_burst" validate:"gte=0"`
	RequestTimeout     time.Duration `koanf:"request_timeout" validate:"gt=0"`
	Accounts           []Account     `koanf:"accounts" validate:"dive"`
	Upstream           Account       `koanf:"upstream" validate:"-"`
}

// Account is one upstream credential set.
type Account struct {
	ID         string            `koanf:"id" validate:"required"`
	Backend    string            `koanf:"backend" validate:"oneof=chat responses"`
	BaseURL    string            `koanf:"base_url" validate:"required,url"`
	APIKey     string            `koanf:"api_key"`
	Headers    map[string]string `koanf:"headers"`
	ProxyURL   string            `koanf:"proxy_url" validate:"omitempty,url"`
	Model      string            `koanf:"model"`
	StreamOnly bool              `koanf:"stream_only"`
	Models     []string          `koanf:"models"`
}

func defaults() map[string]any {
	return map[string]any{
		"http_addr":            ":8080",
		"cors_allowed_origins": "*",
		"log_level":            "info",
		"log_format":           "text",
		"rate_limit_rps":       0,
		"rate_limit_burst":     0,
		"request_timeout":      "10m",
	}
}

// Load layers defaults, the optional TOML file at path and GATEWAY_*
// environment variables, in that order.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}
	if strings.TrimSpace(path) != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	err := k.Load(env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
			return strings.ReplaceAll(key, "__", "."), value
		},
	}), nil)
	if err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// normalize folds the single env-configured upstream into the account list.
func (c *Config) normalize() {
	if strings.TrimSpace(c.Upstream.BaseURL) != "" {
		up := c.Upstream
		if up.ID == "" {
			up.ID = "default"
		}
		c.Accounts = append(c.Accounts, up)
	}
	c.Upstream = Account{}
	for i := range c.Accounts {
		a := &c.Accounts[i]
		a.Backend = strings.ToLower(strings.TrimSpace(a.Backend))
		if a.Backend == "" {
			a.Backend = BackendChat
		}
	}
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if len(c.Accounts) == 0 {
		return fmt.Errorf("invalid config: no upstream accounts configured")
	}
	seen := map[string]bool{}
	for _, a := range c.Accounts {
		if seen[a.ID] {
			return fmt.Errorf("invalid config: duplicate account id %q", a.ID)
		}
		seen[a.ID] = true
		if a.StreamOnly && a.Backend != BackendResponses {
			return fmt.Errorf("invalid config: account %q: stream_only requires the responses backend", a.ID)
		}
		if strings.HasPrefix(a.APIKey, "enc:") && c.KeyEncMasterB64 == "" {
			return fmt.Errorf("invalid config: account %q has a sealed key but key_enc_master_b64 is empty", a.ID)
		}
	}
	return nil
}

func (c Config) AllowedOrigins() []string {
	return splitCSV(c.CORSAllowedOrigins)
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
