package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"activitysync/internal/retry"
)

// DefaultConfigPaths lists the paths searched for a config file, in order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/activitysync/config.yaml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// EnvPrefix prefixes every environment override. Nested keys use a double
// underscore: ACTIVITYSYNC_GOOGLE__DOMAIN sets google.domain.
const EnvPrefix = "ACTIVITYSYNC_"

// Config is the application configuration.
type Config struct {
	Google    GoogleConfig    `koanf:"google"`
	Redis     RedisConfig     `koanf:"redis"`
	Retry     retry.Config    `koanf:"retry"`
	Personnel PersonnelConfig `koanf:"personnel"`
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// GoogleConfig holds Google Workspace API settings.
type GoogleConfig struct {
	// AuthMode is "service_account" (domain-wide delegation) or "token"
	// (a stored OAuth token produced by the auth command).
	AuthMode        string `koanf:"auth_mode" validate:"oneof=service_account token"`
	CredentialsFile string `koanf:"credentials_file" validate:"required"`
	TokenFile       string `koanf:"token_file"`

	// Subject is the admin account impersonated for calendar listing,
	// audit and directory calls.
	Subject string `koanf:"subject"`

	// ImpersonateOwners queries personal calendars as their owner.
	ImpersonateOwners bool `koanf:"impersonate_owners"`

	// Domain is the internal email domain (e.g. "example.com").
	Domain string `koanf:"domain" validate:"required"`

	ResourceCalendarSuffix string   `koanf:"resource_calendar_suffix"`
	ThirdPartyMarkers      []string `koanf:"third_party_markers"`

	BatchSize          int           `koanf:"batch_size" validate:"min=1,max=50"`
	AuditBatchSize     int           `koanf:"audit_batch_size" validate:"min=1,max=50"`
	AuditBatchInterval time.Duration `koanf:"audit_batch_interval"`
	MatchWindow        time.Duration `koanf:"match_window" validate:"gt=0"`
	Retention          time.Duration `koanf:"retention" validate:"gt=0"`
	RequestTimeout     time.Duration `koanf:"request_timeout"`
}

// RedisConfig holds the cache connection settings.
type RedisConfig struct {
	Addr     string `koanf:"addr" validate:"required"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db" validate:"min=0"`
}

// PersonnelConfig selects where internal user identifiers come from.
type PersonnelConfig struct {
	// Source is "directory" (Admin SDK) or "static".
	Source      string   `koanf:"source" validate:"oneof=directory static"`
	Identifiers []string `koanf:"identifiers"`
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

func defaultConfig() *Config {
	return &Config{
		Google: GoogleConfig{
			AuthMode:               "service_account",
			CredentialsFile:        "credentials.json",
			TokenFile:              "token.json",
			ImpersonateOwners:      true,
			ResourceCalendarSuffix: "@resource.calendar.google.com",
			ThirdPartyMarkers:      []string{"zoom.us", "teams.microsoft.com", "webex.com"},
			BatchSize:              10,
			AuditBatchSize:         10,
			AuditBatchInterval:     6 * time.Second, // Reports API: ~10 codes per 6s stays under its per-minute quota
			MatchWindow:            2 * time.Hour,
			Retention:              180 * 24 * time.Hour,
			RequestTimeout:         30 * time.Second,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Retry: retry.Config{
			Attempts:        3,
			InitialDelay:    500 * time.Millisecond,
			MaxDelay:        5 * time.Second,
			BreakerFailures: 10,
			BreakerTimeout:  2 * time.Minute,
		},
		Personnel: PersonnelConfig{
			Source: "directory",
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment variables, in that order of precedence.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if c.Google.AuthMode == "token" && c.Google.TokenFile == "" {
		return fmt.Errorf("google.token_file is required when google.auth_mode is token")
	}
	if c.Personnel.Source == "static" && len(c.Personnel.Identifiers) == 0 {
		return fmt.Errorf("personnel.identifiers is required when personnel.source is static")
	}
	return nil
}

// envTransform maps ACTIVITYSYNC_GOOGLE__BATCH_SIZE to google.batch_size.
func envTransform(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

// sliceConfigPaths are keys that accept a comma separated string from the
// environment.
var sliceConfigPaths = []string{
	"google.third_party_markers",
	"personnel.identifiers",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		s, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		var parts []string
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(path, parts); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	return nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
