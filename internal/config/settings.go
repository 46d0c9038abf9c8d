package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by LoadSettings.
const EnvPrefix = "OSEM"

// Transport constants
const (
	TransportStdio = "stdio"
	TransportSSE   = "sse"
)

// Auth type constants
const (
	AuthTypeNone   = "none"
	AuthTypeBasic  = "basic"
	AuthTypeAPIKey = "apikey"
)

// Isolation levels, one per transaction processor.
var Isolations = []string{"search", "lucene", "batch_insert", "read_committed", "mt"}

// CreatePolicies are the accepted transaction.create_policy values.
var CreatePolicies = []string{"upsert", "reject"}

// FirstLevelCaches are the accepted cache.first_level values.
var FirstLevelCaches = []string{"default", "plain"}

// LogLevels are the accepted log_level values.
var LogLevels = []string{"debug", "info", "warn", "error"}

// AuthSettings configuration for authentication of the SSE transport
type AuthSettings struct {
	Type    string            `mapstructure:"type"` // AuthTypeNone, AuthTypeBasic, or AuthTypeAPIKey
	Basic   BasicAuthSettings `mapstructure:"basic"`
	APIKeys []string          `mapstructure:"api_keys"`
}

// BasicAuthSettings configuration for basic auth
type BasicAuthSettings struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// IndexSettings locate and guard the sub-indexes.
type IndexSettings struct {
	// Dir holds the sub-indexes; empty keeps them in memory
	Dir                string        `mapstructure:"dir"`
	ReadOnly           bool          `mapstructure:"read_only"`
	LockTimeout        time.Duration `mapstructure:"lock_timeout"`
	MaxParallelCommits int           `mapstructure:"max_parallel_commits"`
}

// TransactionSettings select the transaction processor.
type TransactionSettings struct {
	Isolation    string `mapstructure:"isolation"`
	CreatePolicy string `mapstructure:"create_policy"`
}

// CacheSettings configure the session and shared caches.
type CacheSettings struct {
	FirstLevel           string        `mapstructure:"first_level"`
	Shared               bool          `mapstructure:"shared"`
	InvalidationInterval time.Duration `mapstructure:"invalidation_interval"`
}

// MarshallSettings configure the object graph walk.
type MarshallSettings struct {
	MaxDepth         int  `mapstructure:"max_depth"`
	FilterDuplicates bool `mapstructure:"filter_duplicates"`
}

// Settings application settings
type Settings struct {
	Transport   string              `mapstructure:"transport"`
	Host        string              `mapstructure:"host"`
	Port        int                 `mapstructure:"port"`
	Auth        AuthSettings        `mapstructure:"auth"`
	Index       IndexSettings       `mapstructure:"index"`
	Transaction TransactionSettings `mapstructure:"transaction"`
	Cache       CacheSettings       `mapstructure:"cache"`
	Marshall    MarshallSettings    `mapstructure:"marshall"`
	LogLevel    string              `mapstructure:"log_level"`
	MaxResults  int                 `mapstructure:"max_results"`
}

// flagBindings maps setting keys to the CLI flags overriding them.
var flagBindings = map[string]string{
	"transport":                   "transport",
	"host":                        "host",
	"port":                        "port",
	"auth.type":                   "auth-type",
	"auth.basic.username":         "auth-basic-username",
	"auth.basic.password":         "auth-basic-password",
	"auth.api_keys":               "auth-api-keys",
	"index.dir":                   "index-dir",
	"index.read_only":             "index-read-only",
	"index.lock_timeout":          "index-lock-timeout",
	"index.max_parallel_commits":  "index-max-parallel-commits",
	"transaction.isolation":       "isolation",
	"transaction.create_policy":   "create-policy",
	"cache.first_level":           "cache-first-level",
	"cache.shared":                "cache-shared",
	"cache.invalidation_interval": "cache-invalidation-interval",
	"marshall.max_depth":          "max-depth",
	"marshall.filter_duplicates":  "filter-duplicates",
	"log_level":                   "log-level",
	"max_results":                 "max-results",
}

// Defaults returns the settings used when nothing is configured. The index
// lives in memory.
func Defaults() *Settings {
	return &Settings{
		Transport: TransportStdio,
		Host:      "0.0.0.0",
		Port:      8080,
		Auth:      AuthSettings{Type: AuthTypeNone},
		Index: IndexSettings{
			LockTimeout:        10 * time.Second,
			MaxParallelCommits: 4,
		},
		Transaction: TransactionSettings{Isolation: "read_committed", CreatePolicy: "upsert"},
		Cache: CacheSettings{
			FirstLevel:           "default",
			Shared:               true,
			InvalidationInterval: 5 * time.Second,
		},
		Marshall:   MarshallSettings{MaxDepth: 3},
		LogLevel:   "info",
		MaxResults: 20,
	}
}

// LoadSettings loads settings from environment variables and optional .env file
func LoadSettings() (*Settings, error) {
	return LoadSettingsWithFlags(nil)
}

// LoadSettingsWithFlags loads settings with optional CLI flag overrides.
// Priority: CLI flags > environment variables > .env file > defaults.
// If flags is nil, only env vars and defaults are used.
func LoadSettingsWithFlags(flags *pflag.FlagSet) (*Settings, error) {
	v := viper.New()

	d := Defaults()
	v.SetDefault("transport", d.Transport)
	v.SetDefault("host", d.Host)
	v.SetDefault("port", d.Port)
	v.SetDefault("auth.type", d.Auth.Type)
	v.SetDefault("index.dir", defaultIndexDir())
	v.SetDefault("index.read_only", false)
	v.SetDefault("index.lock_timeout", d.Index.LockTimeout)
	v.SetDefault("index.max_parallel_commits", d.Index.MaxParallelCommits)
	v.SetDefault("transaction.isolation", d.Transaction.Isolation)
	v.SetDefault("transaction.create_policy", d.Transaction.CreatePolicy)
	v.SetDefault("cache.first_level", d.Cache.FirstLevel)
	v.SetDefault("cache.shared", d.Cache.Shared)
	v.SetDefault("cache.invalidation_interval", d.Cache.InvalidationInterval)
	v.SetDefault("marshall.max_depth", d.Marshall.MaxDepth)
	v.SetDefault("marshall.filter_duplicates", d.Marshall.FilterDuplicates)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("max_results", d.MaxResults)

	// Environment variables: OSEM_INDEX_DIR, OSEM_CACHE_SHARED, ...
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key := range flagBindings {
		_ = v.BindEnv(key, envName(key))
	}

	if flags != nil {
		for key, name := range flagBindings {
			if f := flags.Lookup(name); f != nil {
				_ = v.BindPFlag(key, f)
			}
		}
	}

	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // Ignore error if .env doesn't exist

	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return nil, err
	}

	// A comma separated env var arrives as a single element
	if env := os.Getenv(envName("auth.api_keys")); env != "" {
		keys := settings.Auth.APIKeys
		if len(keys) == 0 || (len(keys) == 1 && strings.Contains(keys[0], ",")) {
			settings.Auth.APIKeys = strings.Split(env, ",")
		}
	}
	for i := range settings.Auth.APIKeys {
		settings.Auth.APIKeys[i] = strings.TrimSpace(settings.Auth.APIKeys[i])
	}
	settings.Auth.APIKeys = filterEmptyStrings(settings.Auth.APIKeys)

	settings.Index.Dir = expandHomeDir(settings.Index.Dir)
	settings.LogLevel = strings.ToLower(settings.LogLevel)

	return &settings, nil
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// defaultIndexDir returns the default directory of the sub-indexes
func defaultIndexDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".osem"
	}
	return filepath.Join(home, ".osem", "index")
}

// expandHomeDir expands ~ to the user's home directory
func expandHomeDir(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
}

// filterEmptyStrings removes empty strings from a slice
func filterEmptyStrings(s []string) []string {
	var result []string
	for _, str := range s {
		if str != "" {
			result = append(result, str)
		}
	}
	return result
}

// ValidateSettings rejects unknown enum values, non-positive limits and
// conflicting auth settings.
func ValidateSettings(s *Settings) error {
	switch s.Transport {
	case TransportStdio, TransportSSE:
	default:
		return errors.New("transport must be 'stdio' or 'sse', got: " + s.Transport)
	}
	if err := validateAuthSettings(&s.Auth); err != nil {
		return err
	}

	if err := oneOf("isolation", s.Transaction.Isolation, Isolations); err != nil {
		return err
	}
	if err := oneOf("create-policy", s.Transaction.CreatePolicy, CreatePolicies); err != nil {
		return err
	}
	if err := oneOf("cache-first-level", s.Cache.FirstLevel, FirstLevelCaches); err != nil {
		return err
	}
	if err := oneOf("log-level", s.LogLevel, LogLevels); err != nil {
		return err
	}

	if s.Index.LockTimeout <= 0 {
		return errors.New("index-lock-timeout must be positive")
	}
	if s.Index.MaxParallelCommits <= 0 {
		return errors.New("index-max-parallel-commits must be positive")
	}
	if s.Cache.Shared && s.Cache.InvalidationInterval <= 0 {
		return errors.New("cache-invalidation-interval must be positive")
	}
	if s.Marshall.MaxDepth <= 0 {
		return errors.New("max-depth must be positive")
	}
	if s.MaxResults <= 0 {
		return errors.New("max-results must be positive")
	}
	if s.Index.ReadOnly && s.Index.Dir == "" {
		return errors.New("index-read-only requires index-dir")
	}
	return nil
}

func oneOf(name, value string, allowed []string) error {
	if !slices.Contains(allowed, value) {
		return fmt.Errorf("%s must be one of %s, got: %q", name, strings.Join(allowed, ", "), value)
	}
	return nil
}

func validateAuthSettings(a *AuthSettings) error {
	hasBasicCreds := a.Basic.Username != "" || a.Basic.Password != ""
	hasAPIKeys := len(a.APIKeys) > 0

	switch a.Type {
	case AuthTypeNone, "":
		if hasBasicCreds || hasAPIKeys {
			return errors.New("auth-type 'none' is incompatible with auth credentials")
		}
	case AuthTypeBasic:
		if hasAPIKeys {
			return errors.New("auth-type 'basic' is mutually exclusive with auth-api-keys")
		}
		if a.Basic.Username == "" || a.Basic.Password == "" {
			return errors.New("auth-type 'basic' requires both username and password")
		}
	case AuthTypeAPIKey:
		if hasBasicCreds {
			return errors.New("auth-type 'apikey' is mutually exclusive with basic auth credentials")
		}
		if !hasAPIKeys {
			return errors.New("auth-type 'apikey' requires at least one API key")
		}
	default:
		return errors.New("unknown auth-type: " + a.Type)
	}
	return nil
}
