// Package config loads skillet settings from config files, SKILLET_*
// environment variables and command line flags through viper.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment variable names, e.g.
// SKILLET_BACKEND_BASE_URL.
const EnvPrefix = "SKILLET"

// HomeDirName is the per-user directory holding skills, metadata and config.
const HomeDirName = ".skillet"

// Config is the resolved application configuration.
type Config struct {
	SkillsDir    string `mapstructure:"skills_dir"`
	MetadataFile string `mapstructure:"metadata_file"`
	NotesDir     string `mapstructure:"notes_dir"`
	DefaultTool  string `mapstructure:"default_tool"`
	LogLevel     string `mapstructure:"log_level"`
	LogFormat    string `mapstructure:"log_format"`

	Backend BackendConfig `mapstructure:"backend"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Server  ServerConfig  `mapstructure:"server"`

	// Profile selects an entry of Profiles to apply over Backend.
	Profile  string                    `mapstructure:"profile"`
	Profiles map[string]map[string]any `mapstructure:"profiles"`
}

// BackendConfig selects and configures the language-model backend.
type BackendConfig struct {
	Provider        string        `mapstructure:"provider"`
	BaseURL         string        `mapstructure:"base_url"`
	Model           string        `mapstructure:"model"`
	APIKey          string        `mapstructure:"api_key"`
	Token           string        `mapstructure:"token"`
	CredentialsFile string        `mapstructure:"credentials_file"`
	ClientID        string        `mapstructure:"client_id"`
	TokenURL        string        `mapstructure:"token_url"`
	GenerateTimeout time.Duration `mapstructure:"generate_timeout"`
	StatusTimeout   time.Duration `mapstructure:"status_timeout"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	MaxTokens       int           `mapstructure:"max_tokens"`
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	Sampler string  `mapstructure:"sampler"`
	Ratio   float64 `mapstructure:"ratio"`
}

// ServerConfig is the local API listen address.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Init wires environment variables, config file locations and defaults
// into v.
func Init(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("$HOME/" + HomeDirName)
	v.AddConfigPath(".")

	SetDefaults(v)
}

// SetDefaults registers every known key so environment variables can
// override values that no config file mentions.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("skills_dir", "~/"+HomeDirName+"/skills")
	v.SetDefault("metadata_file", "~/"+HomeDirName+"/metadata.json")
	v.SetDefault("notes_dir", "~/"+HomeDirName+"/notes")
	v.SetDefault("default_tool", "produce_text")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	v.SetDefault("backend.provider", "http")
	v.SetDefault("backend.base_url", "")
	v.SetDefault("backend.model", "")
	v.SetDefault("backend.api_key", "")
	v.SetDefault("backend.token", "")
	v.SetDefault("backend.credentials_file", "~/"+HomeDirName+"/credentials.json")
	v.SetDefault("backend.client_id", "")
	v.SetDefault("backend.token_url", "")
	v.SetDefault("backend.generate_timeout", 30*time.Second)
	v.SetDefault("backend.status_timeout", 8*time.Second)
	v.SetDefault("backend.retry_delay", 500*time.Millisecond)
	v.SetDefault("backend.max_tokens", 2048)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.sampler", "ratio")
	v.SetDefault("tracing.ratio", 1.0)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)

	v.SetDefault("profile", "")
}

// ReadConfigFile reads the first config file found. A missing file is not
// an error.
func ReadConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return errors.Wrap(err, "failed to read config file")
	}
	return nil
}

// Load decodes v into a Config, applies the active profile and expands
// home-relative paths.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, errors.Wrap(err, "failed to unmarshal configuration")
	}

	if cfg.Profile != "" && cfg.Profile != "default" {
		profile, ok := cfg.Profiles[cfg.Profile]
		if !ok {
			return cfg, errors.Errorf("profile %q is not defined", cfg.Profile)
		}
		if err := applyProfile(&cfg.Backend, profile); err != nil {
			return cfg, errors.Wrapf(err, "failed to apply profile %q", cfg.Profile)
		}
	}

	for _, p := range []*string{&cfg.SkillsDir, &cfg.MetadataFile, &cfg.NotesDir, &cfg.Backend.CredentialsFile} {
		expanded, err := ExpandHome(*p)
		if err != nil {
			return cfg, err
		}
		*p = expanded
	}

	return cfg, nil
}

// applyProfile merges profile settings over the backend config. Keys the
// profile omits keep their current values.
func applyProfile(backend *BackendConfig, profile map[string]any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           backend,
		WeaklyTypedInput: true,
		ZeroFields:       false,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return errors.Wrap(err, "failed to create profile decoder")
	}
	return decoder.Decode(profile)
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to resolve home directory")
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
