// Package config loads the service configuration from an optional YAML file
// with environment overrides for the OAuth secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "500ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Limits holds the per-class permit counts for one session.
type Limits struct {
	Downloads   int `yaml:"downloads"`
	Conversions int `yaml:"conversions"`
	Uploads     int `yaml:"uploads"`
}

// Config is the service configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	// OAuth application credentials for the remote store.
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TokenURL     string `yaml:"token_url"`
	APIBaseURL   string `yaml:"api_base_url"`

	DownloadDir string `yaml:"download_dir"`
	ConvertDir  string `yaml:"convert_dir"`
	LogDir      string `yaml:"log_dir"`

	ChunkSizeBytes   int64    `yaml:"chunk_size_bytes"`
	RangeAttempts    int      `yaml:"range_attempts"`
	RetryBackoffBase Duration `yaml:"retry_backoff_base"`
	Limits           Limits   `yaml:"limits"`

	FFmpegBin             string   `yaml:"ffmpeg_bin"`
	FFprobeBin            string   `yaml:"ffprobe_bin"`
	DiagnosticReadTimeout Duration `yaml:"diagnostic_read_timeout"`
}

func defaults() Config {
	return Config{
		ListenAddr:            ":8080",
		DownloadDir:           "vob_files",
		ConvertDir:            "mp4_files",
		LogDir:                "logs",
		ChunkSizeBytes:        62_914_560, // 60 MB.
		RangeAttempts:         5,
		RetryBackoffBase:      Duration(time.Second),
		Limits:                Limits{Downloads: 3, Conversions: 3, Uploads: 3},
		FFmpegBin:             "ffmpeg",
		FFprobeBin:            "ffprobe",
		DiagnosticReadTimeout: Duration(5 * time.Second),
	}
}

// Load reads the configuration: defaults, then the YAML file when path is not
// empty, then environment overrides for the OAuth secrets.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("could not read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("could not parse config file: %w", err)
		}
	}

	if v := os.Getenv("CLIENT_ID"); v != "" {
		cfg.ClientID = v
	}
	if v := os.Getenv("CLIENT_SECRET"); v != "" {
		cfg.ClientSecret = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("client id is required (config file or CLIENT_ID env var)")
	}
	if c.ClientSecret == "" {
		return fmt.Errorf("client secret is required (config file or CLIENT_SECRET env var)")
	}
	if c.ChunkSizeBytes <= 0 {
		return fmt.Errorf("chunk size must be positive")
	}
	if c.RangeAttempts <= 0 {
		return fmt.Errorf("range attempts must be positive")
	}
	return nil
}
