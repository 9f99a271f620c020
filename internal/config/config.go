package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	AppName        = "StreamRadio"
	AppTagline     = "Internet radio player"
	AppDescription = "A command-line internet radio player with ICY metadata and station probing"
	AppProjectURL  = "https://github.com/glebovdev/streamradio"

	ConfigDir      = ".config/streamradio"
	ConfigFileName = "config.yml"
	StationsSubdir = "stations"
	CacheName      = "streamradio"

	DefaultVolume = 70
	MinVolume     = 0
	MaxVolume     = 100

	DefaultFinder            = "somafm"
	DefaultHTTPTimeout       = 30 * time.Second
	DefaultProbeTimeout      = 2 * time.Second
	DefaultProbeSizeLimit    = 4096
	DefaultPlaylistSizeLimit = 2000
	DefaultReadTimeout       = 10 * time.Second
	DefaultProbeWorkers      = 4
	DefaultProbeRate         = 8
)

// ClampVolume ensures volume is within the valid range [0, 100].
func ClampVolume(volume int) int {
	if volume < MinVolume {
		return MinVolume
	}
	if volume > MaxVolume {
		return MaxVolume
	}
	return volume
}

// AppVersion can be overridden at build time using ldflags:
// go build -ldflags "-X github.com/glebovdev/streamradio/internal/config.AppVersion=1.0.0"
var AppVersion = "dev"

// UserAgent is sent with every outgoing request.
func UserAgent() string {
	if AppVersion == "" {
		return AppName
	}
	return AppName + "/" + AppVersion
}

type Config struct {
	Volume      int    `yaml:"volume"`
	LastStation string `yaml:"last_station"`
	Autostart   bool   `yaml:"autostart"`
	StationsDir string `yaml:"stations_dir"`
	Finder      string `yaml:"finder"`

	HTTPTimeout       time.Duration `yaml:"http_timeout"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
	ProbeSizeLimit    int64         `yaml:"probe_size_limit"`
	PlaylistSizeLimit int64         `yaml:"playlist_size_limit"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	ProbeWorkers      int           `yaml:"probe_workers"`
	ProbeRate         int           `yaml:"probe_rate"`
	// ProbeInterval re-probes the station list while playing, 0 disables it.
	ProbeInterval time.Duration `yaml:"probe_interval"`

	MetricsAddr string `yaml:"metrics_addr"`
}

func GetConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	configPath := filepath.Join(home, ConfigDir, ConfigFileName)
	return configPath, nil
}

func Load() (*Config, error) {
	configPath, err := GetConfigPath()
	if err != nil {
		return DefaultConfig(), err
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return DefaultConfig(), fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return DefaultConfig(), fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.normalize()

	return cfg, nil
}

// Save writes the configuration to disk atomically using temp file + rename.
func (c *Config) Save() error {
	configPath, err := GetConfigPath()
	if err != nil {
		return err
	}

	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmpFile, err := os.CreateTemp(configDir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	defer func() {
		if tmpPath != "" {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, configPath); err != nil {
		return fmt.Errorf("failed to rename config file: %w", err)
	}

	tmpPath = ""
	return nil
}

func DefaultConfig() *Config {
	return &Config{
		Volume:            DefaultVolume,
		Finder:            DefaultFinder,
		HTTPTimeout:       DefaultHTTPTimeout,
		ProbeTimeout:      DefaultProbeTimeout,
		ProbeSizeLimit:    DefaultProbeSizeLimit,
		PlaylistSizeLimit: DefaultPlaylistSizeLimit,
		ReadTimeout:       DefaultReadTimeout,
		ProbeWorkers:      DefaultProbeWorkers,
		ProbeRate:         DefaultProbeRate,
	}
}

// normalize replaces out-of-range values with defaults.
func (c *Config) normalize() {
	c.Volume = ClampVolume(c.Volume)
	if c.Finder == "" {
		c.Finder = DefaultFinder
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.ProbeSizeLimit <= 0 {
		c.ProbeSizeLimit = DefaultProbeSizeLimit
	}
	if c.PlaylistSizeLimit <= 0 {
		c.PlaylistSizeLimit = DefaultPlaylistSizeLimit
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.ProbeWorkers <= 0 {
		c.ProbeWorkers = DefaultProbeWorkers
	}
	if c.ProbeRate <= 0 {
		c.ProbeRate = DefaultProbeRate
	}
	if c.ProbeInterval < 0 {
		c.ProbeInterval = 0
	}
}

// GetStationsDir returns the configured stations directory, defaulting to a
// subdirectory of the config directory.
func (c *Config) GetStationsDir() (string, error) {
	if c.StationsDir != "" {
		return c.StationsDir, nil
	}
	configPath, err := GetConfigPath()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(configPath), StationsSubdir), nil
}

// VolumeLevel converts the stored percentage to the player's linear 0..1 scale.
func (c *Config) VolumeLevel() float64 {
	return float64(ClampVolume(c.Volume)) / MaxVolume
}
