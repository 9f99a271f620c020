package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Volume != DefaultVolume {
		t.Errorf("DefaultConfig().Volume = %d, want %d", cfg.Volume, DefaultVolume)
	}

	if cfg.LastStation != "" {
		t.Errorf("DefaultConfig().LastStation = %q, want empty string", cfg.LastStation)
	}

	if cfg.Finder != DefaultFinder {
		t.Errorf("DefaultConfig().Finder = %q, want %q", cfg.Finder, DefaultFinder)
	}

	if cfg.ProbeSizeLimit != 4096 {
		t.Errorf("DefaultConfig().ProbeSizeLimit = %d, want 4096", cfg.ProbeSizeLimit)
	}

	if cfg.PlaylistSizeLimit != 2000 {
		t.Errorf("DefaultConfig().PlaylistSizeLimit = %d, want 2000", cfg.PlaylistSizeLimit)
	}
}

func TestConfigSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	testCfg := DefaultConfig()
	testCfg.Volume = 85
	testCfg.LastStation = "Groove Salad"
	testCfg.ProbeTimeout = 3 * time.Second
	testCfg.MetricsAddr = "127.0.0.1:9310"

	err := testCfg.Save()
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	configPath := filepath.Join(tmpDir, ConfigDir, ConfigFileName)
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Fatalf("Config file was not created at %s", configPath)
	}

	loadedCfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if loadedCfg.Volume != testCfg.Volume {
		t.Errorf("Load().Volume = %d, want %d", loadedCfg.Volume, testCfg.Volume)
	}

	if loadedCfg.LastStation != testCfg.LastStation {
		t.Errorf("Load().LastStation = %q, want %q", loadedCfg.LastStation, testCfg.LastStation)
	}

	if loadedCfg.ProbeTimeout != 3*time.Second {
		t.Errorf("Load().ProbeTimeout = %v, want 3s", loadedCfg.ProbeTimeout)
	}

	if loadedCfg.MetricsAddr != testCfg.MetricsAddr {
		t.Errorf("Load().MetricsAddr = %q, want %q", loadedCfg.MetricsAddr, testCfg.MetricsAddr)
	}
}

func TestLoadNonExistentConfig(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	cfg, err := Load()
	if err != nil {
		t.Logf("Load() error (expected): %v", err)
	}

	if cfg.Volume != DefaultVolume {
		t.Errorf("Load() with non-existent file returned Volume = %d, want %d", cfg.Volume, DefaultVolume)
	}

	if cfg.LastStation != "" {
		t.Errorf("Load() with non-existent file returned LastStation = %q, want empty string", cfg.LastStation)
	}
}

func TestVolumeValidation(t *testing.T) {
	tests := []struct {
		name           string
		inputVolume    int
		expectedVolume int
	}{
		{"valid volume 50", 50, 50},
		{"valid volume 0", 0, 0},
		{"valid volume 100", 100, 100},
		{"negative volume", -10, 0},
		{"volume over 100", 150, 100},
		{"volume way over 100", 1000, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			t.Setenv("HOME", tmpDir)

			testCfg := &Config{
				Volume:      tt.inputVolume,
				LastStation: "Groove Salad",
			}

			err := testCfg.Save()
			if err != nil {
				t.Fatalf("Save() error = %v", err)
			}

			loadedCfg, err := Load()
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}

			if loadedCfg.Volume != tt.expectedVolume {
				t.Errorf("Load().Volume = %d, want %d", loadedCfg.Volume, tt.expectedVolume)
			}
		})
	}
}

func TestLoadFillsMissingLimits(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	configPath := filepath.Join(tmpDir, ConfigDir, ConfigFileName)
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		t.Fatal(err)
	}
	content := "volume: 40\nprobe_workers: -3\nhttp_timeout: 5s\nprobe_interval: 10m\n"
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Volume != 40 {
		t.Errorf("Volume = %d, want 40", cfg.Volume)
	}
	if cfg.ProbeWorkers != DefaultProbeWorkers {
		t.Errorf("ProbeWorkers = %d, want %d", cfg.ProbeWorkers, DefaultProbeWorkers)
	}
	if cfg.HTTPTimeout != 5*time.Second {
		t.Errorf("HTTPTimeout = %v, want 5s", cfg.HTTPTimeout)
	}
	if cfg.ProbeRate != DefaultProbeRate {
		t.Errorf("ProbeRate = %d, want %d", cfg.ProbeRate, DefaultProbeRate)
	}
	if cfg.ProbeInterval != 10*time.Minute {
		t.Errorf("ProbeInterval = %v, want 10m", cfg.ProbeInterval)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	configPath := filepath.Join(tmpDir, ConfigDir, ConfigFileName)
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(configPath, []byte("volume: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err == nil {
		t.Error("Load() expected error for invalid YAML")
	}
	if cfg == nil || cfg.Volume != DefaultVolume {
		t.Errorf("Load() should fall back to defaults on parse error")
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	if err := DefaultConfig().Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(tmpDir, ConfigDir))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != ConfigFileName {
			t.Errorf("unexpected file %q left in config dir", e.Name())
		}
	}
}

func TestGetStationsDir(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	cfg := DefaultConfig()
	dir, err := cfg.GetStationsDir()
	if err != nil {
		t.Fatalf("GetStationsDir() error = %v", err)
	}
	want := filepath.Join(tmpDir, ConfigDir, StationsSubdir)
	if dir != want {
		t.Errorf("GetStationsDir() = %q, want %q", dir, want)
	}

	cfg.StationsDir = "/srv/stations"
	dir, _ = cfg.GetStationsDir()
	if dir != "/srv/stations" {
		t.Errorf("GetStationsDir() = %q, want /srv/stations", dir)
	}
}

func TestUserAgent(t *testing.T) {
	orig := AppVersion
	defer func() { AppVersion = orig }()

	AppVersion = "1.2.0"
	if got := UserAgent(); got != "StreamRadio/1.2.0" {
		t.Errorf("UserAgent() = %q, want StreamRadio/1.2.0", got)
	}

	AppVersion = ""
	if got := UserAgent(); got != "StreamRadio" {
		t.Errorf("UserAgent() = %q, want StreamRadio", got)
	}
}

func TestClampVolume(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{-1, 0}, {0, 0}, {55, 55}, {100, 100}, {101, 100},
	}
	for _, tt := range tests {
		if got := ClampVolume(tt.in); got != tt.want {
			t.Errorf("ClampVolume(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestVolumeLevel(t *testing.T) {
	cfg := &Config{Volume: 25}
	if got := cfg.VolumeLevel(); got != 0.25 {
		t.Errorf("VolumeLevel() = %v, want 0.25", got)
	}
}
