package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"peerchat/network"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "peerchat"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "PEERCHAT_DATA_DIR"
	// DefaultLogLevel is used when the config carries no valid level.
	DefaultLogLevel = "info"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// Settings contains persistent local settings. Durations are stored in
// milliseconds so the file stays hand-editable.
type Settings struct {
	DeviceID            string `json:"device_id"`
	DeviceName          string `json:"device_name"`
	ListeningPort       int    `json:"listening_port"`
	DownloadsDir        string `json:"downloads_dir"`
	SocketBufferSize    int    `json:"socket_buffer_size"`
	StreamBufferSize    int    `json:"stream_buffer_size"`
	MaxFileSize         int64  `json:"max_file_size"`
	MemoryCeiling       int64  `json:"memory_ceiling"`
	TypingDebounceMS    int64  `json:"typing_debounce_ms"`
	ConnectionTimeoutMS int64  `json:"connection_timeout_ms"`
	LingerMS            int64  `json:"linger_ms"`
	DiscoveryEnabled    *bool  `json:"discovery_enabled"`
	JournalEnabled      *bool  `json:"journal_enabled"`
	LogLevel            string `json:"log_level"`
}

// Discovery reports whether mDNS advertisement is enabled.
func (s *Settings) Discovery() bool {
	return s.DiscoveryEnabled == nil || *s.DiscoveryEnabled
}

// Journal reports whether the activity journal is enabled.
func (s *Settings) Journal() bool {
	return s.JournalEnabled == nil || *s.JournalEnabled
}

// NetworkOptions maps the persisted settings onto session options.
func (s *Settings) NetworkOptions() network.Options {
	return network.Options{
		SocketBufferSize:  s.SocketBufferSize,
		StreamBufferSize:  s.StreamBufferSize,
		ConnectionTimeout: time.Duration(s.ConnectionTimeoutMS) * time.Millisecond,
		Linger:            time.Duration(s.LingerMS) * time.Millisecond,
		MaxFileSize:       s.MaxFileSize,
		MemoryCeiling:     s.MemoryCeiling,
		TypingDebounce:    time.Duration(s.TypingDebounceMS) * time.Millisecond,
		DownloadsDir:      s.DownloadsDir,
	}
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If PEERCHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectory creates the app data directory if needed.
func EnsureDataDirectory(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Settings
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *Settings) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate resolves the data directory and ensures config exists there.
func LoadOrCreate() (*Settings, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	return LoadOrCreateIn(dataDir)
}

// LoadOrCreateIn is LoadOrCreate for an explicit data directory.
func LoadOrCreateIn(dataDir string) (*Settings, string, error) {
	if err := EnsureDataDirectory(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultSettings()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultSettings() *Settings {
	cfg := &Settings{}
	normalizeDefaults(cfg)
	return cfg
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "peerchat device"
}

func normalizeDefaults(cfg *Settings) bool {
	updated := false
	enabled := true

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}
	if cfg.ListeningPort <= 0 || cfg.ListeningPort > 65535 {
		cfg.ListeningPort = network.DefaultPort
		updated = true
	}
	if strings.TrimSpace(cfg.DownloadsDir) == "" {
		cfg.DownloadsDir = network.DefaultDownloadsDir
		updated = true
	}
	if cfg.SocketBufferSize <= 0 {
		cfg.SocketBufferSize = network.DefaultSocketBufferSize
		updated = true
	}
	if cfg.StreamBufferSize <= 0 {
		cfg.StreamBufferSize = network.DefaultStreamBufferSize
		updated = true
	}
	if cfg.MaxFileSize <= 0 || cfg.MaxFileSize > network.MaxFileSize {
		cfg.MaxFileSize = network.MaxFileSize
		updated = true
	}
	if cfg.MemoryCeiling <= 0 {
		cfg.MemoryCeiling = network.DefaultMemoryCeiling
		updated = true
	}
	if cfg.TypingDebounceMS <= 0 {
		cfg.TypingDebounceMS = network.DefaultTypingDebounce.Milliseconds()
		updated = true
	}
	if cfg.ConnectionTimeoutMS <= 0 {
		cfg.ConnectionTimeoutMS = network.DefaultConnectionTimeout.Milliseconds()
		updated = true
	}
	if cfg.LingerMS <= 0 {
		cfg.LingerMS = network.DefaultLinger.Milliseconds()
		updated = true
	}
	if cfg.DiscoveryEnabled == nil {
		cfg.DiscoveryEnabled = &enabled
		updated = true
	}
	if cfg.JournalEnabled == nil {
		journal := enabled
		cfg.JournalEnabled = &journal
		updated = true
	}
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}

	return updated
}
