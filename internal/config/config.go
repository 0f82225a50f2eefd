// Package config reads and writes the archipel TOML configuration.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Default protocol parameters. The cluster key is the published MAC key
// shared by every node of a deployment; replacing it isolates a deployment
// from strangers on the same network.
const (
	DefaultTCPPort        = 7777
	DefaultMulticastGroup = "239.255.42.99:6000"
	DefaultAnnounceSecs   = 30
	DefaultClusterKey     = "archipel-fabric-v1"
)

// Config is the main configuration for an archipel node.
type Config struct {
	NodeName string `toml:"node_name"`
	BaseDir  string `toml:"base_dir"`
	LogDir   string `toml:"log_dir"`

	Network  NetworkConfig  `toml:"network"`
	Identity IdentityConfig `toml:"identity"`
	Database DatabaseConfig `toml:"database"`
	Files    FilesConfig    `toml:"files"`
}

// NetworkConfig holds transport and discovery settings.
type NetworkConfig struct {
	TCPPort          int    `toml:"tcp_port"`
	MulticastGroup   string `toml:"multicast_group"`
	AnnounceInterval int    `toml:"announce_interval_s"`
	ClusterKey       string `toml:"cluster_key"`
}

// IdentityConfig locates the long-term key material.
// When Encrypted is true the identity file is passphrase-protected and the
// CLI prompts on start.
type IdentityConfig struct {
	KeyPath   string `toml:"key_path"`
	Encrypted bool   `toml:"encrypted"`
}

// DatabaseConfig selects the persistent store backend.
// This uses a tagged union pattern - the Type field determines which other
// fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// FilesConfig locates the shared source directory and the downloads sink.
type FilesConfig struct {
	SharedDir   string `toml:"shared_dir"`
	DownloadDir string `toml:"download_dir"`
}

// NewConfig creates a Config with defaults rooted at baseDir.
func NewConfig(nodeName, baseDir string) *Config {
	return &Config{
		NodeName: nodeName,
		BaseDir:  baseDir,
		LogDir:   filepath.Join(baseDir, "log"),
		Network: NetworkConfig{
			TCPPort:          DefaultTCPPort,
			MulticastGroup:   DefaultMulticastGroup,
			AnnounceInterval: DefaultAnnounceSecs,
			ClusterKey:       DefaultClusterKey,
		},
		Identity: IdentityConfig{
			KeyPath: filepath.Join(baseDir, "keys", "identity.json"),
		},
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "data"),
		},
		Files: FilesConfig{
			SharedDir:   filepath.Join(baseDir, "shared"),
			DownloadDir: filepath.Join(baseDir, "downloads"),
		},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader, filling in defaults for
// absent network settings.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.Network.TCPPort == 0 {
		cfg.Network.TCPPort = DefaultTCPPort
	}
	if cfg.Network.MulticastGroup == "" {
		cfg.Network.MulticastGroup = DefaultMulticastGroup
	}
	if cfg.Network.AnnounceInterval == 0 {
		cfg.Network.AnnounceInterval = DefaultAnnounceSecs
	}
	if cfg.Network.ClusterKey == "" {
		cfg.Network.ClusterKey = DefaultClusterKey
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
