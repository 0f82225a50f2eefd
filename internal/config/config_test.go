package config_test

import (
	"path/filepath"
	"strings"
	"testing"

	"archipel/internal/config"
)

func TestConfig(t *testing.T) {
	t.Run("round-trips through TOML", func(t *testing.T) {
		cfg := config.NewConfig("island-1", "/var/lib/archipel")

		var buf strings.Builder
		m := &config.Manager{}
		if err := m.Write(&buf, cfg); err != nil {
			t.Fatalf("Write() error = %v", err)
		}

		got, err := m.Read(strings.NewReader(buf.String()))
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if got.NodeName != cfg.NodeName {
			t.Errorf("NodeName = %q, want %q", got.NodeName, cfg.NodeName)
		}
		if got.Network.TCPPort != config.DefaultTCPPort {
			t.Errorf("TCPPort = %d, want %d", got.Network.TCPPort, config.DefaultTCPPort)
		}
		if got.Files.SharedDir != cfg.Files.SharedDir {
			t.Errorf("SharedDir = %q, want %q", got.Files.SharedDir, cfg.Files.SharedDir)
		}
	})

	t.Run("fills network defaults for sparse files", func(t *testing.T) {
		sparse := `
node_name = "island-2"
base_dir = "/tmp/a"

[database]
type = "memory"
`
		m := &config.Manager{}
		cfg, err := m.Read(strings.NewReader(sparse))
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if cfg.Network.TCPPort != config.DefaultTCPPort {
			t.Errorf("TCPPort = %d, want default %d", cfg.Network.TCPPort, config.DefaultTCPPort)
		}
		if cfg.Network.MulticastGroup != config.DefaultMulticastGroup {
			t.Errorf("MulticastGroup = %q, want default", cfg.Network.MulticastGroup)
		}
		if cfg.Network.ClusterKey != config.DefaultClusterKey {
			t.Errorf("ClusterKey = %q, want default", cfg.Network.ClusterKey)
		}
		if cfg.Database.Type != "memory" {
			t.Errorf("Database.Type = %q, want memory", cfg.Database.Type)
		}
	})

	t.Run("init refuses to overwrite", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.toml")
		cfg := config.NewConfig("island-3", t.TempDir())

		if err := config.Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}
		if err := config.Init(path, cfg); err == nil {
			t.Errorf("second Init() succeeded, want error")
		}
	})

	t.Run("read from file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.toml")
		cfg := config.NewConfig("island-4", dir)
		if err := config.Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		got, err := config.ReadFromFile(path)
		if err != nil {
			t.Fatalf("ReadFromFile() error = %v", err)
		}
		if got.NodeName != "island-4" {
			t.Errorf("NodeName = %q, want island-4", got.NodeName)
		}
	})
}
