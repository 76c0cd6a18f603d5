// Package config loads the optional TOML defaults file consulted by
// cmd/e133master and cmd/e133client before CLI flags are applied.
package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config holds settings shared by the master and client entry points.
// CLI flags always take precedence over values loaded here.
type Config struct {
	// Scope is the administrative cohort tag used for DNS-SD browsing
	// and (for a master) registration.
	Scope string `toml:"scope"`

	// Priority is this node's master priority, 0-127 (cmd/e133master
	// rejects other values). Only meaningful for cmd/e133master.
	Priority int `toml:"priority"`

	// ListenIP and ListenPort are the TCP address a master listens on.
	// ListenPort of 0 means "allocate a dynamic port".
	ListenIP   string `toml:"listenIP"`
	ListenPort int    `toml:"listenPort"`

	// WatchMasters enables peer discovery (and therefore election) on
	// a master node. A master with this disabled never connects out.
	WatchMasters bool `toml:"watchMasters"`

	// TCPConnectTimeoutSeconds bounds each TCP Connector dial attempt.
	TCPConnectTimeoutSeconds int `toml:"tcpConnectTimeoutSeconds"`

	// TCPRetryIntervalSeconds is the constant backoff interval between
	// TCP Connector dial attempts.
	TCPRetryIntervalSeconds int `toml:"tcpRetryIntervalSeconds"`
}

// NewDefaultConfig returns a Config populated with the defaults named in
// spec.md §4.7 and §6.
func NewDefaultConfig() Config {
	return Config{
		Scope:                    "default",
		Priority:                 50,
		ListenIP:                 "",
		ListenPort:               0,
		WatchMasters:             true,
		TCPConnectTimeoutSeconds: 5,
		TCPRetryIntervalSeconds:  5,
	}
}

// DefaultConfigPath returns the XDG default path for the config file,
// preferring $XDG_CONFIG_HOME and falling back to $HOME/.config.
func DefaultConfigPath() (string, error) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "e133master", "config.toml"), nil
}

// Load reads the configuration from the given path (TOML). If path is
// empty, it uses the XDG default. A missing file yields defaults rather
// than an error.
func Load(path string) (*Config, error) {
	cfg := NewDefaultConfig()

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return nil, err
		}
		path = defaultPath
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, err
	}
	if info.IsDir() {
		return &cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
