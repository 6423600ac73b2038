package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Connectivity source backends.
const (
	SourceNetworkManager = "networkmanager"
	SourceNetlink        = "netlink"
)

// Authorization backends.
const (
	AuthPolkit = "polkit"
	AuthUID    = "uid"
)

// Indicator backends.
const (
	IndicatorNotify = "notify"
	IndicatorLog    = "log"
)

// EntryPoint names a D-Bus method that is looked up at runtime.
type EntryPoint struct {
	Dest      string `yaml:"dest"`
	Path      string `yaml:"path"`
	Interface string `yaml:"interface"`
	Method    string `yaml:"method"`
}

// TetherConfig configures the privileged tethering calls.
type TetherConfig struct {
	Bus             string        `yaml:"bus"`
	TransportKind   int32         `yaml:"transport_kind"`
	DisableMaxIndex int           `yaml:"disable_max_index"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
	Start           EntryPoint    `yaml:"start"`
	Stop            EntryPoint    `yaml:"stop"`
}

// Config is the on-disk daemon configuration.
type Config struct {
	LogLevel      string       `yaml:"log_level"`
	Socket        string       `yaml:"socket"`
	Source        string       `yaml:"source"`
	Interfaces    []string     `yaml:"interfaces"`
	Authorization string       `yaml:"authorization"`
	PolkitAction  string       `yaml:"polkit_action"`
	Indicator     string       `yaml:"indicator"`
	Tether        TetherConfig `yaml:"tether"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		LogLevel:      "info",
		Socket:        SocketPath(),
		Source:        SourceNetworkManager,
		Authorization: AuthPolkit,
		PolkitAction:  "org.freedesktop.NetworkManager.settings.modify.system",
		Indicator:     IndicatorNotify,
		Tether: TetherConfig{
			Bus:             "system",
			TransportKind:   0, // mobile data
			DisableMaxIndex: 10,
			CallTimeout:     5 * time.Second,
			Start: EntryPoint{
				Dest:      "io.hotspotd.Tethering1",
				Path:      "/io/hotspotd/Tethering1",
				Interface: "io.hotspotd.Tethering1",
				Method:    "StartTethering",
			},
			Stop: EntryPoint{
				Dest:      "io.hotspotd.Tethering1",
				Path:      "/io/hotspotd/Tethering1",
				Interface: "io.hotspotd.Tethering1",
				Method:    "StopTethering",
			},
		},
	}
}

// Path returns the default config file location.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		dir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(dir, "hotspotd", "config.yaml")
}

// SocketPath returns the default IPC socket location.
func SocketPath() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = "/tmp"
	}
	return filepath.Join(dir, "hotspotd.sock")
}

// Load reads the config at path, layering it over the defaults.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = Path()
	}
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks enumerated fields and bounds.
func (c *Config) Validate() error {
	switch c.Source {
	case SourceNetworkManager, SourceNetlink:
	default:
		return fmt.Errorf("unknown source %q", c.Source)
	}
	switch c.Authorization {
	case AuthPolkit, AuthUID:
	default:
		return fmt.Errorf("unknown authorization %q", c.Authorization)
	}
	switch c.Indicator {
	case IndicatorNotify, IndicatorLog:
	default:
		return fmt.Errorf("unknown indicator %q", c.Indicator)
	}
	switch c.Tether.Bus {
	case "system", "session":
	default:
		return fmt.Errorf("unknown tether bus %q", c.Tether.Bus)
	}
	if c.Tether.DisableMaxIndex < 0 {
		return fmt.Errorf("tether.disable_max_index must be >= 0, got %d", c.Tether.DisableMaxIndex)
	}
	if c.Tether.CallTimeout <= 0 {
		return fmt.Errorf("tether.call_timeout must be positive")
	}
	for name, ep := range map[string]EntryPoint{"start": c.Tether.Start, "stop": c.Tether.Stop} {
		if ep.Dest == "" || ep.Path == "" || ep.Interface == "" || ep.Method == "" {
			return fmt.Errorf("tether.%s entry point is incomplete", name)
		}
	}
	if c.Socket == "" {
		c.Socket = SocketPath()
	}
	return nil
}
