// Package config loads glassbridge settings.
//
// Settings come from one YAML file named by the --config flag or the
// GLASSBRIDGE_CONFIG environment variable, layered over Default(). A few
// connection settings can then be overridden from the environment so that
// secrets stay out of the file:
//
//	GLASSBRIDGE_HOST, GLASSBRIDGE_PORT, GLASSBRIDGE_PASSWORD
//
// Command-line flags are applied last by the caller.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mbocsi/glassbridge/client"
)

const (
	EnvConfig   = "GLASSBRIDGE_CONFIG"
	EnvHost     = "GLASSBRIDGE_HOST"
	EnvPort     = "GLASSBRIDGE_PORT"
	EnvPassword = "GLASSBRIDGE_PASSWORD"
)

type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway"`
	Identity IdentityConfig `yaml:"identity"`
	Client   ClientConfig   `yaml:"client"`
	Session  SessionConfig  `yaml:"session"`
	Log      LogConfig      `yaml:"log"`
}

// GatewayConfig says where the agent gateway is.
type GatewayConfig struct {
	// Host is the gateway address. Empty means discover over mDNS.
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Secure    bool   `yaml:"secure"`
	ChatPath  string `yaml:"chat_path"`
	MediaPath string `yaml:"media_path"`
	Password  string `yaml:"password"`

	// Discover forces an mDNS lookup even when Host is set.
	Discover bool `yaml:"discover"`
}

// IdentityConfig addresses the device key in the key store.
type IdentityConfig struct {
	StateDir string `yaml:"state_dir"`
	Service  string `yaml:"service"`
	Account  string `yaml:"account"`
}

type ClientConfig struct {
	Platform         string   `yaml:"platform"`
	SessionKey       string   `yaml:"session_key"`
	HandshakeTimeout Duration `yaml:"handshake_timeout"`
	RequestTimeout   Duration `yaml:"request_timeout"`
	WriteTimeout     Duration `yaml:"write_timeout"`
}

type SessionConfig struct {
	VideoInterval        Duration `yaml:"video_interval"`
	HardwarePollInterval Duration `yaml:"hardware_poll_interval"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// Duration reads Go duration strings such as "1s" or "250ms".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", value.Line, value.Value)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func Default() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Gateway: GatewayConfig{
			Host:      "127.0.0.1",
			Port:      18789,
			ChatPath:  "/ws",
			MediaPath: "/media",
		},
		Identity: IdentityConfig{
			StateDir: filepath.Join(homeDir, ".glassbridge"),
			Service:  "glassbridge",
			Account:  "device",
		},
		Client: ClientConfig{
			SessionKey:       client.DefaultSessionKey,
			HandshakeTimeout: Duration(15 * time.Second),
			RequestTimeout:   Duration(30 * time.Second),
			WriteTimeout:     Duration(10 * time.Second),
		},
		Session: SessionConfig{
			VideoInterval:        Duration(time.Second),
			HardwarePollInterval: Duration(2 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path, or the file named by GLASSBRIDGE_CONFIG when path is
// empty. With neither set it returns the defaults. Environment overrides
// are applied in every case.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfig)
	}

	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	c.Identity.StateDir = expandHome(c.Identity.StateDir)
	return nil
}

// ApplyEnv overrides gateway settings from lookup, normally os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvHost); ok && v != "" {
		c.Gateway.Host = v
	}
	if v, ok := lookup(EnvPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: invalid port %q", EnvPort, v)
		}
		c.Gateway.Port = port
	}
	if v, ok := lookup(EnvPassword); ok {
		c.Gateway.Password = v
	}
	return nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// Validate reports every problem it finds, joined.
func (c *Config) Validate() error {
	var errs []error

	if c.Gateway.Host == "" && !c.Gateway.Discover {
		errs = append(errs, errors.New("gateway.host is required unless gateway.discover is set"))
	}
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port out of range: %d", c.Gateway.Port))
	}
	if !strings.HasPrefix(c.Gateway.ChatPath, "/") {
		errs = append(errs, fmt.Errorf("gateway.chat_path must start with /: %q", c.Gateway.ChatPath))
	}
	if !strings.HasPrefix(c.Gateway.MediaPath, "/") {
		errs = append(errs, fmt.Errorf("gateway.media_path must start with /: %q", c.Gateway.MediaPath))
	}

	if c.Identity.StateDir == "" {
		errs = append(errs, errors.New("identity.state_dir is required"))
	}
	if c.Identity.Service == "" || c.Identity.Account == "" {
		errs = append(errs, errors.New("identity.service and identity.account are required"))
	}

	for name, d := range map[string]Duration{
		"client.handshake_timeout": c.Client.HandshakeTimeout,
		"client.request_timeout":   c.Client.RequestTimeout,
		"client.write_timeout":     c.Client.WriteTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if c.Session.VideoInterval <= 0 {
		errs = append(errs, errors.New("session.video_interval must be positive"))
	}
	if c.Session.HardwarePollInterval <= 0 {
		errs = append(errs, errors.New("session.hardware_poll_interval must be positive"))
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json: %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// ChatEndpoint is the chat socket endpoint described by g.
func (g GatewayConfig) ChatEndpoint() client.Endpoint {
	return client.Endpoint{
		Host:     g.Host,
		Port:     g.Port,
		Path:     g.ChatPath,
		Password: g.Password,
		Secure:   g.Secure,
	}
}

// MediaEndpoint is ChatEndpoint on the media path.
func (g GatewayConfig) MediaEndpoint() client.Endpoint {
	return g.ChatEndpoint().WithPath(g.MediaPath)
}

// KeyDir is where FileKeyStore keeps device keys.
func (i IdentityConfig) KeyDir() string {
	return filepath.Join(i.StateDir, "keys")
}
