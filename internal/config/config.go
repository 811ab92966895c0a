// Package config provides configuration loading and validation for tether.
// It handles reading configuration from files, providing defaults, and ensuring
// all required settings are properly set.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lc/tether/internal/filesys"
	"github.com/lc/tether/internal/resolver"
	"github.com/lc/tether/internal/socket"
)

var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrNoConfig is returned when the configuration file is not found.
	ErrNoConfig = errors.New("configuration file not found")
)

const (
	// DefaultConfigPath is the default path for the configuration file,
	// relative to the user's home directory.
	DefaultConfigPath = ".tether/config.yaml"
	// DefaultResolverTimeout is the default timeout for one resolution.
	DefaultResolverTimeout = 5 * time.Second
	// DefaultSynRetries is the default TCP_SYNCNT.
	DefaultSynRetries = 3
	// DefaultBufferSize is the default receive buffer size.
	DefaultBufferSize = 8192

	// ModeSystem resolves through the system resolver.
	ModeSystem = "system"
	// ModeDNS queries the configured DNS servers directly.
	ModeDNS = "dns"
)

// Config holds the application configuration.
type Config struct {
	Resolver ResolverConfig `yaml:"resolver"`
	Socket   SocketConfig   `yaml:"socket"`
}

// ResolverConfig holds name resolution configuration.
type ResolverConfig struct {
	Mode    string        `yaml:"mode"`
	Servers []string      `yaml:"servers,omitempty"`
	Timeout time.Duration `yaml:"timeout"`
	Retries uint          `yaml:"retries"`
}

// SocketConfig holds connection configuration.
type SocketConfig struct {
	SynRetries     int           `yaml:"syn_retries"`
	BufferSize     int           `yaml:"buffer_size"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// Provider defines the interface for loading configuration.
type Provider interface {
	Load() (*Config, error)
}

// FSProvider implements Provider using the local filesystem.
type FSProvider struct {
	fs   filesys.ReadWriteFS
	path string
}

// Verify FSProvider implements Provider interface.
var _ Provider = (*FSProvider)(nil)

// New creates a new configuration provider using the default configuration path.
// If the home directory cannot be determined, it falls back to the current directory.
func New() *FSProvider {
	return NewWithPath(filesys.OS(), Path())
}

// NewWithPath creates a new provider with a specific config path.
func NewWithPath(fs filesys.ReadWriteFS, path string) *FSProvider {
	return &FSProvider{
		fs:   fs,
		path: path,
	}
}

// Path returns the default config file location.
func Path() string {
	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not determine home directory: %v\n", err)
		home = ""
	}
	return filepath.Join(home, DefaultConfigPath)
}

// Default returns a default configuration with preset values.
// This is used when no configuration file exists.
func Default() *Config {
	return &Config{
		Resolver: ResolverConfig{
			Mode:    ModeSystem,
			Timeout: DefaultResolverTimeout,
		},
		Socket: SocketConfig{
			SynRetries: DefaultSynRetries,
			BufferSize: DefaultBufferSize,
		},
	}
}

// Load loads the configuration from the provider's path. Settings missing
// from the file keep their default values.
func (p *FSProvider) Load() (*Config, error) {
	cfg, err := p.loadAndParse()
	if err != nil {
		if errors.Is(err, ErrNoConfig) {
			return Default(), nil
		}
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return cfg, nil
}

// Validate checks the configuration to ensure all fields are usable.
func (c *Config) Validate() error {
	switch c.Resolver.Mode {
	case ModeSystem:
	case ModeDNS:
		if len(c.Resolver.Servers) == 0 {
			return errors.New("dns mode requires at least one server")
		}
		for _, s := range c.Resolver.Servers {
			if strings.TrimSpace(s) == "" {
				return errors.New("dns server cannot be empty")
			}
		}
	default:
		return fmt.Errorf("unknown resolver mode %q", c.Resolver.Mode)
	}
	if c.Resolver.Timeout < time.Second {
		return errors.New("resolver timeout must be at least 1 second")
	}
	if c.Socket.SynRetries < 1 || c.Socket.SynRetries > 255 {
		return errors.New("syn retries must be between 1 and 255")
	}
	if c.Socket.BufferSize < 512 {
		return errors.New("buffer size must be at least 512 bytes")
	}
	if c.Socket.ConnectTimeout < 0 {
		return errors.New("connect timeout cannot be negative")
	}
	return nil
}

// ResolverOptions translates the resolver settings into resolver options.
func (c *Config) ResolverOptions() []resolver.Opt {
	opts := []resolver.Opt{resolver.WithTimeout(c.Resolver.Timeout)}
	if c.Resolver.Mode == ModeDNS {
		opts = append(opts, resolver.WithLookuper(
			resolver.NewDNSLookuper(c.Resolver.Timeout, c.Resolver.Servers, c.Resolver.Retries),
		))
	}
	return opts
}

// SocketConfig translates the socket settings into a socket.Config.
func (c *Config) SocketConfig() *socket.Config {
	return &socket.Config{
		SynRetries:     c.Socket.SynRetries,
		BufferSize:     c.Socket.BufferSize,
		ConnectTimeout: c.Socket.ConnectTimeout,
	}
}

// Save validates cfg and atomically writes it to path.
func Save(fs filesys.FileOps, path string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := filesys.AtomicWrite(fs, path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func (p *FSProvider) loadAndParse() (*Config, error) {
	if _, err := p.fs.Stat(p.path); os.IsNotExist(err) {
		return nil, ErrNoConfig
	}

	f, err := p.fs.Open(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoConfig
		}
		return nil, fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	cfg := Default()
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding config file: %w", err)
	}

	return cfg, nil
}
