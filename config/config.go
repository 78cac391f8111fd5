// Package config loads the wasmengine YAML configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	wasmerrors "github.com/openeuler-mirror/WasmEngine/errors"
	"github.com/openeuler-mirror/WasmEngine/fetch"
	"github.com/openeuler-mirror/WasmEngine/policy"
)

const (
	DefaultAddr          = "0.0.0.0:10000"
	DefaultStoreRoot     = "/var/lib/wasmengine/functions/"
	defaultReadTimeout   = 10 * time.Second
	defaultWriteTimeout  = 60 * time.Second
	defaultShutdownGrace = 10 * time.Second
	defaultLogLevel      = "info"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// StoreConfig holds the function catalog location.
type StoreConfig struct {
	Root string `yaml:"root"`
}

// PolicyConfig is the YAML form of policy.Policy. Preopened directories are
// written "host" or "host:guest".
type PolicyConfig struct {
	MaxMemoryBytes    uint64            `yaml:"maxMemoryBytes"`
	MaxFuel           uint64            `yaml:"maxFuel"`
	AllowedNamespaces []string          `yaml:"allowedNamespaces"`
	PreopenedDirs     []string          `yaml:"preopenedDirs"`
	Env               map[string]string `yaml:"env"`
}

// RegistryConfig holds OCI registry settings.
type RegistryConfig struct {
	Insecure bool `yaml:"insecure"`
}

// EngineConfig holds execution engine settings.
type EngineConfig struct {
	CompilationCacheDir string `yaml:"compilationCacheDir"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	Development bool   `yaml:"development"`
}

// Config is the whole wasmengine configuration file.
type Config struct {
	Server      ServerConfig       `yaml:"server"`
	Store       StoreConfig        `yaml:"store"`
	Policy      PolicyConfig       `yaml:"policy"`
	Registry    RegistryConfig     `yaml:"registry"`
	ObjectStore fetch.ObjectConfig `yaml:"objectStore"`
	Engine      EngineConfig       `yaml:"engine"`
	Log         LogConfig          `yaml:"log"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{
		Registry: RegistryConfig{Insecure: true},
		Policy: PolicyConfig{
			AllowedNamespaces: []string{policy.WASINamespace},
		},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads path and applies defaults. An empty path returns Default().
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, wasmerrors.Wrap(wasmerrors.PhaseValidate, wasmerrors.KindInvalidInput, err, "read config file")
	}
	return Parse(data)
}

// Parse decodes a YAML document and applies defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	cfg.Policy.AllowedNamespaces = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, wasmerrors.Wrap(wasmerrors.PhaseValidate, wasmerrors.KindInvalidInput, err, "parse config file")
	}
	if cfg.Policy.AllowedNamespaces == nil {
		cfg.Policy.AllowedNamespaces = []string{policy.WASINamespace}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = defaultReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = defaultWriteTimeout
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = defaultShutdownGrace
	}
	if c.Store.Root == "" {
		c.Store.Root = DefaultStoreRoot
	}
	if c.Policy.MaxMemoryBytes == 0 {
		c.Policy.MaxMemoryBytes = policy.DefaultMaxMemoryBytes
	}
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return invalid("log.format must be console or json, got %q", c.Log.Format)
	}
	for _, dir := range c.Policy.PreopenedDirs {
		if _, _, err := splitPreopen(dir); err != nil {
			return err
		}
	}
	for k := range c.Policy.Env {
		if k == "" || strings.Contains(k, "=") {
			return invalid("policy.env key %q is invalid", k)
		}
	}
	if c.ObjectStore.Endpoint != "" && (c.ObjectStore.AccessKey == "" || c.ObjectStore.SecretKey == "") {
		return invalid("objectStore.accessKey and objectStore.secretKey are required with an endpoint")
	}
	return nil
}

// BuildPolicy returns the frozen resource policy. A maxFuel of 0 means
// unlimited.
func (c *Config) BuildPolicy() policy.Policy {
	b := policy.NewBuilder().
		MaxMemoryBytes(c.Policy.MaxMemoryBytes).
		Namespaces(c.Policy.AllowedNamespaces...)
	if c.Policy.MaxFuel > 0 {
		b.MaxFuel(c.Policy.MaxFuel)
	}
	for _, dir := range c.Policy.PreopenedDirs {
		host, guest, _ := splitPreopen(dir)
		b.PreopenDir(host, guest)
	}
	for k, v := range c.Policy.Env {
		b.SetEnv(k, v)
	}
	return b.Build()
}

func splitPreopen(s string) (host, guest string, err error) {
	host, guest, _ = strings.Cut(s, ":")
	if host == "" {
		return "", "", invalid("policy.preopenedDirs entry %q has no host path", s)
	}
	return host, guest, nil
}

func invalid(format string, args ...any) error {
	return wasmerrors.InvalidInput(wasmerrors.PhaseValidate, fmt.Sprintf(format, args...))
}
