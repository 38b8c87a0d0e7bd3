package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/phasegate/internal/attractor"
	"github.com/danielpatrickdp/phasegate/internal/gate"
	"github.com/danielpatrickdp/phasegate/internal/intervention"
	"github.com/danielpatrickdp/phasegate/internal/logging"
	"github.com/danielpatrickdp/phasegate/internal/manifold"
	"github.com/danielpatrickdp/phasegate/internal/projection"
	"github.com/danielpatrickdp/phasegate/internal/signals"
	"github.com/danielpatrickdp/phasegate/internal/snapshot"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

var validate = validator.New(validator.WithRequiredStructEnabled())

// #region config

// Config holds all phasegate configuration.
type Config struct {
	Signals      signals.Config      `yaml:"signals"`
	Projection   projection.Config   `yaml:"projection"`
	Gate         gate.Config         `yaml:"gate"`
	Discovery    DiscoveryConfig     `yaml:"discovery"`
	Intervention intervention.Config `yaml:"intervention"`
	Storage      StorageConfig       `yaml:"storage"`
	Server       ServerConfig        `yaml:"server"`
	Logging      logging.Config      `yaml:"logging"`

	// Domain manifolds, registered in order; each extends the reference
	// manifold or an earlier definition.
	Manifolds []manifold.Definition `yaml:"manifolds" validate:"dive"`
	Policies  manifold.Policies     `yaml:"policies"`
}

// DiscoveryConfig schedules attractor discovery and intervention evaluation.
type DiscoveryConfig struct {
	Interval time.Duration    `yaml:"interval" validate:"gt=0"`
	Params   attractor.Params `yaml:",inline"`
}

// StorageConfig locates the trajectory database and snapshot table.
type StorageConfig struct {
	TrajectoryPath string          `yaml:"trajectory_path" validate:"required"`
	Snapshot       snapshot.Config `yaml:"snapshot"`
}

// ServerConfig configures the serve command's listeners. An empty address
// disables that listener.
type ServerConfig struct {
	GRPCAddr    string `yaml:"grpc_addr" validate:"omitempty,hostname_port"`
	MetricsAddr string `yaml:"metrics_addr" validate:"omitempty,hostname_port"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Signals:    signals.DefaultConfig(),
		Projection: projection.DefaultConfig(),
		Gate:       gate.DefaultConfig(),
		Discovery: DiscoveryConfig{
			Interval: 15 * time.Minute,
			Params:   attractor.DefaultParams(),
		},
		Intervention: intervention.DefaultConfig(),
		Storage: StorageConfig{
			TrajectoryPath: "phasegate.db",
			Snapshot:       snapshot.DefaultConfig(),
		},
		Server: ServerConfig{
			GRPCAddr:    "127.0.0.1:7420",
			MetricsAddr: "127.0.0.1:9420",
		},
		Logging: logging.DefaultConfig(),
	}
}

// #endregion config

// #region load

// Load reads path over the defaults, applies PHASEGATE_* environment
// overrides and validates. An empty path loads defaults only.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// Validate checks struct tags and cross-field rules.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !c.Storage.Snapshot.InMemory && c.Storage.Snapshot.Path == "" {
		return fmt.Errorf("%w: storage.snapshot.path is required unless in_memory", ErrInvalid)
	}
	seen := map[string]bool{manifold.ReferenceName: true}
	for _, def := range c.Manifolds {
		if seen[def.Name] {
			return fmt.Errorf("%w: manifold %q declared twice", ErrInvalid, def.Name)
		}
		if def.Extends != "" && !seen[def.Extends] {
			return fmt.Errorf("%w: manifold %q extends undeclared %q", ErrInvalid, def.Name, def.Extends)
		}
		seen[def.Name] = true
	}
	policies := append([]string(nil), c.Policies.Default...)
	for _, ps := range c.Policies.Agents {
		policies = append(policies, ps...)
	}
	for _, p := range policies {
		if !seen[p] {
			return fmt.Errorf("%w: policy references unknown manifold %q", ErrInvalid, p)
		}
	}
	return nil
}

// Registry builds the manifold registry from the declared manifolds.
func (c Config) Registry() (*manifold.Registry, error) {
	r := manifold.NewRegistry()
	for _, def := range c.Manifolds {
		if _, err := r.Register(def); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// #endregion load

// #region env

func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("PHASEGATE_TRAJECTORY_PATH"); v != "" {
		c.Storage.TrajectoryPath = v
	}
	if v := os.Getenv("PHASEGATE_SNAPSHOT_PATH"); v != "" {
		c.Storage.Snapshot.Path = v
	}
	if v := os.Getenv("PHASEGATE_GRPC_ADDR"); v != "" {
		c.Server.GRPCAddr = v
	}
	if v := os.Getenv("PHASEGATE_METRICS_ADDR"); v != "" {
		c.Server.MetricsAddr = v
	}
	if v := os.Getenv("PHASEGATE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PHASEGATE_TIMEOUT_POLICY"); v != "" {
		c.Gate.TimeoutPolicy = gate.TimeoutPolicy(v)
	}
	if v := os.Getenv("PHASEGATE_GATE_BUDGET"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: PHASEGATE_GATE_BUDGET: %v", ErrInvalid, err)
		}
		c.Gate.Budget = d
	}
	if v := os.Getenv("PHASEGATE_DISCOVERY_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: PHASEGATE_DISCOVERY_INTERVAL: %v", ErrInvalid, err)
		}
		c.Discovery.Interval = d
	}
	return nil
}

// #endregion env
