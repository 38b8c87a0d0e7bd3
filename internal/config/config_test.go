package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/phasegate/internal/gate"
	"github.com/danielpatrickdp/phasegate/internal/manifold"
	"github.com/danielpatrickdp/phasegate/internal/state"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, gate.BlockOnTimeout, cfg.Gate.TimeoutPolicy)
	assert.Equal(t, 100*time.Millisecond, cfg.Gate.Budget)
	assert.Equal(t, 10, cfg.Discovery.Params.WindowSize)
	assert.Equal(t, 0.3, cfg.Discovery.Params.Eps)
}

func TestLoad_YAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phasegate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
gate:
  budget: 250ms
  timeout_policy: cache_on_timeout
discovery:
  interval: 1h
  eps: 0.25
  min_samples: 4
storage:
  trajectory_path: /var/lib/phasegate/trajectory.db
manifolds:
  - name: healthcare
    constraints:
      - name: care_requires_understanding
        when:
          - {dim: service, op: gt, value: 0.5}
        require:
          - {dim: understanding, op: gte, value: 0.6}
policies:
  default: [healthcare]
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.Gate.Budget)
	assert.Equal(t, gate.CacheOnTimeout, cfg.Gate.TimeoutPolicy)
	assert.Equal(t, time.Hour, cfg.Discovery.Interval)
	assert.Equal(t, 0.25, cfg.Discovery.Params.Eps)
	assert.Equal(t, 4, cfg.Discovery.Params.MinSamples)
	assert.Equal(t, 10, cfg.Discovery.Params.WindowSize, "unset fields keep defaults")
	assert.Equal(t, 50, cfg.Signals.Window)

	reg, err := cfg.Registry()
	require.NoError(t, err)
	m, err := manifold.Assigned{Registry: reg, Policies: cfg.Policies}.ManifoldFor("any")
	require.NoError(t, err)
	assert.Equal(t, "healthcare", m.Name())

	ok, violated := m.Validate(state.Neutral(time.Now()).With(state.Service, 0.6))
	assert.False(t, ok)
	assert.Equal(t, []string{"care_requires_understanding"}, violated)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PHASEGATE_TRAJECTORY_PATH", "/tmp/t.db")
	t.Setenv("PHASEGATE_GATE_BUDGET", "80ms")
	t.Setenv("PHASEGATE_TIMEOUT_POLICY", "cache_on_timeout")
	t.Setenv("PHASEGATE_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/t.db", cfg.Storage.TrajectoryPath)
	assert.Equal(t, 80*time.Millisecond, cfg.Gate.Budget)
	assert.Equal(t, gate.CacheOnTimeout, cfg.Gate.TimeoutPolicy)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_BadEnvDuration(t *testing.T) {
	t.Setenv("PHASEGATE_GATE_BUDGET", "soon")
	_, err := Load("")
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]func(*Config){
		"unknown timeout policy": func(c *Config) { c.Gate.TimeoutPolicy = "allow_on_timeout" },
		"zero budget":            func(c *Config) { c.Gate.Budget = 0 },
		"step above one":         func(c *Config) { c.Projection.Step = 1.5 },
		"zero eps":               func(c *Config) { c.Discovery.Params.Eps = 0 },
		"saturation over window": func(c *Config) { c.Signals.ActivitySaturation = c.Signals.Window + 1 },
		"bad log level":          func(c *Config) { c.Logging.Level = "loud" },
		"bad grpc address":       func(c *Config) { c.Server.GRPCAddr = "not an address" },
		"missing trajectory":     func(c *Config) { c.Storage.TrajectoryPath = "" },
		"missing snapshot path":  func(c *Config) { c.Storage.Snapshot.Path = "" },
		"unknown policy":         func(c *Config) { c.Policies.Default = []string{"retail"} },
		"unknown parent": func(c *Config) {
			c.Manifolds = []manifold.Definition{{
				Name:        "child",
				Extends:     "parent",
				Constraints: []manifold.Constraint{{Name: "x", Require: []manifold.Bound{{Dim: state.Unity, Op: manifold.OpGTE, Value: 0.1}}}},
			}}
		},
		"manifold without constraints": func(c *Config) {
			c.Manifolds = []manifold.Definition{{Name: "empty"}}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid))
		})
	}
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "phasegate.yaml")
	cfg := Default()
	cfg.Gate.Budget = 150 * time.Millisecond
	require.NoError(t, cfg.Save(path))

	back, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Gate, back.Gate)
	assert.Equal(t, cfg.Intervention, back.Intervention)
}
