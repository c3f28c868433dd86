// Package config loads the five tunables of spec §6 from an optional YAML
// file with environment-variable overrides, in the teacher's
// cmd/cluster-node/main.go style of "file or env, env wins, fall back to a
// default" — adapted from ad hoc os.Getenv/strconv.Atoi pairs to a
// gopkg.in/yaml.v3-backed loader.
package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"driftmesh/internal/logging"
)

// Config carries the only knobs applications see; RTT-derived timings are
// deliberately not configurable (spec §6).
type Config struct {
	SuspicionThreshold       int `yaml:"suspicionThreshold"`
	UnreachableThreshold     int `yaml:"unreachableThreshold"`
	IndirectFanout           int `yaml:"indirectFanout"`
	UnreachableProbeInterval int `yaml:"unreachableProbeInterval"`
	CongestionThreshold      int `yaml:"congestionThreshold"`
}

// Default returns spec §6's documented defaults.
func Default() Config {
	return Config{
		SuspicionThreshold:       3,
		UnreachableThreshold:     6,
		IndirectFanout:           3,
		UnreachableProbeInterval: 3,
		CongestionThreshold:      10,
	}
}

// Load reads path (if non-empty and present) as YAML over the defaults,
// then applies DRIFTMESH_* environment overrides. A missing file is not an
// error — the engine falls back to in-memory defaults (spec §6).
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, err
			}
			logging.Debug("config: %s not found, using defaults", path)
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideInt(&cfg.SuspicionThreshold, "DRIFTMESH_SUSPICION_THRESHOLD")
	overrideInt(&cfg.UnreachableThreshold, "DRIFTMESH_UNREACHABLE_THRESHOLD")
	overrideInt(&cfg.IndirectFanout, "DRIFTMESH_INDIRECT_FANOUT")
	overrideInt(&cfg.UnreachableProbeInterval, "DRIFTMESH_UNREACHABLE_PROBE_INTERVAL")
	overrideInt(&cfg.CongestionThreshold, "DRIFTMESH_CONGESTION_THRESHOLD")
}

func overrideInt(dst *int, envVar string) {
	raw := os.Getenv(envVar)
	if raw == "" {
		return
	}
	if v, err := strconv.Atoi(raw); err == nil {
		*dst = v
	} else {
		logging.Warn("config: ignoring invalid %s=%q: %v", envVar, raw, err)
	}
}
