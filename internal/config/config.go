// Package config resolves per-repo settings the way tarsy's
// pkg/config/loader.go resolves YAML config: an optional
// .codaph/config.yaml is parsed and merged over compiled-in defaults,
// and the resolved result is what project.json snapshots.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/mubit-ai/codaph/internal/atomicfile"
)

// Config is the fully resolved, ready-to-use per-repo configuration.
type Config struct {
	MirrorRoot string `json:"mirrorRoot"`

	MemoryWriteConcurrency     int  `json:"memoryWriteConcurrency"`
	MemoryBatchSize            int  `json:"memoryBatchSize"`
	MemoryWriteTimeoutMs       int  `json:"memoryWriteTimeoutMs"`
	MemoryMaxConsecutiveErrors int  `json:"memoryMaxConsecutiveErrors"`
	FailOnMemoryError          bool `json:"failOnMemoryError"`

	AutomationEnabled bool `json:"automationEnabled"`
	AutoPullOnSync    bool `json:"autoPullOnSync"`
	CooldownSeconds   int  `json:"cooldownSeconds"`
	LockDeadlineSecs  int  `json:"lockDeadlineSeconds"`

	TimelineLimit int `json:"timelineLimit"`

	LogLevel string `json:"logLevel"`
}

// Defaults returns the compiled-in defaults applied before any
// per-project config.yaml override.
func Defaults() Config {
	return Config{
		MirrorRoot: ".codaph",

		MemoryWriteConcurrency:     1,
		MemoryBatchSize:            1,
		MemoryWriteTimeoutMs:       15000,
		MemoryMaxConsecutiveErrors: 3,
		FailOnMemoryError:          false,

		AutomationEnabled: true,
		AutoPullOnSync:    true,
		CooldownSeconds:   45,
		LockDeadlineSecs:  30,

		TimelineLimit: 200,

		LogLevel: "info",
	}
}

// yamlConfig is the on-disk shape of .codaph/config.yaml. Booleans are
// pointers so an explicit `false` in the file is distinguishable from
// "not set" — the same reason tarsy's SlackYAMLConfig.Enabled is a
// *bool rather than a bool.
type yamlConfig struct {
	MirrorRoot string `yaml:"mirrorRoot,omitempty"`

	MemoryWriteConcurrency     int   `yaml:"memoryWriteConcurrency,omitempty"`
	MemoryBatchSize            int   `yaml:"memoryBatchSize,omitempty"`
	MemoryWriteTimeoutMs       int   `yaml:"memoryWriteTimeoutMs,omitempty"`
	MemoryMaxConsecutiveErrors int   `yaml:"memoryMaxConsecutiveErrors,omitempty"`
	FailOnMemoryError          *bool `yaml:"failOnMemoryError,omitempty"`

	AutomationEnabled *bool `yaml:"automationEnabled,omitempty"`
	AutoPullOnSync    *bool `yaml:"autoPullOnSync,omitempty"`
	CooldownSeconds   int   `yaml:"cooldownSeconds,omitempty"`
	LockDeadlineSecs  int   `yaml:"lockDeadlineSeconds,omitempty"`

	TimelineLimit int `yaml:"timelineLimit,omitempty"`

	LogLevel string `yaml:"logLevel,omitempty"`
}

const configFileName = "config.yaml"

// Load resolves configuration for the project rooted at projectRoot:
// compiled-in defaults, overridden by <projectRoot>/.codaph/config.yaml
// if present. A missing config file is not an error — the defaults
// apply as-is, matching tarsy's "no tarsy.yaml" tolerance.
func Load(projectRoot string) (Config, error) {
	cfg := Defaults()

	path := filepath.Join(projectRoot, ".codaph", configFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	var fromFile yamlConfig
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}

	numeric := Config{
		MirrorRoot: fromFile.MirrorRoot,

		MemoryWriteConcurrency:     fromFile.MemoryWriteConcurrency,
		MemoryBatchSize:            fromFile.MemoryBatchSize,
		MemoryWriteTimeoutMs:       fromFile.MemoryWriteTimeoutMs,
		MemoryMaxConsecutiveErrors: fromFile.MemoryMaxConsecutiveErrors,

		CooldownSeconds:  fromFile.CooldownSeconds,
		LockDeadlineSecs: fromFile.LockDeadlineSecs,
		TimelineLimit:    fromFile.TimelineLimit,
		LogLevel:         fromFile.LogLevel,
	}
	// mergo.WithOverride: non-zero numeric/string fields win over cfg's
	// compiled-in defaults, matching tarsy's queue-config resolution.
	if err := mergo.Merge(&cfg, numeric, mergo.WithOverride); err != nil {
		return Config{}, fmt.Errorf("merge %s over defaults: %w", path, err)
	}

	if fromFile.FailOnMemoryError != nil {
		cfg.FailOnMemoryError = *fromFile.FailOnMemoryError
	}
	if fromFile.AutomationEnabled != nil {
		cfg.AutomationEnabled = *fromFile.AutomationEnabled
	}
	if fromFile.AutoPullOnSync != nil {
		cfg.AutoPullOnSync = *fromFile.AutoPullOnSync
	}

	return cfg, nil
}

// SnapshotPath returns the path project.json is written to.
func SnapshotPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".codaph", "project.json")
}

// WriteSnapshot atomically writes the resolved configuration to
// project.json, the on-disk record of what settings actually applied to
// the most recent run.
func WriteSnapshot(projectRoot string, cfg Config) error {
	path := SnapshotPath(projectRoot)
	if err := atomicfile.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal project.json: %w", err)
	}
	return atomicfile.WriteJSONPretty(path, data)
}
