package registry

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// #region config

// Config is the factory-level configuration, loaded from the same
// YAML file as the dataset registry. One file, no discovery, no
// hidden overrides.
type Config struct {
	DBPath     string `yaml:"db_path"`
	ArchiveDir string `yaml:"archive_dir"`

	Partitions   int      `yaml:"partitions"`
	HotRetention Duration `yaml:"hot_retention"`

	EngineWindow     Duration `yaml:"engine_window"`
	CostWindow       Duration `yaml:"cost_window"`
	EvaluationWindow Duration `yaml:"evaluation_window"`
	JoinHorizon      Duration `yaml:"join_horizon"`

	AnomalyStrategy string `yaml:"anomaly_strategy"`

	CheckpointDir string `yaml:"checkpoint_dir"`
}

type configFile struct {
	Factory Config `yaml:"factory"`
}

// DefaultConfig returns the tuning used when the factory section is
// absent or partially specified.
func DefaultConfig() Config {
	return Config{
		DBPath:           "signal_factory.db",
		ArchiveDir:       "archive",
		Partitions:       4,
		HotRetention:     Duration(6 * time.Hour),
		EngineWindow:     Duration(5 * time.Minute),
		CostWindow:       Duration(1 * time.Hour),
		EvaluationWindow: Duration(30 * time.Minute),
		JoinHorizon:      Duration(10 * time.Minute),
		AnomalyStrategy:  "zscore",
		CheckpointDir:    "checkpoints",
	}
}

// LoadConfig reads the factory section from the config file,
// filling unset fields from defaults.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var file configFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg := file.Factory
	def := DefaultConfig()
	if cfg.DBPath == "" {
		cfg.DBPath = def.DBPath
	}
	if cfg.ArchiveDir == "" {
		cfg.ArchiveDir = def.ArchiveDir
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = def.Partitions
	}
	if cfg.HotRetention == 0 {
		cfg.HotRetention = def.HotRetention
	}
	if cfg.EngineWindow == 0 {
		cfg.EngineWindow = def.EngineWindow
	}
	if cfg.CostWindow == 0 {
		cfg.CostWindow = def.CostWindow
	}
	if cfg.EvaluationWindow == 0 {
		cfg.EvaluationWindow = def.EvaluationWindow
	}
	if cfg.JoinHorizon == 0 {
		cfg.JoinHorizon = def.JoinHorizon
	}
	if cfg.AnomalyStrategy == "" {
		cfg.AnomalyStrategy = def.AnomalyStrategy
	}
	if cfg.CheckpointDir == "" {
		cfg.CheckpointDir = def.CheckpointDir
	}
	return cfg, nil
}

// #endregion config
