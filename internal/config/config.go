// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package config is the configuration surface (component C11): the
// HarnessConfig data model, loadable from YAML, and
// an attribute bridge that exposes each field to the simulator's
// scripting layer with validation and post-snapshot write protection.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// HarnessConfig is the enumerated harness option set.
type HarnessConfig struct {
	StartOnHarness bool `yaml:"start_on_harness"`
	StopOnHarness  bool `yaml:"stop_on_harness"`

	MagicStartIndex    uint64         `yaml:"magic_start_index"`
	MagicStopIndices   map[uint64]bool `yaml:"magic_stop_indices"`
	MagicAssertIndices map[uint64]bool `yaml:"magic_assert_indices"`

	TimeoutSeconds float64 `yaml:"timeout_seconds"`
	UseSnapshots   bool    `yaml:"use_snapshots"`

	Exceptions             map[int64]bool `yaml:"exceptions"`
	AllExceptionsAreSolutions bool        `yaml:"all_exceptions_are_solutions"`

	Breakpoints              map[uint64]bool `yaml:"breakpoints"`
	AllBreakpointsAreSolutions bool          `yaml:"all_breakpoints_are_solutions"`

	CmpLog            bool `yaml:"cmplog"`
	CoverageReporting bool `yaml:"coverage_reporting"`

	CorpusDirectory    string `yaml:"corpus_directory"`
	SolutionsDirectory string `yaml:"solutions_directory"`
	CheckpointPath     string `yaml:"checkpoint_path"`
	LogPath            string `yaml:"log_path"`

	IterationLimit          *uint64 `yaml:"iteration_limit"`
	GenerateRandomCorpus    bool    `yaml:"generate_random_corpus"`
	InitialRandomCorpusSize uint32  `yaml:"initial_random_corpus_size"`

	TokenExecutables []string `yaml:"token_executables"`
	TokenSrcFiles    []string `yaml:"token_src_files"`
	TokenFiles       []string `yaml:"token_files"`

	ArchitectureHints map[uint32]string `yaml:"architecture_hints"`
	TraceProcessors   []uint32          `yaml:"trace_processors"`

	KeepAllCorpus         bool `yaml:"keep_all_corpus"`
	UseInitialAsCorpus    bool `yaml:"use_initial_as_corpus"`
	PreSnapshotCheckpoint bool `yaml:"pre_snapshot_checkpoint"`

	// SolutionsMirrorBucket, when set, is a gs:// bucket name that every
	// newly-stored solution is additionally uploaded to. Empty disables
	// mirroring.
	SolutionsMirrorBucket string `yaml:"solutions_mirror_bucket"`

	// StatsAddr, when set, starts the stats endpoint (internal/statsserver)
	// listening on this address. Empty disables it.
	StatsAddr string `yaml:"stats_addr"`
}

// Default returns the documented defaults.
func Default() HarnessConfig {
	return HarnessConfig{
		StartOnHarness:     true,
		StopOnHarness:      true,
		UseSnapshots:       true,
		MagicStopIndices:   map[uint64]bool{},
		MagicAssertIndices: map[uint64]bool{},
		Exceptions:         map[int64]bool{},
		Breakpoints:        map[uint64]bool{},
		ArchitectureHints:  map[uint32]string{},
	}
}

// Load reads a HarnessConfig from a YAML file, starting from Default()
// so unset fields keep their documented defaults.
func Load(path string) (HarnessConfig, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return HarnessConfig{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return HarnessConfig{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return HarnessConfig{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// ConfigError is the "configuration error" kind:
// surfaced synchronously to the setter, never affects a running campaign.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: field %s: %s", e.Field, e.Msg)
}

// Validate checks cross-field invariants that a bare YAML unmarshal
// cannot express.
func (c *HarnessConfig) Validate() error {
	if c.TimeoutSeconds < 0 {
		return &ConfigError{Field: "timeout_seconds", Msg: "must be >= 0"}
	}
	if c.CorpusDirectory == "" {
		return &ConfigError{Field: "corpus_directory", Msg: "must be set"}
	}
	if c.SolutionsDirectory == "" {
		return &ConfigError{Field: "solutions_directory", Msg: "must be set"}
	}
	for _, tag := range c.ArchitectureHints {
		if !knownArchTag(tag) {
			return &ConfigError{Field: "architecture_hints", Msg: fmt.Sprintf("unknown architecture tag %q", tag)}
		}
	}
	return nil
}

func knownArchTag(tag string) bool {
	switch tag {
	case "x86", "x86-64", "riscv32", "riscv64":
		return true
	default:
		return false
	}
}

// Surface is the attribute/interface bridge the simulator's scripting
// layer writes through (component C11). It wraps a HarnessConfig with
// "sealed after first snapshot" write protection: once the harness
// controller has captured its first snapshot, fields that are baked
// into that snapshot can no longer be changed out from under it.
type Surface struct {
	cfg    HarnessConfig
	sealed bool
}

// NewSurface wraps cfg in a Surface, initially unsealed.
func NewSurface(cfg HarnessConfig) *Surface {
	return &Surface{cfg: cfg}
}

// Get returns the current configuration snapshot.
func (s *Surface) Get() HarnessConfig {
	return s.cfg
}

// Seal is called by the harness controller (component C7) once the first
// snapshot has been captured; after this, writes to snapshot-sensitive
// fields are rejected.
func (s *Surface) Seal() {
	s.sealed = true
}

// snapshotSensitive lists the HarnessConfig fields whose value is baked
// into the captured snapshot or the injection point, and therefore
// cannot change mid-campaign without invalidating both.
var snapshotSensitive = map[string]bool{
	"use_snapshots":     true,
	"magic_start_index": true,
}

// SetBool sets a boolean-valued attribute by its YAML field name.
func (s *Surface) SetBool(field string, value bool) error {
	if s.sealed && snapshotSensitive[field] {
		return &ConfigError{Field: field, Msg: "cannot be changed after the first snapshot was captured"}
	}
	switch field {
	case "start_on_harness":
		s.cfg.StartOnHarness = value
	case "stop_on_harness":
		s.cfg.StopOnHarness = value
	case "use_snapshots":
		s.cfg.UseSnapshots = value
	case "all_exceptions_are_solutions":
		s.cfg.AllExceptionsAreSolutions = value
	case "all_breakpoints_are_solutions":
		s.cfg.AllBreakpointsAreSolutions = value
	case "cmplog":
		s.cfg.CmpLog = value
	case "coverage_reporting":
		s.cfg.CoverageReporting = value
	case "generate_random_corpus":
		s.cfg.GenerateRandomCorpus = value
	case "keep_all_corpus":
		s.cfg.KeepAllCorpus = value
	case "use_initial_as_corpus":
		s.cfg.UseInitialAsCorpus = value
	case "pre_snapshot_checkpoint":
		s.cfg.PreSnapshotCheckpoint = value
	default:
		return &ConfigError{Field: field, Msg: "unknown or non-boolean attribute"}
	}
	return nil
}

// SetArchitectureHint sets architecture_hints[cpu] = tag, validating the
// tag against the known Architecture variants (component C2).
func (s *Surface) SetArchitectureHint(cpu uint32, tag string) error {
	if !knownArchTag(tag) {
		return &ConfigError{Field: "architecture_hints", Msg: fmt.Sprintf("unknown architecture tag %q", tag)}
	}
	if s.cfg.ArchitectureHints == nil {
		s.cfg.ArchitectureHints = map[uint32]string{}
	}
	s.cfg.ArchitectureHints[cpu] = tag
	return nil
}
