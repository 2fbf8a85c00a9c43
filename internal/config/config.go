// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config binds the VFS core's tunables (device table size, inode
// cache capacity, union layer defaults, logging) through pflag/viper, the
// same BindFlags-then-Unmarshal shape the teacher's cfg package used for
// its GCS-specific flags.
package config

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the root configuration for one kernel.State instance.
type Config struct {
	Debug   DebugConfig   `yaml:"debug" mapstructure:"debug"`
	Devices DeviceConfig  `yaml:"devices" mapstructure:"devices"`
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
}

// DebugConfig controls invariant-violation behavior, mirroring the
// teacher's debug.exit-on-invariant-violation flag.
type DebugConfig struct {
	// ExitOnInvariantViolation is parsed and stored (default true), but
	// nothing in the VFS core reads it: an InvariantMutex violation always
	// panics, whatever its value. §7 treats such violations as fatal.
	ExitOnInvariantViolation bool `yaml:"exit-on-invariant-violation" mapstructure:"exit-on-invariant-violation"`

	// CrashLogFile is where Execute's recover() appends a panic message
	// and stack trace before the process exits, on top of whatever the
	// panic already printed to stderr.
	CrashLogFile ResolvedPath `yaml:"crash-log-file" mapstructure:"crash-log-file"`
}

// DeviceConfig sizes the device table and per-driver inode caches (§4.A,
// §4.C/D).
type DeviceConfig struct {
	IdeSlots        int `yaml:"ide-slots" mapstructure:"ide-slots"`
	LoopSlots       int `yaml:"loop-slots" mapstructure:"loop-slots"`
	ObjSlots        int `yaml:"obj-slots" mapstructure:"obj-slots"`
	InodeCacheSize  int `yaml:"inode-cache-size" mapstructure:"inode-cache-size"`
	UnionLayerLimit int `yaml:"union-layer-limit" mapstructure:"union-layer-limit"`
}

// LoggingConfig controls the leveled logger's format, severity, and
// rotation, mirroring cfg.LoggingConfig's Severity/Format/FilePath/
// LogRotate fields.
type LoggingConfig struct {
	Severity  LogSeverity     `yaml:"severity" mapstructure:"severity"`
	Format    string          `yaml:"format" mapstructure:"format"`
	FilePath  ResolvedPath    `yaml:"file-path" mapstructure:"file-path"`
	LogRotate LogRotateConfig `yaml:"log-rotate" mapstructure:"log-rotate"`
}

// LogRotateConfig mirrors lumberjack.Logger's rotation knobs.
type LogRotateConfig struct {
	MaxFileSizeMB   int  `yaml:"max-file-size-mb" mapstructure:"max-file-size-mb"`
	BackupFileCount int  `yaml:"backup-file-count" mapstructure:"backup-file-count"`
	Compress        bool `yaml:"compress" mapstructure:"compress"`
}

// DefaultLogRotateConfig returns the rotation defaults applied before any
// flag or config file is parsed.
func DefaultLogRotateConfig() LogRotateConfig {
	return LogRotateConfig{
		MaxFileSizeMB:   512,
		BackupFileCount: 10,
		Compress:        true,
	}
}

// Default returns the Config in effect during application startup, before
// any flag or config file has been parsed.
func Default() Config {
	return Config{
		Debug: DebugConfig{
			ExitOnInvariantViolation: true,
			CrashLogFile:             "govfs-crash.log",
		},
		Devices: DeviceConfig{
			IdeSlots:        4,
			LoopSlots:       16,
			ObjSlots:        4,
			InodeCacheSize:  64,
			UnionLayerLimit: 8,
		},
		Logging: LoggingConfig{
			Severity:  INFO,
			Format:    "text",
			LogRotate: DefaultLogRotateConfig(),
		},
	}
}

// BindFlags registers every Config field as a pflag, viper-bound under the
// matching dotted key, the same pattern cfg.BindFlags used for gcsfuse's
// flags.
func BindFlags(flagSet *pflag.FlagSet) error {
	d := Default()

	flagSet.Bool("debug_invariants", d.Debug.ExitOnInvariantViolation, "Crash the process when an internal VFS invariant is violated.")
	if err := viper.BindPFlag("debug.exit-on-invariant-violation", flagSet.Lookup("debug_invariants")); err != nil {
		return err
	}
	flagSet.String("crash-log-file", string(d.Debug.CrashLogFile), "Path a panic's message and stack trace are appended to before the process exits.")
	if err := viper.BindPFlag("debug.crash-log-file", flagSet.Lookup("crash-log-file")); err != nil {
		return err
	}

	flagSet.Int("ide-slots", d.Devices.IdeSlots, "Number of IDE device slots in the device table.")
	if err := viper.BindPFlag("devices.ide-slots", flagSet.Lookup("ide-slots")); err != nil {
		return err
	}
	flagSet.Int("loop-slots", d.Devices.LoopSlots, "Number of loop device slots in the device table.")
	if err := viper.BindPFlag("devices.loop-slots", flagSet.Lookup("loop-slots")); err != nil {
		return err
	}
	flagSet.Int("obj-slots", d.Devices.ObjSlots, "Number of object-store device slots in the device table.")
	if err := viper.BindPFlag("devices.obj-slots", flagSet.Lookup("obj-slots")); err != nil {
		return err
	}
	flagSet.Int("inode-cache-size", d.Devices.InodeCacheSize, "Capacity of each filesystem driver's in-memory inode cache.")
	if err := viper.BindPFlag("devices.inode-cache-size", flagSet.Lookup("inode-cache-size")); err != nil {
		return err
	}
	flagSet.Int("union-layer-limit", d.Devices.UnionLayerLimit, "Maximum number of layers a union mount may stack.")
	if err := viper.BindPFlag("devices.union-layer-limit", flagSet.Lookup("union-layer-limit")); err != nil {
		return err
	}

	flagSet.String("log-severity", string(d.Logging.Severity), "Minimum log severity: one of TRACE, DEBUG, INFO, WARNING, ERROR, OFF.")
	if err := viper.BindPFlag("logging.severity", flagSet.Lookup("log-severity")); err != nil {
		return err
	}
	flagSet.String("log-format", d.Logging.Format, "Log format: text or json.")
	if err := viper.BindPFlag("logging.format", flagSet.Lookup("log-format")); err != nil {
		return err
	}
	flagSet.String("log-file", "", "Path to a log file; empty means stderr.")
	if err := viper.BindPFlag("logging.file-path", flagSet.Lookup("log-file")); err != nil {
		return err
	}

	return nil
}
