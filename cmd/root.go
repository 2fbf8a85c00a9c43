// Copyright 2024 Google Inc. All Rights Reserved.
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

// Package cmd is the govfs CLI: a single long-running process that boots
// one kernel.State plus its root mount.Namespace, then drives the §6
// mount/umount/pivot_root/unshare/mounts operations from a sequence of
// commands, one per line, read either from a script file argument or
// interactively from stdin. Everything this teaching kernel models lives
// in memory, so unlike gcsfuse's one-shot "mount and background" process,
// there is no sense in which state could survive a second invocation —
// the whole point of the exercise is visible inside a single run.
package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"

	"github.com/jacobsa/timeutil"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aviv-teaching/govfs/internal/config"
	"github.com/aviv-teaching/govfs/internal/logger"
	"github.com/aviv-teaching/govfs/internal/metrics"
	"github.com/aviv-teaching/govfs/vfs/kernel"
	"github.com/aviv-teaching/govfs/vfs/mount"
	"github.com/aviv-teaching/govfs/vfs/pathresolve"
)

var (
	cfgFile       string
	bindErr       error
	configFileErr error
	unmarshalErr  error

	// Cfg is the configuration in effect for this process, populated by
	// initConfig the same way gcsfuse's MountConfig was.
	Cfg config.Config
)

// session is the shared, mutable state every line of input is dispatched
// against: one kernel.State, the namespace the current shell is attached
// to (swapped out wholesale by unshare), and the resolved cwd every
// path in this kernel's mini path grammar is resolved from (there is no
// notion of a relative path distinct from an absolute one here, so cwd
// is always the namespace root; kept as a field rather than a package
// constant so a future cd builtin has somewhere to live).
type session struct {
	state *kernel.State
	ns    *mount.Namespace
	cwd   pathresolve.Point
}

var rootCmd = &cobra.Command{
	Use:   "govfs [script]",
	Short: "Drive a teaching virtual filesystem kernel from the command line",
	Long: `govfs boots one in-memory VFS kernel (device table, superblock
registry, and a root mount.Namespace holding a native root filesystem)
and then executes mount/umount/pivotroot/unshare/mounts commands against
it, either from a script file named on the command line or, with no
argument, read interactively from stdin.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if configFileErr != nil {
			return configFileErr
		}
		if unmarshalErr != nil {
			return unmarshalErr
		}

		if err := logger.InitLogFile(Cfg.Logging.LogRotate, Cfg.Logging); err != nil {
			return fmt.Errorf("init log file: %w", err)
		}
		defer logger.Close()

		sess, err := newSession(Cfg)
		if err != nil {
			return fmt.Errorf("booting kernel: %w", err)
		}
		activeSession = sess

		var in io.Reader = os.Stdin
		interactive := len(args) == 0
		if len(args) == 1 {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("opening script %q: %w", args[0], err)
			}
			defer f.Close()
			in = f
			interactive = false
		}
		return sess.runLoop(in, interactive)
	},
}

// newSession builds the kernel State and boot namespace, then resolves
// the namespace's root into the starting cwd.
func newSession(cfg config.Config) (*session, error) {
	state, ns, err := kernel.New(cfg, metrics.NewNoop(), timeutil.RealClock())
	if err != nil {
		return nil, err
	}
	cwd, err := pathresolve.Root(ns)
	if err != nil {
		return nil, err
	}
	return &session{state: state, ns: ns, cwd: cwd}, nil
}

// runLoop reads one command per line from in, dispatching each through
// the registered cobra subcommands via SetArgs/Execute, the standard way
// to reuse a cobra command tree as a line-oriented shell. A trailing
// "exit"/"quit" ends the loop. In interactive mode a prompt is printed to
// stdout before each line; in every mode each command's error (if any) is
// printed to stderr as it occurs, rather than aborting the whole session.
func (s *session) runLoop(in io.Reader, interactive bool) error {
	scanner := bufio.NewScanner(in)
	for {
		if interactive {
			fmt.Fprint(os.Stdout, "govfs> ")
		}
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		fields := strings.Fields(line)
		shellCmd.SetArgs(fields)
		if err := shellCmd.Execute(); err != nil {
			fmt.Fprintf(os.Stderr, "govfs: %v\n", err)
		}
	}
	return scanner.Err()
}

// shellCmd is the command tree runLoop replays one line at a time; it
// carries the same mount/umount/pivotroot/unshare/mounts children as
// rootCmd but none of rootCmd's own persistent config flags, since those
// are parsed once at process startup, not per line.
var shellCmd = &cobra.Command{Use: "govfs", SilenceUsage: true, SilenceErrors: true}

// activeSession is the single session runLoop dispatches every shellCmd
// invocation against. A package-level var rather than a cobra Command
// field because cobra.Command.RunE closures (one per subcommand, defined
// in their own files) need a stable place to find it.
var activeSession *session

// Execute runs the root command, parsing flags and config once and then
// handing off to the session's command loop. A panic anywhere in that
// loop (a fatal invariant violation, per §7) is caught here, appended to
// Cfg.Debug.CrashLogFile via a CrashWriter, and turned into a non-zero
// exit instead of an unexplained process death.
func Execute() {
	defer func() {
		if r := recover(); r != nil {
			cw := &CrashWriter{fileName: string(Cfg.Debug.CrashLogFile)}
			fmt.Fprintf(cw, "govfs: panic: %v\n%s\n", r, debug.Stack())
			fmt.Fprintf(os.Stderr, "govfs: fatal: %v (see %s)\n", r, Cfg.Debug.CrashLogFile)
			os.Exit(2)
		}
	}()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to a YAML config file")
	bindErr = config.BindFlags(rootCmd.PersistentFlags())

	shellCmd.AddCommand(mountCmd, umountCmd, pivotRootCmd, unshareCmd, mountsCmd)
}

func initConfig() {
	if cfgFile == "" {
		Cfg = config.Default()
		unmarshalErr = viper.Unmarshal(&Cfg, viper.DecodeHook(config.DecodeHook()))
		return
	}
	viper.SetConfigFile(cfgFile)
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		configFileErr = fmt.Errorf("reading config file: %w", err)
		return
	}
	Cfg = config.Default()
	unmarshalErr = viper.Unmarshal(&Cfg, viper.DecodeHook(config.DecodeHook()))
}
