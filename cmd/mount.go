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

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aviv-teaching/govfs/internal/logger"
)

// mountCmd implements the mount(source_or_options, target_path, fstype)
// syscall (§6) as a shell command: "mount <source> <target> [fstype]",
// fstype defaulting to the native on-disk filesystem the way bare
// mount(8) defaults to the block device's own type. Exit codes follow
// §6 to the extent a single process's shell loop can express them: an
// error here is printed as a diagnostic by runLoop and the command's own
// line is otherwise a no-op rather than aborting the whole session.
var mountCmd = &cobra.Command{
	Use:   "mount <source> <target> [fstype]",
	Short: "Mount a filesystem at target",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(c *cobra.Command, args []string) error {
		fstype := ""
		if len(args) == 3 {
			fstype = args[2]
		}
		source, target := args[0], args[1]
		if err := activeSession.state.Mount(activeSession.ns, activeSession.cwd, source, target, fstype); err != nil {
			return fmt.Errorf("mount %q on %q: %w", source, target, err)
		}
		logger.Infof("mounted %q (%s) at %q", source, fstypeLabel(fstype), target)
		return nil
	},
}

// fstypeLabel renders the empty string (native FS, by §6's own fstype
// grammar) as "native" for log readability.
func fstypeLabel(fstype string) string {
	if fstype == "" {
		return "native"
	}
	return fstype
}
