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
	"github.com/aviv-teaching/govfs/vfs/pathresolve"
)

// pivotRootCmd implements pivot_root(new_root, put_old) (§6): both
// arguments must already be the root of an active mount (a plain
// directory as put_old is rejected with EINVAL), and the namespace root
// swaps atomically under the mount lock. The old root is reparented under
// put_old's mount without a mountpoint, so no path reaches it afterwards.
var pivotRootCmd = &cobra.Command{
	Use:   "pivotroot <new_root> <put_old>",
	Short: "Swap the namespace root, reparenting the old root under put_old",
	Args:  cobra.ExactArgs(2),
	RunE: func(c *cobra.Command, args []string) error {
		newRoot, putOld := args[0], args[1]
		if err := activeSession.state.PivotRoot(activeSession.ns, activeSession.cwd, newRoot, putOld); err != nil {
			return fmt.Errorf("pivot_root %q %q: %w", newRoot, putOld, err)
		}
		// cwd was the old namespace root; after the swap it must be
		// re-derived against the new root rather than left pointing at
		// what is now just another mount, the same way a process's cwd
		// would be if it happened to be sitting at "/" during the swap.
		oldCwd := activeSession.cwd
		resolved, err := pathresolve.Root(activeSession.ns)
		if err != nil {
			return fmt.Errorf("pivot_root %q %q: re-resolving cwd: %w", newRoot, putOld, err)
		}
		if err := pathresolve.Release(oldCwd); err != nil {
			return fmt.Errorf("pivot_root %q %q: releasing old cwd: %w", newRoot, putOld, err)
		}
		activeSession.cwd = resolved
		logger.Infof("pivot_root: new root %q, old root now under %q", newRoot, putOld)
		return nil
	},
}
