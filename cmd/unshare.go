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

// unshareCmd implements unshare(nstype) (§6) for nstype=MOUNT_NS, the
// only namespace kind this teaching kernel models: clone the current
// mount namespace per §4.H and switch this session's shell onto it, so
// every subsequent mount/umount line in the same script is isolated from
// whatever process (this simplified kernel models one shell per process)
// still holds the original. There being no second process to hand the
// original namespace to, the effect observable from the CLI is simply
// "future mounts here are private"; §8 property 8's cross-namespace
// isolation is exercised directly at the vfs/kernel and vfs/mount test
// level, where both namespaces can be inspected side by side.
var unshareCmd = &cobra.Command{
	Use:   "unshare",
	Short: "Clone the mount namespace (MOUNT_NS)",
	Args:  cobra.NoArgs,
	RunE: func(c *cobra.Command, args []string) error {
		oldCwd := activeSession.cwd
		clone := activeSession.state.Unshare(activeSession.ns)
		resolved, err := pathresolve.Root(clone)
		if err != nil {
			return fmt.Errorf("unshare: resolving cwd in clone: %w", err)
		}
		if err := pathresolve.Release(oldCwd); err != nil {
			return fmt.Errorf("unshare: releasing old cwd: %w", err)
		}
		activeSession.ns = clone
		activeSession.cwd = resolved
		logger.Infof("unshare: mount namespace cloned, %d active mounts", len(clone.Active()))
		return nil
	},
}
