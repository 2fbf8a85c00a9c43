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
	"github.com/aviv-teaching/govfs/vfs/verrs"
)

// umountCmd implements umount(target_path) (§6): verify target_path
// names the root of an active mount, not merely a directory somewhere
// beneath one, then ask kernel.State to unlink it. Since §4.H's Open
// Question #4 is resolved (DESIGN.md) by giving proc/cgroup real mounts
// with their own ops vtables rather than side-channel path strings,
// there is no separate cgroup-path special case left to carry here --
// every fstype is unmounted the same way.
var umountCmd = &cobra.Command{
	Use:   "umount <target>",
	Short: "Unmount the active mount rooted at target",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		target := args[0]
		resolver := activeSession.state.NewResolver(activeSession.ns)
		p, err := resolver.Resolve(target, activeSession.cwd)
		if err != nil {
			return fmt.Errorf("umount %q: %w", target, err)
		}
		if !p.AtRoot {
			pathresolve.Release(p)
			return verrs.New("umount", verrs.EINVAL, fmt.Sprintf("%q is not the root of an active mount", target))
		}
		m := p.Mount
		// Drop this lookup's own transient ref on m before asking
		// kernel.State to check for outstanding references: §4.H's
		// "refuse if ref > expected" means refs beyond the mount's own
		// bookkeeping, not the ref this verification walk necessarily
		// took crossing into it.
		if err := pathresolve.Release(p); err != nil {
			return fmt.Errorf("umount %q: %w", target, err)
		}
		if err := activeSession.state.Umount(activeSession.ns, m); err != nil {
			return fmt.Errorf("umount %q: %w", target, err)
		}
		logger.Infof("unmounted %q", target)
		return nil
	},
}
