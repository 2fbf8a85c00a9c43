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
)

// mountsCmd lists the active mounts in this session's namespace, one
// line per mount formatted "source target fstype" -- the column order
// /proc/mounts uses, and the same data handle_proc_mounts would serve if
// this session had its own proc mount active over /proc/mounts.
var mountsCmd = &cobra.Command{
	Use:   "mounts",
	Short: "List active mounts in the current namespace",
	Args:  cobra.NoArgs,
	RunE: func(c *cobra.Command, args []string) error {
		fmt.Print(activeSession.state.Mounts(activeSession.ns))
		return nil
	},
}
