package kernel

import (
	"fmt"

	"github.com/aviv-teaching/govfs/vfs/mount"
	"github.com/aviv-teaching/govfs/vfs/synthfs"
)

// procFiles builds the file set for a "proc" mount (§9 REDESIGN FLAG):
// a live view of kernel.State through the same synthfs.Driver every other
// synthetic mount uses, rather than a side-channel debug path.
func (s *State) procFiles(ns *mount.Namespace) []synthfs.FileSpec {
	return []synthfs.FileSpec{
		{
			Name: "meminfo",
			Content: func() []byte {
				return []byte(fmt.Sprintf(
					"IdeSlots:       %d\nLoopSlots:      %d\nObjSlots:       %d\nInodeCacheSize: %d\n",
					s.cfg.Devices.IdeSlots, s.cfg.Devices.LoopSlots, s.cfg.Devices.ObjSlots, s.cfg.Devices.InodeCacheSize,
				))
			},
		},
		{
			Name: "mounts",
			Content: func() []byte {
				return []byte(s.Mounts(ns))
			},
		},
	}
}

// cgroupFiles builds the file set for a "cgroup" mount, mirroring the
// controller names and limit fields original_source/kernel/cgroup.h
// models (cpu, pid, cpuset, memory controllers; max_num_of_procs;
// max_mem), reduced to the flat cgroup-v2-style knob files this teaching
// kernel exposes.
func (s *State) cgroupFiles() []synthfs.FileSpec {
	return []synthfs.FileSpec{
		{Name: "cgroup.controllers", Content: func() []byte { return []byte("cpu pid cpuset memory\n") }},
		{Name: "cgroup.procs", Content: func() []byte { return nil }},
		{Name: "cpu.max", Content: func() []byte { return []byte("max 100000\n") }},
		{Name: "pids.max", Content: func() []byte { return []byte("max\n") }},
		{Name: "memory.max", Content: func() []byte { return []byte("max\n") }},
	}
}
