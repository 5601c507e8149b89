// Package cgroup creates and manipulates cgroup v2 directories under the
// systemd mounted unified hierarchy (/sys/fs/cgroup).
//
// Used controllers:
//
//	cpu
//	memory
//	pids
package cgroup
