package forkexec

import (
	"strconv"

	"golang.org/x/sys/unix"
)

var (
	setGIDDeny = []byte("deny")
)

// writeSelfMaps writes the default single mapping for a child in a fresh
// user namespace: the parent's euid / egid become root inside, so the child
// keeps a usable identity for mounts and file creation. Used when no
// IDMapper is configured; anything richer goes through the mapping helpers
// in the parent.
func writeSelfMaps(pid int) error {
	pidStr := strconv.Itoa(pid)

	uidMap := []byte("0 " + strconv.Itoa(unix.Geteuid()) + " 1")
	if err := writeFile("/proc/"+pidStr+"/uid_map", uidMap); err != nil {
		return err
	}

	// setgroups must be denied before an unprivileged gid_map write
	if err := writeFile("/proc/"+pidStr+"/setgroups", setGIDDeny); err != nil {
		return err
	}

	gidMap := []byte("0 " + strconv.Itoa(unix.Getegid()) + " 1")
	if err := writeFile("/proc/"+pidStr+"/gid_map", gidMap); err != nil {
		return err
	}
	return nil
}

// writeFile writes file
func writeFile(path string, content []byte) error {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return err
	}
	if _, err := unix.Write(fd, content); err != nil {
		unix.Close(fd)
		return err
	}
	if err := unix.Close(fd); err != nil {
		return err
	}
	return nil
}
