package forkexec

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// defines missing consts from syscall package
const (
	SECCOMP_SET_MODE_FILTER   = 1
	SECCOMP_FILTER_FLAG_TSYNC = 1

	// UnshareFlags is the set of clone flags that create new namespaces
	UnshareFlags = unix.CLONE_NEWIPC | unix.CLONE_NEWNET | unix.CLONE_NEWNS |
		unix.CLONE_NEWPID | unix.CLONE_NEWUSER | unix.CLONE_NEWUTS | unix.CLONE_NEWCGROUP

	// secure bits to keep capabilities through uid transition and to lock
	// them down afterwards
	_SECURE_NOROOT                 = 1 << 0
	_SECURE_NOROOT_LOCKED          = 1 << 1
	_SECURE_NO_SETUID_FIXUP        = 1 << 2
	_SECURE_NO_SETUID_FIXUP_LOCKED = 1 << 3
	_SECURE_KEEP_CAPS_LOCKED       = 1 << 5
)

// used by the child for the private root remount and execveat
var (
	none  = [...]byte{'n', 'o', 'n', 'e', 0}
	slash = [...]byte{'/', 0}
	empty = [...]byte{0}

	// go does not allow constant uintptr to be negative...
	_AT_FDCWD = unix.AT_FDCWD

	// wait 1 ms between execve attempts on ETXTBSY
	etxtbsyRetryInterval = syscall.Timespec{Nsec: int64(time1Ms)}

	// Drop all capabilities
	dropCapHeader = unix.CapUserHeader{
		Version: unix.LINUX_CAPABILITY_VERSION_3,
		Pid:     0,
	}

	dropCapData = unix.CapUserData{
		Effective:   0,
		Permitted:   0,
		Inheritable: 0,
	}
)

const time1Ms = 1000 * 1000
