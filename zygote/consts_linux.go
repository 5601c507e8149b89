package zygote

import (
	"time"

	"golang.org/x/sys/unix"
)

type cmdType int8

const (
	cmdPing cmdType = iota + 1
	cmdSpawn
	cmdProceed
	cmdOk
	cmdKill

	zygoteInit     = "zygote_init"
	supervisorInit = "supervisor_init"
	sandboxInit    = "sandbox_init"

	// conf socket inherited by every role process
	defaultFd = 3
	// session status pipe inherited by the supervisor
	statusFd = 4

	sessionName = "go-zygote"
	sessionWD   = "/w"

	zygoteMaxProc = 1

	// role processes re-exec the current binary
	selfExe = "/proc/self/exe"
)

// DefaultProceedTimeout bounds how long a sandbox process waits for the
// proceed command after reporting ready.
const DefaultProceedTimeout = 30 * time.Second

// StatusOK is the supervisor's clean teardown verdict on the status pipe.
// Any other line reports a cleanup failure.
const StatusOK = "ok"

// SessionFlags is the subset of clone flags a spec may request. The user
// namespace is always implied and not part of the set.
const SessionFlags = unix.CLONE_NEWNS | unix.CLONE_NEWPID | unix.CLONE_NEWUTS |
	unix.CLONE_NEWIPC | unix.CLONE_NEWNET

// PathEnv defines path environment variable for the role processes
const PathEnv = "PATH=/usr/local/bin:/usr/bin:/bin"

// SymbolicLink defines symlinks to be created after rootfs pivot
type SymbolicLink struct {
	LinkPath string
	Target   string
}

var defaultSymLinks = []SymbolicLink{
	{LinkPath: "/dev/fd", Target: "/proc/self/fd"},
	{LinkPath: "/dev/stdin", Target: "/proc/self/fd/0"},
	{LinkPath: "/dev/stdout", Target: "/proc/self/fd/1"},
	{LinkPath: "/dev/stderr", Target: "/proc/self/fd/2"},
}

var defaultMaskPaths = []string{
	"/proc/acpi",
	"/proc/asound",
	"/proc/kcore",
	"/proc/keys",
	"/proc/latency_stats",
	"/proc/timer_list",
	"/proc/timer_stats",
	"/proc/sched_debug",
	"/sys/firmware",
	"/proc/scsi",
}

var defaultBindDevs = []string{
	"/dev/null",
	"/dev/zero",
	"/dev/full",
	"/dev/random",
	"/dev/urandom",
}
