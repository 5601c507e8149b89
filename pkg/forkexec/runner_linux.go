package forkexec

import (
	"syscall"

	"github.com/criyle/go-zygote/pkg/rlimit"
)

// Runner is the configuration for a child process started by raw clone and
// execve. The child may be placed into new namespaces, given credentials and
// resource limits and a seccomp filter before the final exec.
type Runner struct {
	// argv and env for execve syscall for the child process
	Args []string
	Env  []string

	// if ExecFile is defined, execveat with AT_EMPTY_PATH is called instead
	// of execve (program loaded from an inherited fd, e.g. a sealed memfd)
	ExecFile uintptr

	// POSIX resource limits applied through prlimit64 before exec
	RLimits []rlimit.RLimit

	// file descriptors map for the new process, from 0 to len - 1
	Files []uintptr

	// work path set by chdir(dir) before exec
	WorkDir string

	// seccomp syscall filter applied to the child right before exec
	Seccomp *syscall.SockFprog

	// clone flags for new linux namespaces, effective at clone time since
	// unshare syscall does not join the new pid group
	CloneFlags uintptr

	// Credential holds the user and group identities to be assumed by the
	// child. With CLONE_NEWUSER these are namespace identities and become
	// valid once the mapping is committed; setting uid 0 keeps the full
	// in-namespace capability set across the exec
	Credential *syscall.Credential

	// IDMapper commits uid_map / gid_map for a child cloned with
	// CLONE_NEWUSER. It runs in the parent after clone while the child is
	// blocked on the sync pair; a non-nil error fails the child before it
	// proceeds. When nil, a single identity mapping to the parent's
	// euid / egid is written directly
	IDMapper func(pid int) error

	// Pdeathsig is delivered to the child when the parent thread dies.
	// It survives the exec as long as the executable carries no setuid /
	// setgid bits or file capabilities
	Pdeathsig syscall.Signal

	// Parent and child sync status through a socket pair. SyncFunc is
	// invoked with the child pid right before the final exec; returning an
	// error signals the child to stop and reports the error
	SyncFunc func(pid int) error

	// no_new_privs calls prctl(PR_SET_NO_NEW_PRIVS) to disable setuid
	// escalation. It is automatically enabled when a seccomp filter is
	// provided
	NoNewPrivs bool

	// DropCaps clears effective, permitted and inheritable capability sets
	// and locks the secure bits before exec
	DropCaps bool
}
