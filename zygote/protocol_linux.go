package zygote

import (
	"time"

	"github.com/criyle/go-zygote/pkg/rlimit"
	"github.com/criyle/go-zygote/pkg/seccomp"
	"github.com/criyle/go-zygote/runner"
)

// cmd is the control message sent to the zygote over the channel socket
type cmd struct {
	Cmd cmdType // type of the cmd

	SpawnCmd *spawnCmd // spawn argument
}

// spawnCmd requests one session; the status pipe write end rides along as
// the message's oob fd
type spawnCmd struct {
	ID           string      // session identifier, names the root directory
	Spec         SandboxSpec // resolved session spec
	CallbackAddr string      // abstract unix address the sandbox dials
}

// reply is the zygote's answer on the channel socket
type reply struct {
	Error      *Error // nil if no error
	SpawnReply *spawnReply
}

// spawnReply reports the pids of a started session
type spawnReply struct {
	SupervisorPID int // host pid of the supervisor
	WorkloadPID   int // host pid of the sandbox process
}

// sessionConf travels zygote -> supervisor -> sandbox over the conf
// sockets. The supervisor fills RootfsPath before relaying
type sessionConf struct {
	ID           string
	Spec         SandboxSpec
	CallbackAddr string
	RootfsPath   string // session root tmpfs, set by the supervisor
}

// supervisorReply reports the fork outcome back to the zygote
type supervisorReply struct {
	Error       *Error // nil if no error
	WorkloadPID int    // pid of the sandbox in the supervisor's view
}

// sbCmd is the control message sent to the sandbox over the callback
// connection
type sbCmd struct {
	Cmd cmdType // type of the cmd

	ProceedCmd *proceedCmd // proceed argument
}

// proceedCmd stores execve parameter; stdio fds ride as oob
type proceedCmd struct {
	Argv    []string        // execve argv
	Env     []string        // execve env
	RLimits []rlimit.RLimit // execve posix rlimit
	Seccomp seccomp.Filter  // seccomp filter
	FdExec  bool            // if execute from the first passed fd (memfd)
	WorkDir string          // overrides the spec work dir if set
}

// sbReply is the sandbox's message on the callback connection
type sbReply struct {
	Error     *Error // nil if no error
	Ready     *readyReply
	Sync      *syncReply
	ExecReply *execReply
}

// readyReply announces a populated and pivoted rootfs
type readyReply struct{}

// syncReply carries the started pid; when a pid namespace was requested
// the kernel-translated pid also arrives as credential oob
type syncReply struct {
	Pid int // workload pid in the sandbox's pid namespace
}

// execReply stores the workload result
type execReply struct {
	ExitStatus int           // waitpid exit status
	Status     runner.Status // return status
	Time       time.Duration // waitpid user CPU (ns)
	Memory     runner.Size   // waitpid user memory (byte)
}
