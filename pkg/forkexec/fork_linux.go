package forkexec

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Start forks the child, commits ID mappings when a user namespace is
// requested, loads seccomp and execs. It returns the child pid; on any
// failure the child is killed and reaped before the error returns.
func (r *Runner) Start() (int, error) {
	argv0, argv, env, err := prepareExec(r.Args, r.Env)
	if err != nil {
		return 0, err
	}

	// prepare work dir
	workdir, err := syscallStringFromString(r.WorkDir)
	if err != nil {
		return 0, err
	}

	// socketpair p is used to notify child that uid / gid mapping has been
	// committed, and to sync with child before the final execve
	// p[0] is used by parent and p[1] is used by child
	p, err := syscall.Socketpair(syscall.AF_LOCAL, syscall.SOCK_STREAM|syscall.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}

	// fork in child
	pid, err1 := forkAndExecInChild(r, argv0, argv, env, workdir, p)

	// restore all signals
	afterFork()
	syscall.ForkLock.Unlock()

	return syncWithChild(r, p, int(pid), err1)
}

func syncWithChild(r *Runner, p [2]int, pid int, err1 syscall.Errno) (int, error) {
	var (
		r1          uintptr
		err2        syscall.Errno
		err         error
		childError  ChildError
		unshareUser = r.CloneFlags&unix.CLONE_NEWUSER == unix.CLONE_NEWUSER
	)

	// sync with child
	unix.Close(p[1])

	// clone syscall failed
	if err1 != 0 {
		unix.Close(p[0])
		return 0, ChildError{Err: err1, Location: LocClone}
	}

	// the child blocks on the pipe until the mapping is committed; answer
	// with zero errno on success or fail it with the mapper's errno
	if unshareUser {
		if r.IDMapper != nil {
			err = r.IDMapper(pid)
		} else {
			err = writeSelfMaps(pid)
		}
		if err != nil {
			err2 = errnoFromErr(err)
		}
		syscall.RawSyscall(syscall.SYS_WRITE, uintptr(p[0]), uintptr(unsafe.Pointer(&err2)), uintptr(unsafe.Sizeof(err2)))
		if err != nil {
			// drain the child's exit report before reaping it
			syscall.RawSyscall(syscall.SYS_READ, uintptr(p[0]), uintptr(unsafe.Pointer(&childError)), uintptr(unsafe.Sizeof(childError)))
			goto fail
		}
	}

	// child sends a zero ChildError right before execve, or a populated one
	// from the failing location
	r1, _, err1 = syscall.RawSyscall(syscall.SYS_READ, uintptr(p[0]), uintptr(unsafe.Pointer(&childError)), uintptr(unsafe.Sizeof(childError)))
	if r1 != unsafe.Sizeof(childError) || err1 != 0 || childError.Err != 0 {
		err = handlePipeError(r1, childError)
		goto fail
	}

	// if syncfunc returns error, then fail child immediately
	if r.SyncFunc != nil {
		if err = r.SyncFunc(pid); err != nil {
			goto fail
		}
	}
	// otherwise, ack child (err2 == 0)
	err2 = 0
	syscall.RawSyscall(syscall.SYS_WRITE, uintptr(p[0]), uintptr(unsafe.Pointer(&err2)), uintptr(unsafe.Sizeof(err2)))

	// if anything is read then the child failed after sync (pipe is
	// close_on_exec so a successful exec closes it without data)
	r1, _, err1 = syscall.RawSyscall(syscall.SYS_READ, uintptr(p[0]), uintptr(unsafe.Pointer(&childError)), uintptr(unsafe.Sizeof(childError)))
	unix.Close(p[0])
	if r1 != 0 || err1 != 0 {
		err = handlePipeError(r1, childError)
		goto failAfterClose
	}
	return pid, nil

fail:
	unix.Close(p[0])

failAfterClose:
	handleChildFailed(pid)
	return 0, err
}

// handlePipeError converts whatever arrived on the sync pair into an error
func handlePipeError(r1 uintptr, childError ChildError) error {
	if r1 == unsafe.Sizeof(childError) {
		return childError
	}
	return syscall.EPIPE
}

// errnoFromErr extracts an errno to forward to the child; mapper failures
// without a syscall origin degrade to EPERM
func errnoFromErr(err error) syscall.Errno {
	if errno, ok := err.(syscall.Errno); ok {
		return errno
	}
	return syscall.EPERM
}

func handleChildFailed(pid int) {
	var wstatus syscall.WaitStatus
	// make sure not blocked
	syscall.Kill(pid, syscall.SIGKILL)
	// child failed; wait for it to exit, to make sure the zombies don't accumulate
	_, err := syscall.Wait4(pid, &wstatus, 0, nil)
	for err == syscall.EINTR {
		_, err = syscall.Wait4(pid, &wstatus, 0, nil)
	}
}
