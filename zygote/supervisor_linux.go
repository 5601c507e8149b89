package zygote

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/criyle/go-zygote/pkg/forkexec"
	"github.com/criyle/go-zygote/pkg/unixsocket"
)

// supervisor owns the session directory and outlives the sandbox process to
// tear it down. When a pid namespace was requested it is the namespace init
// and collects every reparented orphan of the session.
type supervisor struct {
	socket *socket
	conf   sessionConf
	status *os.File

	sessionDir string
}

func runSupervisor() error {
	// mark inherited fds close_on_exec so only the explicit fd map reaches
	// the sandbox process, in particular not the status pipe
	if err := closeOnExecAllFds(); err != nil {
		return fmt.Errorf("supervisor_init: failed to close_on_exec all fd %v", err)
	}

	// conf socket from the zygote at fd 3
	soc, err := unixsocket.NewSocket(defaultFd)
	if err != nil {
		return fmt.Errorf("supervisor_init: failed to new socket %v", err)
	}

	s := &supervisor{
		socket: newSocket(soc),
		status: os.NewFile(uintptr(statusFd), "status"),
	}
	if _, err := s.socket.RecvMsg(&s.conf); err != nil {
		return fmt.Errorf("supervisor_init: failed to recv conf %v", err)
	}
	return s.run()
}

func (s *supervisor) run() error {
	s.sessionDir = filepath.Join(s.conf.Spec.Root, s.conf.ID)

	if rerr := s.prepareSessionDir(); rerr != nil {
		s.sendReply(supervisorReply{Error: rerr})
		return rerr
	}

	// subscribe before the fork so the sandbox exit cannot be missed
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGCHLD, syscall.SIGTERM, syscall.SIGINT)

	pid, err := s.forkSandbox()
	if err != nil {
		rerr := newError(StageFork, "fork: %v", err)
		s.sendReply(supervisorReply{Error: rerr})
		s.cleanupSession(0)
		return rerr
	}
	s.sendReply(supervisorReply{WorkloadPID: pid})

	s.park(sigCh, pid)

	if err := s.cleanupSession(pid); err != nil {
		s.writeStatus("cleanup_failed: " + err.Error())
		return fmt.Errorf("cleanup: %v", err)
	}
	s.writeStatus(StatusOK)
	return nil
}

func (s *supervisor) prepareSessionDir() *Error {
	if err := os.Mkdir(s.sessionDir, 0700); err != nil {
		return newError(StageMount, "mount: failed to create session dir %v", err)
	}
	data := fmt.Sprintf("size=%d,mode=755", uint64(s.conf.Spec.TmpfsSize))
	if err := syscall.Mount("tmpfs", s.sessionDir, "tmpfs", syscall.MS_NOSUID|syscall.MS_NODEV, data); err != nil {
		os.Remove(s.sessionDir)
		return newError(StageMount, "mount: failed to mount session tmpfs %v", err)
	}
	return nil
}

func (s *supervisor) forkSandbox() (int, error) {
	spec := s.conf.Spec

	confHere, confThere, err := unixsocket.NewSocketPair()
	if err != nil {
		return 0, fmt.Errorf("failed to create socket %v", err)
	}
	defer confHere.Close()

	confFile, err := confThere.File()
	confThere.Close()
	if err != nil {
		return 0, fmt.Errorf("failed to dup conf socket fd %v", err)
	}
	defer confFile.Close()

	// uts and ipc namespaces belong to the workload side; the mount
	// namespace is always unshared so the pivot cannot disturb the
	// session mounts
	cloneFlags := uintptr(unix.CLONE_NEWNS) |
		spec.CloneFlags&(unix.CLONE_NEWUTS|unix.CLONE_NEWIPC)

	r := forkexec.Runner{
		Args:       []string{selfExe, sandboxInit},
		Env:        []string{PathEnv},
		Files:      []uintptr{0, 2, 2, confFile.Fd()},
		CloneFlags: cloneFlags,
		Pdeathsig:  syscall.SIGKILL,
	}
	pid, err := r.Start()
	if err != nil {
		return 0, err
	}

	// relay the conf with the session root filled in
	conf := s.conf
	conf.RootfsPath = s.sessionDir
	sb := newSocket(confHere)
	if err := sb.SendMsg(conf, unixsocket.Msg{}); err != nil {
		syscall.Kill(pid, syscall.SIGKILL)
		return 0, fmt.Errorf("failed to send conf %v", err)
	}
	return pid, nil
}

// park blocks until the sandbox process exits or a teardown signal
// arrives. Reparented orphans are reaped as they appear.
func (s *supervisor) park(sigCh chan os.Signal, pid int) {
	for sig := range sigCh {
		if sig != syscall.SIGCHLD {
			return
		}
		for {
			wpid, err := syscall.Wait4(-1, nil, syscall.WNOHANG, nil)
			if err == syscall.EINTR {
				continue
			}
			if wpid == pid {
				return
			}
			if err != nil || wpid <= 0 {
				break
			}
		}
	}
}

// cleanupSession kills what remains of the session, reaps it, detaches the
// session tmpfs and removes the directory.
func (s *supervisor) cleanupSession(pid int) error {
	// as pid namespace init, -1 reaches every other process in the
	// namespace. Otherwise killing the sandbox group is the best local
	// effort; the host side cgroup covers stray descendants
	if s.conf.Spec.CloneFlags&unix.CLONE_NEWPID != 0 {
		syscall.Kill(-1, syscall.SIGKILL)
	} else if pid > 0 {
		syscall.Kill(pid, syscall.SIGKILL)
		syscall.Kill(-pid, syscall.SIGKILL)
	}
	for {
		wpid, err := syscall.Wait4(-1, nil, 0, nil)
		if err == syscall.EINTR {
			continue
		}
		if err != nil || wpid <= 0 {
			break
		}
	}

	return removeSessionDir(s.sessionDir)
}

// removeSessionDir detaches the session tmpfs and removes the directory.
// Another party may have torn either down already; the remove is the
// verdict, a directory still carrying a mount fails it with EBUSY.
func removeSessionDir(dir string) error {
	if err := unix.Unmount(dir, unix.MNT_DETACH|unix.UMOUNT_NOFOLLOW); err != nil &&
		err != unix.EINVAL && err != unix.ENOENT && err != unix.EPERM {
		return fmt.Errorf("umount session root: %v", err)
	}
	if err := os.Remove(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove session root: %v", err)
	}
	return nil
}

// writeStatus puts the final status line on the status pipe. The read end
// may already be gone; nothing to do about a failed write.
func (s *supervisor) writeStatus(line string) {
	s.status.Write([]byte(line + "\n"))
	s.status.Close()
}

// sendReply reports to the zygote; a send failure means the zygote gave up
// and the outcome travels through the status pipe instead
func (s *supervisor) sendReply(rep supervisorReply) {
	s.socket.SendMsg(rep, unixsocket.Msg{})
}
