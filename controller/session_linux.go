package controller

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/criyle/go-zygote/pkg/cgroup"
	"github.com/criyle/go-zygote/runner"
	"github.com/criyle/go-zygote/zygote"
)

// Session is the host handle of one sandbox session. It runs exactly one
// workload. Callers must Close it; a session whose last reference is
// dropped without Close is aborted by a finalizer as a backstop.
type Session struct {
	// ID names the session directory below the spec root.
	ID string
	// SupervisorPID is host visible. WorkloadPID is the sandbox process
	// pid, namespace local when a pid namespace was requested.
	SupervisorPID int
	WorkloadPID   int

	logger *slog.Logger
	grace  time.Duration
	root   string

	listener *zygote.CallbackListener
	statusR  *os.File
	pidfd    int
	cg       *cgroup.Cgroup

	mu        sync.Mutex
	state     State
	bridge    *zygote.Bridge
	acceptErr error
	result    *runner.Result
	leak      error

	// closed when the accept loop resolved, with or without a bridge
	bridged     chan struct{}
	releaseOnce sync.Once
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Result returns the cached workload result of a completed session.
func (s *Session) Result() (runner.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return runner.Result{}, false
	}
	return *s.result, true
}

// Err returns the leak record of a released session, nil after a clean
// release.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leak
}

func (s *Session) setupCgroup(parent string, lim zygote.Limits) error {
	cg, err := cgroup.New(parent, "zyg-"+s.ID)
	if err != nil {
		return fmt.Errorf("controller: cgroup: %w", err)
	}
	s.cg = cg
	if lim.Memory > 0 {
		if err := cg.SetMemoryMax(uint64(lim.Memory)); err != nil {
			return fmt.Errorf("controller: cgroup memory: %w", err)
		}
	}
	if lim.Pids > 0 {
		if err := cg.SetPidsMax(lim.Pids); err != nil {
			return fmt.Errorf("controller: cgroup pids: %w", err)
		}
	}
	if lim.CPUPercent > 0 {
		if err := cg.SetCPUMax(lim.CPUPercent*cpuPeriod/100, cpuPeriod); err != nil {
			return fmt.Errorf("controller: cgroup cpu: %w", err)
		}
	}
	// the supervisor joins first; the sandbox and the workload inherit on
	// fork, and the workload pid is attached again at the exec sync to
	// close the window of an early sandbox fork
	if err := cg.AddProc(s.SupervisorPID); err != nil {
		return fmt.Errorf("controller: cgroup attach: %w", err)
	}
	return nil
}

// acceptLoop resolves the callback listener into the session bridge.
func (s *Session) acceptLoop(timeout time.Duration) {
	b, err := s.listener.Accept(time.Now().Add(timeout))
	s.listener.Close()

	s.mu.Lock()
	if err != nil {
		s.acceptErr = err
		waiting := s.state == StateAwaitingCallback
		s.mu.Unlock()
		close(s.bridged)
		if waiting {
			s.logger.Warn("session callback failed", "err", err)
			s.Abort()
		}
		return
	}
	if s.state != StateAwaitingCallback {
		// aborted while the sandbox was dialing
		s.mu.Unlock()
		b.Close()
		close(s.bridged)
		return
	}
	s.bridge = b
	s.state = StateBridged
	s.mu.Unlock()
	close(s.bridged)
	s.logger.Debug("session bridged")
}

// Exec runs the workload and blocks for its result. It waits for the
// callback bridge first; context cancellation mid-run kills the workload
// and still collects the result.
func (s *Session) Exec(ctx context.Context, param zygote.ExecParam) (runner.Result, error) {
	select {
	case <-s.bridged:
	case <-ctx.Done():
		return runner.Result{}, ctx.Err()
	}

	s.mu.Lock()
	if s.state != StateBridged {
		err := s.execErrorLocked()
		s.mu.Unlock()
		return runner.Result{}, err
	}
	s.state = StateExecuting
	bridge := s.bridge
	s.mu.Unlock()

	// the cgroup attach rides the pre-execve sync
	userSync := param.SyncFunc
	param.SyncFunc = func(pid int) error {
		if s.cg != nil {
			if err := s.cg.AddProc(pid); err != nil {
				return err
			}
		}
		if userSync != nil {
			return userSync(pid)
		}
		return nil
	}

	s.logger.Debug("session executing")
	r := bridge.Exec(ctx, param)

	s.mu.Lock()
	if s.state == StateExecuting {
		s.state = StateCompleted
	}
	s.result = &r
	s.mu.Unlock()
	s.logger.Info("session completed",
		"status", r.Status.String(), "exit", r.ExitStatus)
	return r, nil
}

func (s *Session) execErrorLocked() error {
	if s.result != nil {
		return ErrSessionDone
	}
	switch {
	case s.state == StateExecuting:
		return errors.New("controller: exec already in progress")
	case s.acceptErr != nil:
		return fmt.Errorf("controller: callback: %v", s.acceptErr)
	default:
		return ErrSessionAborted
	}
}

// Abort ends the session from any live state and is idempotent. The
// workload is killed through the bridge and the cgroup, the supervisor is
// asked to tear down.
func (s *Session) Abort() {
	s.mu.Lock()
	if !canAdvance(s.state, StateAborted) {
		s.mu.Unlock()
		return
	}
	s.state = StateAborted
	bridge := s.bridge
	s.mu.Unlock()
	s.logger.Debug("session abort")

	// unblocks a pending accept; a sandbox dialing later fails and exits
	s.listener.Close()
	if bridge != nil {
		// the sandbox kills its workload on the broken connection
		bridge.Close()
	}
	if s.cg != nil {
		s.cg.Kill()
	}
	s.signalSupervisor(syscall.SIGTERM)
}

// Close ends the session if it still runs and releases it, blocking for
// the supervisor cleanup verdict. The leak record, if any, is returned
// and kept on Err.
func (s *Session) Close() error {
	runtime.SetFinalizer(s, nil)
	s.Abort()
	return s.release()
}

// release collects the supervisor's cleanup verdict exactly once.
func (s *Session) release() error {
	s.releaseOnce.Do(func() {
		line, err := s.readStatus()
		var leak error
		switch {
		case err == nil && line == zygote.StatusOK:
		case err == nil:
			leak = fmt.Errorf("controller: session %s: %s", s.ID, line)
		default:
			// no verdict within grace: put the supervisor down hard
			s.signalSupervisor(syscall.SIGKILL)
			leak = fmt.Errorf("controller: session %s: no cleanup verdict: %v", s.ID, err)
		}

		if s.cg != nil {
			s.cg.Kill()
			if err := s.cg.Destroy(); err != nil {
				s.logger.Warn("session cgroup not removed", "err", err)
			}
		}
		if s.pidfd >= 0 {
			unix.Close(s.pidfd)
		}
		s.statusR.Close()
		s.listener.Close()

		if leak != nil {
			// the supervisor could not confirm; sweep what the host side
			// can still reach
			if err := os.RemoveAll(filepath.Join(s.root, s.ID)); err != nil {
				s.logger.Debug("session dir sweep failed", "err", err)
			}
		}

		s.mu.Lock()
		if s.bridge != nil {
			s.bridge.Close()
		}
		s.state = StateReleased
		s.leak = leak
		s.mu.Unlock()

		if leak != nil {
			s.logger.Warn("session released with leak", "err", leak)
		} else {
			s.logger.Debug("session released")
		}
	})
	return s.Err()
}

func (s *Session) readStatus() (string, error) {
	s.statusR.SetReadDeadline(time.Now().Add(s.grace))
	line, err := bufio.NewReader(s.statusR).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// signalSupervisor prefers the pidfd so a recycled pid is never hit.
func (s *Session) signalSupervisor(sig syscall.Signal) {
	if s.pidfd >= 0 {
		if err := unix.PidfdSendSignal(s.pidfd, sig, nil, 0); err == nil {
			return
		}
	}
	syscall.Kill(s.SupervisorPID, sig)
}

// finalize catches sessions dropped without Close.
func (s *Session) finalize() {
	s.logger.Warn("session dropped without close")
	go func() {
		s.Abort()
		s.release()
	}()
}
