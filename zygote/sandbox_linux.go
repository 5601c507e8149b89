package zygote

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/criyle/go-zygote/pkg/forkexec"
	"github.com/criyle/go-zygote/pkg/unixsocket"
	"github.com/criyle/go-zygote/runner"
)

// sandboxServer runs one workload and exits. It owns the callback
// connection to the controller; a socket error at any point kills whatever
// was started and ends the process.
type sandboxServer struct {
	socket *socket
	conf   sessionConf

	done     chan struct{}
	err      error
	doneOnce sync.Once

	recvCh chan recvCmd
	sendCh chan sendReply

	waitPid       chan int
	waitPidResult chan waitPidResult

	waitAll     chan struct{}
	waitAllDone chan struct{}
}

type recvCmd struct {
	Cmd sbCmd
	Msg unixsocket.Msg
}

type sendReply struct {
	Reply sbReply
	Msg   unixsocket.Msg
}

type waitPidResult struct {
	WaitStatus syscall.WaitStatus
	Rusage     syscall.Rusage
	Err        error
}

func runSandbox() error {
	// ensure there's no fd leak to the workload beyond the explicit map
	if err := closeOnExecAllFds(); err != nil {
		return fmt.Errorf("sandbox_init: failed to close_on_exec all fd %v", err)
	}

	// conf socket from the supervisor at fd 3
	soc, err := unixsocket.NewSocket(defaultFd)
	if err != nil {
		return fmt.Errorf("sandbox_init: failed to new socket %v", err)
	}
	confSocket := newSocket(soc)

	var conf sessionConf
	if _, err := confSocket.RecvMsg(&conf); err != nil {
		return fmt.Errorf("sandbox_init: failed to recv conf %v", err)
	}
	confSocket.Close()

	// the rootfs must be in place before anything is reported; a failure
	// here surfaces on stderr and as a missed callback
	if err := initSession(conf); err != nil {
		return err
	}

	// the callback address is abstract: it survives the pivot and lives in
	// the network namespace this process still shares with the host
	cb, err := unixsocket.Dial(conf.CallbackAddr)
	if err != nil {
		return fmt.Errorf("sandbox_init: failed to dial callback %v", err)
	}

	s := &sandboxServer{
		socket:        newSocket(cb),
		conf:          conf,
		done:          make(chan struct{}),
		sendCh:        make(chan sendReply, 1),
		recvCh:        make(chan recvCmd, 1),
		waitPid:       make(chan int),
		waitAll:       make(chan struct{}),
		waitPidResult: make(chan waitPidResult, 1),
		waitAllDone:   make(chan struct{}, 1),
	}

	// a controller that accepted but never decides must not pin the
	// session forever
	s.socket.SetReadDeadline(time.Now().Add(conf.Spec.ProceedTimeout))

	go s.sendLoop()
	go s.recvLoop()
	go s.waitLoop()

	return s.serve()
}

// serve announces the populated rootfs and runs the single verdict:
// proceed into the workload or kill.
func (s *sandboxServer) serve() error {
	if err := s.sendReply(sbReply{Ready: &readyReply{}}, unixsocket.Msg{}); err != nil {
		return fmt.Errorf("serve: ready %v", err)
	}

	cm, msg, err := s.recvCmd()
	if err != nil {
		return fmt.Errorf("serve: recvCmd %v", err)
	}
	s.socket.SetReadDeadline(time.Time{})

	switch cm.Cmd {
	case cmdKill:
		// aborted before exec; nothing was started
		return nil

	case cmdProceed:
		return s.handleProceed(cm.ProceedCmd, msg)
	}
	return fmt.Errorf("serve: unknown command %v", cm.Cmd)
}

func (s *sandboxServer) sendLoop() {
	for {
		select {
		case <-s.done:
			return

		case rep, ok := <-s.sendCh:
			if !ok {
				return
			}
			if err := s.socket.SendMsg(rep.Reply, rep.Msg); err != nil {
				s.socketError(err)
				return
			}
		}
	}
}

func (s *sandboxServer) recvLoop() {
	for {
		var cm sbCmd
		msg, err := s.socket.RecvMsg(&cm)
		if err != nil {
			s.socketError(err)
			return
		}
		s.recvCh <- recvCmd{
			Cmd: cm,
			Msg: msg,
		}
	}
}

func (s *sandboxServer) socketError(err error) {
	s.doneOnce.Do(func() {
		s.err = err
		close(s.done)
	})
}

func (s *sandboxServer) waitLoop() {
	for {
		select {
		case pid := <-s.waitPid:
			var waitStatus syscall.WaitStatus
			var rusage syscall.Rusage

			_, err := syscall.Wait4(pid, &waitStatus, 0, &rusage)
			for err == syscall.EINTR {
				_, err = syscall.Wait4(pid, &waitStatus, 0, &rusage)
			}
			if err != nil {
				s.waitPidResult <- waitPidResult{
					Err: err,
				}
				continue
			}
			s.waitPidResult <- waitPidResult{
				WaitStatus: waitStatus,
				Rusage:     rusage,
			}

		case <-s.waitAll:
			for {
				if _, err := syscall.Wait4(-1, nil, syscall.WNOHANG, nil); err != nil && err != syscall.EINTR {
					break
				}
			}
			s.waitAllDone <- struct{}{}
		}
	}
}

// handleProceed execs the workload and relays its result. The stdio fds
// arrive as oob with the command; the first one is the executable when
// FdExec is set.
func (s *sandboxServer) handleProceed(cmd *proceedCmd, msg unixsocket.Msg) error {
	var (
		files    []uintptr
		execFile uintptr
	)
	if cmd == nil {
		return s.sendErrorReply("proceed: no parameter provided")
	}
	if len(msg.Fds) > 0 {
		files = intSliceToUintptr(msg.Fds)
		// don't leak fds to child
		closeOnExecFds(msg.Fds)
		// release files after execve
		defer closeFds(msg.Fds)
	}

	if cmd.FdExec {
		if len(files) == 0 {
			return s.sendErrorReply("proceed: expected exec fd")
		}
		execFile = files[0]
		files = files[1:]
	}

	workDir := s.conf.Spec.WorkDir
	if cmd.WorkDir != "" {
		workDir = cmd.WorkDir
	}

	var filter *syscall.SockFprog
	if cmd.Seccomp != nil {
		filter = cmd.Seccomp.SockFprog()
	}

	newPidNS := s.conf.Spec.CloneFlags&unix.CLONE_NEWPID != 0

	syncFunc := func(pid int) error {
		msg := unixsocket.Msg{}
		// the kernel translates a credential pid into the receiver's pid
		// namespace, but claiming a child pid requires the pid namespace
		// to be owned by the session user namespace
		if newPidNS {
			msg.Cred = &syscall.Ucred{
				Pid: int32(pid),
				Uid: uint32(syscall.Getuid()),
				Gid: uint32(syscall.Getgid()),
			}
		}
		if err := s.sendReply(sbReply{Sync: &syncReply{Pid: pid}}, msg); err != nil {
			return fmt.Errorf("syncFunc: sendReply %v", err)
		}
		cm, _, err := s.recvCmd()
		if err != nil {
			return fmt.Errorf("syncFunc: recvCmd %v", err)
		}
		if cm.Cmd == cmdKill {
			return fmt.Errorf("syncFunc: received kill")
		}
		return nil
	}

	r := forkexec.Runner{
		Args:     cmd.Argv,
		Env:      cmd.Env,
		ExecFile: execFile,
		RLimits:  cmd.RLimits,
		Files:    files,
		WorkDir:  workDir,
		// a network namespace requested by the spec appears only at this
		// last hop, after the callback connection was established
		CloneFlags: s.conf.Spec.CloneFlags & unix.CLONE_NEWNET,
		NoNewPrivs: true,
		DropCaps:   true,
		SyncFunc:   syncFunc,
		Seccomp:    filter,
	}
	// starts the runner, error is handled same as wait4 to make communication equal
	pid, err := r.Start()
	if err != nil {
		s.sendErrorReply("proceed: start: %v", err)
		s.recvCmd()
		return s.sendReply(sbReply{}, unixsocket.Msg{})
	}
	return s.handleExecStarted(pid)
}

func (s *sandboxServer) handleExecStarted(pid int) error {
	// At this point, either recv kill / send result would happen
	// controller -> sandbox: kill
	// sandbox -> controller: result
	// sandbox -> controller: done

	// Let's register a wait event
	s.waitPid <- pid

	var ret waitPidResult
	select {
	case <-s.done: // socket error happened
		s.killAll(pid)
		return s.err

	case <-s.recvCh: // kill cmd received
		s.killAll(pid)
		ret = <-s.waitPidResult
		s.waitAll <- struct{}{}

		if err := s.sendReply(convertReply(ret), unixsocket.Msg{}); err != nil {
			return err
		}

	case ret = <-s.waitPidResult: // workload returned
		s.killAll(pid)
		s.waitAll <- struct{}{}

		if err := s.sendReply(convertReply(ret), unixsocket.Msg{}); err != nil {
			return err
		}
		if _, _, err := s.recvCmd(); err != nil { // kill cmd received
			return err
		}
	}
	<-s.waitAllDone
	return s.sendReply(sbReply{}, unixsocket.Msg{})
}

// killAll ends everything started for the workload. Inside a session pid
// namespace -1 reaches it all; otherwise the workload's process group is
// the best local effort and the host side cgroup covers the rest.
func (s *sandboxServer) killAll(pid int) {
	if s.conf.Spec.CloneFlags&unix.CLONE_NEWPID != 0 {
		syscall.Kill(-1, syscall.SIGKILL)
	} else {
		syscall.Kill(-pid, syscall.SIGKILL)
	}
}

func convertReply(ret waitPidResult) sbReply {
	if ret.Err != nil {
		return sbReply{Error: newError(StageExec, "proceed: wait4 %v", ret.Err)}
	}

	waitStatus := ret.WaitStatus
	rusage := ret.Rusage

	status := runner.StatusNormal
	userTime := time.Duration(rusage.Utime.Nano()) // ns
	userMem := runner.Size(rusage.Maxrss << 10)    // bytes
	switch {
	case waitStatus.Exited():
		exitStatus := waitStatus.ExitStatus()
		if exitStatus != 0 {
			status = runner.StatusNonzeroExitStatus
		}
		return sbReply{
			ExecReply: &execReply{
				Status:     status,
				ExitStatus: exitStatus,
				Time:       userTime,
				Memory:     userMem,
			},
		}

	case waitStatus.Signaled():
		switch waitStatus.Signal() {
		// kill signal treats as TLE
		case syscall.SIGXCPU, syscall.SIGKILL:
			status = runner.StatusTimeLimitExceeded
		case syscall.SIGXFSZ:
			status = runner.StatusOutputLimitExceeded
		default:
			status = runner.StatusSignalled
		}
		return sbReply{
			ExecReply: &execReply{
				ExitStatus: int(waitStatus.Signal()),
				Status:     status,
				Time:       userTime,
				Memory:     userMem,
			},
		}

	default:
		return sbReply{Error: newError(StageExec, "proceed: unknown status %v", waitStatus)}
	}
}

func (s *sandboxServer) recvCmd() (sbCmd, unixsocket.Msg, error) {
	select {
	case <-s.done:
		return sbCmd{}, unixsocket.Msg{}, s.err

	case recv := <-s.recvCh:
		return recv.Cmd, recv.Msg, nil
	}
}

func (s *sandboxServer) sendReply(rep sbReply, msg unixsocket.Msg) error {
	select {
	case <-s.done:
		return s.err

	case s.sendCh <- sendReply{Reply: rep, Msg: msg}:
		return nil
	}
}

// sendErrorReply sends error reply
func (s *sandboxServer) sendErrorReply(ft string, v ...interface{}) error {
	return s.sendReply(sbReply{Error: newError(StageExec, ft, v...)}, unixsocket.Msg{})
}
