package zygote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/criyle/go-zygote/pkg/rlimit"
	"github.com/criyle/go-zygote/pkg/seccomp"
	"github.com/criyle/go-zygote/pkg/unixsocket"
	"github.com/criyle/go-zygote/runner"
)

// CallbackListener awaits the sandbox process of one session. The address
// is abstract: it needs no file, survives the sandbox's pivot and vanishes
// with the listener.
type CallbackListener struct {
	listener *unixsocket.Listener
	addr     string
}

// NewCallbackListener opens a fresh abstract listener under a random name.
func NewCallbackListener() (*CallbackListener, error) {
	token, err := randToken()
	if err != nil {
		return nil, fmt.Errorf("callback: %v", err)
	}
	addr := "@zygote-cb-" + token
	l, err := unixsocket.Listen(addr)
	if err != nil {
		return nil, fmt.Errorf("callback: %v", err)
	}
	return &CallbackListener{listener: l, addr: addr}, nil
}

// Addr returns the abstract address for the spawn request.
func (l *CallbackListener) Addr() string {
	return l.addr
}

// Accept waits until deadline for the sandbox to dial in and report its
// rootfs ready, then hands the connection over as a Bridge.
func (l *CallbackListener) Accept(deadline time.Time) (*Bridge, error) {
	l.listener.SetDeadline(deadline)
	soc, err := l.listener.Accept()
	if err != nil {
		return nil, fmt.Errorf("callback: accept %v", err)
	}
	// the exec sync carries the workload pid as a credential
	if err := soc.SetPassCred(1); err != nil {
		soc.Close()
		return nil, fmt.Errorf("callback: failed to set passcred %v", err)
	}

	b := &Bridge{socket: newSocket(soc)}
	b.socket.SetReadDeadline(deadline)
	var rep sbReply
	if _, err := b.socket.RecvMsg(&rep); err != nil {
		b.socket.Close()
		return nil, fmt.Errorf("callback: ready %v", err)
	}
	b.socket.SetReadDeadline(time.Time{})

	if rep.Error != nil {
		b.socket.Close()
		return nil, rep.Error
	}
	if rep.Ready == nil {
		b.socket.Close()
		return nil, fmt.Errorf("callback: unexpected first message")
	}
	return b, nil
}

// Close stops listening. A sandbox dialing afterwards fails and exits.
func (l *CallbackListener) Close() error {
	return l.listener.Close()
}

// ExecParam is the parameter to run the workload of a session
type ExecParam struct {
	// Args holds command line arguments
	Args []string

	// Env specifies the environment of the process
	Env []string

	// Files specifies file descriptors for the child process
	Files []uintptr

	// ExecFile specifies file descriptor for executable file using fexecve
	ExecFile uintptr

	// WorkDir overrides the spec work dir when set
	WorkDir string

	// RLimits specifies POSIX Resource limit through setrlimit
	RLimits []rlimit.RLimit

	// Seccomp specifies seccomp filter
	Seccomp seccomp.Filter

	// SyncFunc calls with the workload pid just before execve (for
	// attaching the process to cgroups)
	SyncFunc func(pid int) error
}

// Bridge drives the exec phase of one session over the callback
// connection. A session runs exactly one workload.
type Bridge struct {
	socket *socket
	mu     sync.Mutex
}

// Exec runs the workload and blocks for its result. Context cancellation
// kills the workload and still collects the result.
func (b *Bridge) Exec(ctx context.Context, param ExecParam) runner.Result {
	b.mu.Lock()
	defer b.mu.Unlock()

	sTime := time.Now()

	errResult := func(f string, v ...interface{}) runner.Result {
		return runner.Result{
			Status: runner.StatusRunnerError,
			Error:  fmt.Sprintf(f, v...),
		}
	}

	// if execute with fd, put fd at the first parameter
	var files []int
	if param.ExecFile > 0 {
		files = append(files, int(param.ExecFile))
	}
	files = append(files, uintptrSliceToInt(param.Files)...)
	msg := unixsocket.Msg{
		Fds: files,
	}
	cm := sbCmd{
		Cmd: cmdProceed,
		ProceedCmd: &proceedCmd{
			Argv:    param.Args,
			Env:     param.Env,
			RLimits: param.RLimits,
			Seccomp: param.Seccomp,
			FdExec:  param.ExecFile > 0,
			WorkDir: param.WorkDir,
		},
	}
	if err := b.sendCmd(cm, msg); err != nil {
		return errResult("exec: sendCmd %v", err)
	}

	// sync: the workload pid arrives in the body; the credential carries
	// the kernel-translated pid when the session owns a pid namespace
	rep, rmsg, err := b.recvReply()
	if err != nil {
		return errResult("exec: recvReply %v", err)
	}
	if rep.Error != nil || rep.Sync == nil {
		// tell sync function to exit and sync
		b.execSyncKill()
		return errResult("exec: no pid received or error %v", rep.Error)
	}
	pid := rep.Sync.Pid
	if rmsg.Cred != nil {
		pid = int(rmsg.Cred.Pid)
	}
	if param.SyncFunc != nil {
		if err := param.SyncFunc(pid); err != nil {
			// tell sync function to exit and recv error
			b.execSyncKill()
			// tell kill function to exit and sync
			b.execSyncKill()
			return errResult("exec: syncfunc failed %v", err)
		}
	}
	// send to syncFunc ack ok
	if err := b.sendCmd(sbCmd{Cmd: cmdOk}, unixsocket.Msg{}); err != nil {
		return errResult("exec: ack failed %v", err)
	}

	return b.execWait(ctx, sTime)
}

// execWait waits for the result or the context, whichever first. Either
// way the protocol runs to its final ack so the sandbox exits cleanly.
func (b *Bridge) execWait(ctx context.Context, sTime time.Time) runner.Result {
	mTime := time.Now()

	type recvResult struct {
		reply sbReply
		err   error
	}
	recvCh := make(chan recvResult, 1)
	go func() {
		var rep sbReply
		_, err := b.socket.RecvMsg(&rep)
		recvCh <- recvResult{reply: rep, err: err}
	}()

	select {
	case <-ctx.Done(): // cancel
		b.sendCmd(sbCmd{Cmd: cmdKill}, unixsocket.Msg{}) // kill
		ret := <-recvCh
		if ret.err != nil {
			return convertReplyResult(sbReply{}, sTime, mTime, ret.err)
		}
		_, _, err := b.recvReply()
		return convertReplyResult(ret.reply, sTime, mTime, err)

	case ret := <-recvCh: // result
		if ret.err != nil { // socket error
			return convertReplyResult(sbReply{}, sTime, mTime, ret.err)
		}
		b.sendCmd(sbCmd{Cmd: cmdKill}, unixsocket.Msg{}) // kill
		_, _, err := b.recvReply()
		return convertReplyResult(ret.reply, sTime, mTime, err)
	}
}

// Close abandons the connection. A sandbox that still runs notices the
// socket error, kills whatever it started and exits; the supervisor then
// tears the session down.
func (b *Bridge) Close() error {
	return b.socket.Close()
}

func convertReplyResult(rep sbReply, sTime, mTime time.Time, err error) runner.Result {
	// handle potential error
	if err != nil {
		return runner.Result{
			Status: runner.StatusRunnerError,
			Error:  err.Error(),
		}
	}
	if rep.Error != nil {
		return runner.Result{
			Status: runner.StatusRunnerError,
			Error:  rep.Error.Error(),
		}
	}
	if rep.ExecReply == nil {
		return runner.Result{
			Status: runner.StatusRunnerError,
			Error:  "exec: no reply received",
		}
	}
	// emit result after all communication finish
	return runner.Result{
		Status:      rep.ExecReply.Status,
		ExitStatus:  rep.ExecReply.ExitStatus,
		Time:        rep.ExecReply.Time,
		Memory:      rep.ExecReply.Memory,
		SetUpTime:   mTime.Sub(sTime),
		RunningTime: time.Since(mTime),
	}
}

// execSyncKill will send kill and recv reply
func (b *Bridge) execSyncKill() {
	b.sendCmd(sbCmd{Cmd: cmdKill}, unixsocket.Msg{})
	b.recvReply()
}

func (b *Bridge) sendCmd(cm sbCmd, msg unixsocket.Msg) error {
	return b.socket.SendMsg(cm, msg)
}

func (b *Bridge) recvReply() (*sbReply, unixsocket.Msg, error) {
	rep := new(sbReply)
	msg, err := b.socket.RecvMsg(rep)
	if err != nil {
		return nil, msg, err
	}
	return rep, msg, nil
}
