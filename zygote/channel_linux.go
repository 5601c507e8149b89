package zygote

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/criyle/go-zygote/pkg/unixsocket"
)

// Builder configures and starts a zygote template process.
type Builder struct {
	// ExecFile is an executable whose main calls Init; empty re-execs the
	// current binary through /proc/self/exe
	ExecFile string

	// Stderr receives the prints of the zygote and every session process
	// below it; nil discards them
	Stderr io.Writer
}

// ErrChannelBroken reports a channel whose template process stopped
// answering. Once broken the channel fails every call fast; the only
// recovery is a new zygote.
var ErrChannelBroken = errors.New("zygote: channel broken")

// Channel is the host handle of one template process. Calls are
// serialized: the zygote answers strictly one request at a time.
type Channel struct {
	process *os.Process
	socket  *socket

	mu     sync.Mutex
	broken bool
}

// SpawnRequest describes one session to start.
type SpawnRequest struct {
	// ID names the session directory under Spec.Root; a flat name, no
	// separators
	ID string

	// Spec is the session spec; zero fields are filled with defaults
	Spec SandboxSpec

	// CallbackAddr is the abstract address the sandbox process dials
	// after its pivot
	CallbackAddr string

	// Status is the write end of the session status pipe, placed at the
	// supervisor's fd 4. The caller keeps the read end and closes this
	// copy once Spawn returns.
	Status *os.File
}

// SpawnResult reports a started session.
type SpawnResult struct {
	// SupervisorPID is the supervisor's pid as seen by the host
	SupervisorPID int

	// WorkloadPID is the sandbox process pid in the supervisor's view,
	// which is namespace local when a pid namespace was requested
	WorkloadPID int
}

const (
	// avoid infinite wait (max 3s)
	pingWait = 3 * time.Second
	// a spawn crosses two forks and a mapping commit; well above any
	// healthy latency
	spawnWait = 10 * time.Second
)

// Start launches the zygote over a socketpair at fd 3 and pings it once.
func (b *Builder) Start() (*Channel, error) {
	ins, outs, err := unixsocket.NewSocketPair()
	if err != nil {
		return nil, fmt.Errorf("zygote: failed to create socket %v", err)
	}
	defer outs.Close()

	outf, err := outs.File()
	if err != nil {
		ins.Close()
		return nil, fmt.Errorf("zygote: failed to dup socket fd %v", err)
	}
	defer outf.Close()

	exe := b.ExecFile
	if exe == "" {
		exe = selfExe
	}

	r := exec.Cmd{
		Path:       exe,
		Args:       []string{exe, zygoteInit},
		Env:        []string{PathEnv},
		Stderr:     b.Stderr,
		ExtraFiles: []*os.File{outf},
	}
	if err := r.Start(); err != nil {
		ins.Close()
		return nil, fmt.Errorf("zygote: failed to start zygote %v", err)
	}

	ch := &Channel{
		process: r.Process,
		socket:  newSocket(ins),
	}
	// avoid talking to an executable whose main never calls Init
	if err := ch.Ping(); err != nil {
		ch.Close()
		return nil, fmt.Errorf("zygote: zygote not responding to ping %v", err)
	}
	return ch, nil
}

// Ping verifies the template process still answers.
func (c *Channel) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken {
		return ErrChannelBroken
	}

	c.socket.SetDeadline(time.Now().Add(pingWait))
	defer c.socket.SetDeadline(time.Time{})

	if err := c.sendCmd(cmd{Cmd: cmdPing}, unixsocket.Msg{}); err != nil {
		return fmt.Errorf("ping: %v", err)
	}
	rep, _, err := c.recvReply()
	if err != nil {
		return fmt.Errorf("ping: %v", err)
	}
	if rep.Error != nil {
		return fmt.Errorf("ping: %v", rep.Error)
	}
	return nil
}

// Spawn asks the zygote for one session. On success the session is
// running: the supervisor owns its directory and the sandbox process is
// about to dial the callback address.
func (c *Channel) Spawn(req SpawnRequest) (*SpawnResult, error) {
	if req.Status == nil {
		return nil, fmt.Errorf("spawn: no status file provided")
	}
	if req.ID == "" || req.ID == "." || req.ID == ".." || strings.ContainsRune(req.ID, '/') {
		return nil, fmt.Errorf("spawn: invalid session id %q", req.ID)
	}
	spec := req.Spec.withDefaults()
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken {
		return nil, ErrChannelBroken
	}

	c.socket.SetDeadline(time.Now().Add(spawnWait))
	defer c.socket.SetDeadline(time.Time{})

	cm := cmd{
		Cmd: cmdSpawn,
		SpawnCmd: &spawnCmd{
			ID:           req.ID,
			Spec:         spec,
			CallbackAddr: req.CallbackAddr,
		},
	}
	msg := unixsocket.Msg{Fds: []int{int(req.Status.Fd())}}
	if err := c.sendCmd(cm, msg); err != nil {
		return nil, fmt.Errorf("spawn: %v", err)
	}
	rep, _, err := c.recvReply()
	if err != nil {
		return nil, fmt.Errorf("spawn: %v", err)
	}
	if rep.Error != nil {
		return nil, rep.Error
	}
	if rep.SpawnReply == nil {
		c.broken = true
		return nil, fmt.Errorf("spawn: empty reply")
	}
	return &SpawnResult{
		SupervisorPID: rep.SpawnReply.SupervisorPID,
		WorkloadPID:   rep.SpawnReply.WorkloadPID,
	}, nil
}

// Close ends the template process. Running sessions are not touched
// directly; their supervisors notice the zygote's death and tear down.
func (c *Channel) Close() error {
	// close socket (abort any ongoing command)
	c.socket.Close()

	// wait commands terminate
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broken = true

	c.process.Kill()
	_, err := c.process.Wait()
	return err
}

// a failed transfer desyncs the request reply pairing; latch broken
func (c *Channel) sendCmd(cm cmd, msg unixsocket.Msg) error {
	if err := c.socket.SendMsg(cm, msg); err != nil {
		c.broken = true
		return err
	}
	return nil
}

func (c *Channel) recvReply() (*reply, unixsocket.Msg, error) {
	rep := new(reply)
	msg, err := c.socket.RecvMsg(rep)
	if err != nil {
		c.broken = true
		return nil, msg, err
	}
	return rep, msg, nil
}
