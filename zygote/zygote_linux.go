package zygote

import (
	"errors"
	"fmt"
	"os/signal"
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/criyle/go-zygote/pkg/forkexec"
	"github.com/criyle/go-zygote/pkg/idmap"
	"github.com/criyle/go-zygote/pkg/unixsocket"
)

// zygoteServer is the template process. It serves one request at a time on
// a single OS thread so the raw clone in handleSpawn duplicates nothing but
// that thread and the fd table stays predictable.
type zygoteServer struct {
	socket *socket

	// mapper resolves the setuid mapping helpers; nil until the first spec
	// that needs more than a self map
	mapper *idmap.Mapper
}

func runZygote() error {
	runtime.GOMAXPROCS(zygoteMaxProc)

	// supervisors are cloned and reported, never awaited; ignoring SIGCHLD
	// lets the kernel collect them without zombies
	signal.Ignore(syscall.SIGCHLD)

	// ensure there's no fd leak to child process (e.g. VSCode leaks ptmx fd)
	if err := closeOnExecAllFds(); err != nil {
		return fmt.Errorf("zygote_init: failed to close_on_exec all fd %v", err)
	}

	// channel environment shared the socket at fd 3 (marked close_exec)
	soc, err := unixsocket.NewSocket(defaultFd)
	if err != nil {
		return fmt.Errorf("zygote_init: failed to new socket %v", err)
	}

	z := &zygoteServer{socket: newSocket(soc)}
	return z.serve()
}

func (z *zygoteServer) serve() error {
	for {
		var cm cmd
		msg, err := z.socket.RecvMsg(&cm)
		if err != nil {
			return fmt.Errorf("serve: recvCmd %v", err)
		}
		if err := z.handleCmd(cm, msg); err != nil {
			return fmt.Errorf("serve: failed to execute cmd %v", err)
		}
	}
}

func (z *zygoteServer) handleCmd(cm cmd, msg unixsocket.Msg) error {
	switch cm.Cmd {
	case cmdPing:
		closeFds(msg.Fds)
		return z.sendReply(reply{})

	case cmdSpawn:
		return z.handleSpawn(cm.SpawnCmd, msg)
	}
	closeFds(msg.Fds)
	return fmt.Errorf("unknown command: %v", cm.Cmd)
}

// handleSpawn clones one supervisor into fresh user and mount namespaces,
// commits the ID mapping while the child is parked below its execve, hands
// it the session conf and relays the supervisor's fork outcome. A failure
// at any point leaves no session process behind.
func (z *zygoteServer) handleSpawn(spawn *spawnCmd, msg unixsocket.Msg) error {
	if spawn == nil {
		closeFds(msg.Fds)
		return z.sendErrorReply(StageRequest, "spawn: no spawn parameter provided")
	}
	// the status pipe write end rides along the spawn message
	if len(msg.Fds) != 1 {
		closeFds(msg.Fds)
		return z.sendErrorReply(StageRequest, "spawn: expected 1 status fd, got %d", len(msg.Fds))
	}
	statusPipe := msg.Fds[0]
	defer syscall.Close(statusPipe)

	if err := spawn.Spec.Validate(); err != nil {
		return z.sendErrorReply(StageRequest, "spawn: %v", err)
	}
	spec := spawn.Spec

	mapper, err := z.idMapper(spec)
	if err != nil {
		return z.sendErrorReply(StageMapping, "spawn: %v", err)
	}

	// conf socket pair placed at fd 3 in the supervisor
	confHere, confThere, err := unixsocket.NewSocketPair()
	if err != nil {
		return z.sendErrorReply(StageRequest, "spawn: failed to create socket %v", err)
	}
	defer confHere.Close()

	confFile, err := confThere.File()
	confThere.Close()
	if err != nil {
		return z.sendErrorReply(StageRequest, "spawn: failed to dup conf socket fd %v", err)
	}
	defer confFile.Close()

	// pid namespace membership is fixed at clone time; the supervisor
	// becomes the namespace init and everything below dies with it
	cloneFlags := uintptr(unix.CLONE_NEWUSER|unix.CLONE_NEWNS) |
		spec.CloneFlags&unix.CLONE_NEWPID

	r := forkexec.Runner{
		Args: []string{selfExe, supervisorInit},
		Env:  []string{PathEnv},
		// stdin from the zygote's null stdin, prints to the shared stderr,
		// conf socket at 3 and status pipe at 4
		Files:      []uintptr{0, 2, 2, confFile.Fd(), uintptr(statusPipe)},
		CloneFlags: cloneFlags,
		// assume the in-namespace root identity once the mapping is
		// committed; uid 0 keeps the capability set across the exec
		Credential: &syscall.Credential{
			Uid:         0,
			Gid:         0,
			NoSetGroups: mapper == nil,
		},
		IDMapper:  mapper,
		Pdeathsig: syscall.SIGTERM,
	}

	pid, err := r.Start()
	if err != nil {
		return z.sendErrorReply(spawnFailureStage(err), "spawn: failed to start supervisor %v", err)
	}

	confSocket := newSocket(confHere)
	conf := sessionConf{
		ID:           spawn.ID,
		Spec:         spec,
		CallbackAddr: spawn.CallbackAddr,
	}
	if err := confSocket.SendMsg(conf, unixsocket.Msg{}); err != nil {
		syscall.Kill(pid, syscall.SIGKILL)
		return z.sendErrorReply(StageConf, "spawn: failed to send conf %v", err)
	}

	var srep supervisorReply
	if _, err := confSocket.RecvMsg(&srep); err != nil {
		syscall.Kill(pid, syscall.SIGKILL)
		return z.sendErrorReply(StageConf, "spawn: no supervisor reply %v", err)
	}
	if srep.Error != nil {
		// the supervisor reported, cleaned up after itself and is exiting
		return z.sendReply(reply{Error: srep.Error})
	}
	return z.sendReply(reply{SpawnReply: &spawnReply{
		SupervisorPID: pid,
		WorkloadPID:   srep.WorkloadPID,
	}})
}

// idMapper builds the forkexec mapping hook for the spec. A spec without
// explicit maps returns nil so forkexec writes the direct self map.
func (z *zygoteServer) idMapper(spec SandboxSpec) (func(pid int) error, error) {
	if len(spec.UIDMaps) == 0 {
		return nil, nil
	}
	if z.mapper == nil {
		m, err := idmap.LookupHelpers()
		if err != nil {
			return nil, err
		}
		z.mapper = m
	}
	m := z.mapper
	set := idmap.Set{UIDs: spec.UIDMaps, GIDs: spec.GIDMaps}
	return func(pid int) error {
		return m.Commit(pid, set)
	}, nil
}

// spawnFailureStage classifies a forkexec error into the protocol stage
func spawnFailureStage(err error) Stage {
	var commitErr *idmap.CommitError
	if errors.As(err, &commitErr) {
		return StageMapping
	}
	var childErr forkexec.ChildError
	if errors.As(err, &childErr) && childErr.Location == forkexec.LocUnshareUserRead {
		return StageMapping
	}
	return StageClone
}

func (z *zygoteServer) sendReply(rep reply) error {
	return z.socket.SendMsg(rep, unixsocket.Msg{})
}

func (z *zygoteServer) sendErrorReply(stage Stage, ft string, v ...interface{}) error {
	return z.sendReply(reply{Error: newError(stage, ft, v...)})
}
