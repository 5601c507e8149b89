package controller

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/criyle/go-zygote/pkg/cgroup"
	"github.com/criyle/go-zygote/zygote"
)

// SpawnChannel is the zygote connection a Controller drives. It is the
// subset of *zygote.Channel the controller needs; tests substitute it.
type SpawnChannel interface {
	Spawn(zygote.SpawnRequest) (*zygote.SpawnResult, error)
}

var _ SpawnChannel = (*zygote.Channel)(nil)

// Controller errors
var (
	ErrControllerClosed = errors.New("controller: closed")
	ErrSessionAborted   = errors.New("controller: session aborted")
	ErrSessionDone      = errors.New("controller: session already executed")
)

const (
	defaultAcceptTimeout = 10 * time.Second
	defaultReleaseGrace  = 5 * time.Second

	// cpu.max period for percent limits, in us
	cpuPeriod = 100000
)

// Controller spawns sandbox sessions over one zygote channel.
type Controller struct {
	channel        SpawnChannel
	logger         *slog.Logger
	acceptTimeout  time.Duration
	releaseGrace   time.Duration
	proceedTimeout time.Duration
	cgroupParent   string

	mu     sync.Mutex
	closed bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger routes controller and session events to l.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithAcceptTimeout bounds the wait for the sandbox callback dial. A
// session whose sandbox never dials back is aborted.
func WithAcceptTimeout(d time.Duration) Option {
	return func(c *Controller) { c.acceptTimeout = d }
}

// WithReleaseGrace bounds the wait for the supervisor cleanup verdict on
// release before the supervisor is killed and the session recorded leaked.
func WithReleaseGrace(d time.Duration) Option {
	return func(c *Controller) { c.releaseGrace = d }
}

// WithProceedTimeout sets the in-sandbox proceed wait for specs that do
// not choose their own.
func WithProceedTimeout(d time.Duration) Option {
	return func(c *Controller) { c.proceedTimeout = d }
}

// WithCgroupParent places every session into a fresh cgroup below dir,
// which must be a cgroup v2 directory writable by this process. Spec
// limits are enforced only with a parent configured.
func WithCgroupParent(dir string) Option {
	return func(c *Controller) { c.cgroupParent = dir }
}

// New creates a Controller on ch.
func New(ch SpawnChannel, opts ...Option) (*Controller, error) {
	if ch == nil {
		return nil, errors.New("controller: no channel")
	}
	c := &Controller{
		channel:       ch,
		logger:        slog.Default(),
		acceptTimeout: defaultAcceptTimeout,
		releaseGrace:  defaultReleaseGrace,
	}
	for _, o := range opts {
		o(c)
	}
	if c.cgroupParent != "" {
		if err := cgroup.EnableControllers(c.cgroupParent); err != nil {
			return nil, fmt.Errorf("controller: cgroup parent: %w", err)
		}
	}
	return c, nil
}

// Close refuses further spawns. Existing sessions stay valid and release
// through their own status pipes. The zygote channel belongs to the
// caller; closing it ends the zygote, whose death in turn wakes every
// supervisor into self-cleanup through its parent death signal.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Spawn asks the zygote for a session and starts waiting in the
// background for its sandbox to dial back. The returned session is usable
// immediately; Exec blocks until the callback bridge is up.
func (c *Controller) Spawn(ctx context.Context, spec zygote.SandboxSpec) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrControllerClosed
	}
	if spec.ProceedTimeout == 0 {
		spec.ProceedTimeout = c.proceedTimeout
	}

	id, err := sessionID()
	if err != nil {
		return nil, err
	}
	logger := c.logger.With("session", id)

	cb, err := zygote.NewCallbackListener()
	if err != nil {
		return nil, err
	}
	statusR, statusW, err := os.Pipe()
	if err != nil {
		cb.Close()
		return nil, err
	}

	res, err := c.channel.Spawn(zygote.SpawnRequest{
		ID:           id,
		Spec:         spec,
		CallbackAddr: cb.Addr(),
		Status:       statusW,
	})
	// the zygote and the supervisor hold their own status fds now
	statusW.Close()
	if err != nil {
		cb.Close()
		statusR.Close()
		return nil, fmt.Errorf("controller: spawn: %w", err)
	}

	s := &Session{
		ID:            id,
		SupervisorPID: res.SupervisorPID,
		WorkloadPID:   res.WorkloadPID,
		logger:        logger,
		grace:         c.releaseGrace,
		root:          spec.Root,
		listener:      cb,
		statusR:       statusR,
		pidfd:         -1,
		state:         StateAcknowledged,
		bridged:       make(chan struct{}),
	}
	logger.Info("session spawned",
		"supervisor", res.SupervisorPID, "sandbox", res.WorkloadPID)

	// race-free supervisor signalling; plain kill remains the fallback on
	// kernels without pidfd
	if fd, err := unix.PidfdOpen(res.SupervisorPID, 0); err == nil {
		s.pidfd = fd
	}

	if c.cgroupParent != "" {
		if err := s.setupCgroup(c.cgroupParent, spec.Limits); err != nil {
			logger.Error("session cgroup failed", "err", err)
			s.Abort()
			s.release()
			return nil, err
		}
	}

	s.state = StateAwaitingCallback
	go s.acceptLoop(c.acceptTimeout)
	runtime.SetFinalizer(s, (*Session).finalize)
	return s, nil
}

func sessionID() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("controller: session id: %v", err)
	}
	return hex.EncodeToString(b[:]), nil
}
