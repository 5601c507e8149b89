package controller

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/criyle/go-zygote/zygote"
)

// stubChannel stands in for the zygote. It keeps a dup of the status pipe
// write end the way the real zygote forwards it over SCM_RIGHTS, so tests
// can play the supervisor's part.
type stubChannel struct {
	pid    int
	broken error

	mu     sync.Mutex
	reqs   []zygote.SpawnRequest
	status *os.File
}

func (c *stubChannel) Spawn(req zygote.SpawnRequest) (*zygote.SpawnResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqs = append(c.reqs, req)
	if c.broken != nil {
		return nil, c.broken
	}
	fd, err := syscall.Dup(int(req.Status.Fd()))
	if err != nil {
		return nil, err
	}
	c.status = os.NewFile(uintptr(fd), "status-dup")
	return &zygote.SpawnResult{SupervisorPID: c.pid, WorkloadPID: 2}, nil
}

func (c *stubChannel) lastReq() zygote.SpawnRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reqs[len(c.reqs)-1]
}

func (c *stubChannel) lastStatus() *os.File {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// startFakeSupervisor provides a live process the session can signal.
func startFakeSupervisor(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("sleep", "60")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})
	return cmd
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSpawnChannelError(t *testing.T) {
	t.Parallel()
	ch := &stubChannel{broken: zygote.ErrChannelBroken}
	c, err := New(ch, WithLogger(testLogger()))
	require.NoError(t, err)
	_, err = c.Spawn(context.TODO(), zygote.SandboxSpec{Root: "/tmp"})
	require.ErrorIs(t, err, zygote.ErrChannelBroken)
}

func TestControllerClosed(t *testing.T) {
	t.Parallel()
	c, err := New(&stubChannel{}, WithLogger(testLogger()))
	require.NoError(t, err)
	require.NoError(t, c.Close())
	_, err = c.Spawn(context.TODO(), zygote.SandboxSpec{Root: "/tmp"})
	require.ErrorIs(t, err, ErrControllerClosed)
}

func TestSessionAcceptTimeout(t *testing.T) {
	t.Parallel()
	sup := startFakeSupervisor(t)
	ch := &stubChannel{pid: sup.Process.Pid}
	c, err := New(ch,
		WithLogger(testLogger()),
		WithAcceptTimeout(100*time.Millisecond),
		WithReleaseGrace(3*time.Second))
	require.NoError(t, err)

	s, err := c.Spawn(context.TODO(), zygote.SandboxSpec{Root: t.TempDir()})
	require.NoError(t, err)

	req := ch.lastReq()
	require.Equal(t, s.ID, req.ID)
	require.Len(t, s.ID, 16)
	require.True(t, strings.HasPrefix(req.CallbackAddr, "@"))

	// no sandbox ever dials: the accept deadline aborts the session and
	// signals the supervisor
	require.Eventually(t, func() bool { return s.State() == StateAborted },
		3*time.Second, 10*time.Millisecond)

	waited := make(chan error, 1)
	go func() { waited <- sup.Wait() }()
	select {
	case <-waited:
	case <-time.After(3 * time.Second):
		t.Fatal("supervisor not signalled")
	}

	// exec after the failed callback is refused
	_, err = s.Exec(context.TODO(), zygote.ExecParam{Args: []string{"/bin/true"}})
	require.Error(t, err)

	// the supervisor's part: deliver the verdict
	status := ch.lastStatus()
	_, err = status.WriteString(zygote.StatusOK + "\n")
	require.NoError(t, err)
	status.Close()

	require.NoError(t, s.Close())
	require.Equal(t, StateReleased, s.State())
	require.NoError(t, s.Err())
}

func TestSessionReleaseGraceExpiry(t *testing.T) {
	t.Parallel()
	sup := startFakeSupervisor(t)
	ch := &stubChannel{pid: sup.Process.Pid}
	c, err := New(ch,
		WithLogger(testLogger()),
		WithAcceptTimeout(10*time.Second),
		WithReleaseGrace(100*time.Millisecond))
	require.NoError(t, err)

	root := t.TempDir()
	s, err := c.Spawn(context.TODO(), zygote.SandboxSpec{Root: root})
	require.NoError(t, err)

	// a directory the supervisor failed to remove
	leaked := filepath.Join(root, s.ID)
	require.NoError(t, os.MkdirAll(leaked, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(leaked, "f"), []byte("x"), 0600))

	// the supervisor never writes a verdict
	err = s.Close()
	require.Error(t, err)
	require.Contains(t, err.Error(), "no cleanup verdict")
	require.Equal(t, StateReleased, s.State())
	require.Error(t, s.Err())

	// host-side sweep removed what was left
	_, err = os.Stat(leaked)
	require.True(t, os.IsNotExist(err))

	// repeated close keeps the verdict
	require.Equal(t, s.Err(), s.Close())
	ch.lastStatus().Close()
}

func TestSessionCleanupFailed(t *testing.T) {
	t.Parallel()
	sup := startFakeSupervisor(t)
	ch := &stubChannel{pid: sup.Process.Pid}
	c, err := New(ch,
		WithLogger(testLogger()),
		WithReleaseGrace(3*time.Second))
	require.NoError(t, err)

	s, err := c.Spawn(context.TODO(), zygote.SandboxSpec{Root: t.TempDir()})
	require.NoError(t, err)

	status := ch.lastStatus()
	_, err = status.WriteString("cleanup_failed: unmount busy\n")
	require.NoError(t, err)
	status.Close()

	err = s.Close()
	require.Error(t, err)
	require.Contains(t, err.Error(), "cleanup_failed")
}

func TestSessionExecContextBeforeBridge(t *testing.T) {
	t.Parallel()
	sup := startFakeSupervisor(t)
	ch := &stubChannel{pid: sup.Process.Pid}
	c, err := New(ch,
		WithLogger(testLogger()),
		WithAcceptTimeout(10*time.Second),
		WithReleaseGrace(3*time.Second))
	require.NoError(t, err)

	s, err := c.Spawn(context.TODO(), zygote.SandboxSpec{Root: t.TempDir()})
	require.NoError(t, err)

	// the bridge never comes up; the exec context runs out first
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Exec(ctx, zygote.ExecParam{Args: []string{"/bin/true"}})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	status := ch.lastStatus()
	status.WriteString(zygote.StatusOK + "\n")
	status.Close()
	require.NoError(t, s.Close())
}
