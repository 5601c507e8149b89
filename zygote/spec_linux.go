package zygote

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/criyle/go-zygote/pkg/idmap"
	"github.com/criyle/go-zygote/pkg/mount"
	"github.com/criyle/go-zygote/runner"
)

// SandboxSpec describes the namespaces, identity mapping and file system of
// a session. It travels from the host through the zygote to the supervisor
// and the sandbox process; each role consumes its own part.
type SandboxSpec struct {
	// CloneFlags requests namespaces from SessionFlags. The user namespace
	// is always created; the mount namespace is always unshared for both
	// session processes regardless of the flag.
	CloneFlags uintptr

	// UIDMaps / GIDMaps are committed by the identity mapping helpers for
	// the cloned supervisor. Both empty means a single mapping of the
	// zygote's own euid/egid to in-namespace root.
	UIDMaps []idmap.Map
	GIDMaps []idmap.Map

	// Root is the host directory under which the per-session root
	// directory is created. It must exist.
	Root string

	// TmpfsSize bounds the session root tmpfs. Zero picks a small default.
	TmpfsSize runner.Size

	// Mounts populate the rootfs before pivot. Empty uses the default
	// read-only binds of /usr, /lib, /lib64 and /bin plus work and tmp.
	Mounts []mount.Mount

	// WorkDir is the in-sandbox working directory (default: /w)
	WorkDir string

	// HostName / DomainName apply when CLONE_NEWUTS is requested
	HostName   string
	DomainName string

	// ReadOnlyRoot remounts the pivoted root read-only after population
	ReadOnlyRoot bool

	// MaskPaths are over-mounted with /dev/null or an empty tmpfs in
	// addition to the defaults
	MaskPaths []string

	// Limits apply on the host side through the session cgroup
	Limits Limits

	// ProceedTimeout bounds the sandbox's wait for the proceed command
	// (default: DefaultProceedTimeout)
	ProceedTimeout time.Duration
}

// Limits are enforced through the per-session cgroup when the controller
// is configured with a cgroup parent.
type Limits struct {
	Memory     runner.Size // memory.max
	Pids       uint64      // pids.max
	CPUPercent uint64      // cpu.max, percent of a single CPU
}

var (
	// ErrInvalidFlags indicates clone flags outside SessionFlags
	ErrInvalidFlags = errors.New("zygote: clone flags outside the session subset")
	// ErrNoRoot indicates a missing session root parent directory
	ErrNoRoot = errors.New("zygote: spec has no absolute root directory")
)

// Validate checks the spec before it is sent to the zygote.
func (s *SandboxSpec) Validate() error {
	if s.CloneFlags&^uintptr(SessionFlags) != 0 {
		return fmt.Errorf("%w: %#x", ErrInvalidFlags, s.CloneFlags)
	}
	if !filepath.IsAbs(s.Root) {
		return fmt.Errorf("%w: %q", ErrNoRoot, s.Root)
	}
	if len(s.UIDMaps) > 0 || len(s.GIDMaps) > 0 {
		set := idmap.Set{UIDs: s.UIDMaps, GIDs: s.GIDMaps}
		if err := set.Validate(); err != nil {
			return err
		}
		// the supervisor must become in-namespace root to mount the
		// session tmpfs
		if !idmap.Contains(s.UIDMaps, 0) || !idmap.Contains(s.GIDMaps, 0) {
			return errors.New("zygote: mapping does not cover container id 0")
		}
	}
	return nil
}

// withDefaults fills zero fields; called on the host side so every role
// sees the same resolved spec
func (s SandboxSpec) withDefaults() SandboxSpec {
	if s.WorkDir == "" {
		s.WorkDir = sessionWD
	}
	if s.HostName == "" {
		s.HostName = sessionName
	}
	if s.DomainName == "" {
		s.DomainName = sessionName
	}
	if s.TmpfsSize == 0 {
		s.TmpfsSize = 64 << 20
	}
	if s.ProceedTimeout == 0 {
		s.ProceedTimeout = DefaultProceedTimeout
	}
	return s
}
