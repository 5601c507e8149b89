// Package config loads sandbox profiles from YAML files and resolves
// them into the spec and exec vocabulary consumed by the zygote and the
// controller. A profile describes one kind of session: its namespaces,
// identity mappings, rootfs layout and the resource limits applied to
// the workload.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is the on-disk session description. String sizes accept the
// usual suffixes (4k, 64m, 1g); durations accept time.ParseDuration
// forms (30s, 2m).
type Profile struct {
	// Namespaces lists the namespaces to unshare for the session:
	// mount, pid, uts, ipc, net. The user namespace is always created
	// and must not be listed.
	Namespaces []string `yaml:"namespaces"`

	// UIDMaps / GIDMaps are the identity ranges committed for the
	// session. Empty means the caller maps itself to in-session root.
	UIDMaps []IDMap `yaml:"uidMaps"`
	GIDMaps []IDMap `yaml:"gidMaps"`

	// Root is the host directory holding per-session roots. Empty lets
	// the caller pick one (the CLI uses a temp directory).
	Root string `yaml:"root"`

	// WorkDir is the in-session working directory
	WorkDir string `yaml:"workDir"`

	// HostName / DomainName apply when the uts namespace is listed
	HostName   string `yaml:"hostName"`
	DomainName string `yaml:"domainName"`

	// TmpfsSize bounds the session root tmpfs
	TmpfsSize string `yaml:"tmpfsSize"`

	// ReadOnlyRoot remounts the pivoted root read-only
	ReadOnlyRoot bool `yaml:"readOnlyRoot"`

	// MaskPaths are hidden from the workload in addition to the
	// built-in set
	MaskPaths []string `yaml:"maskPaths"`

	// Mounts populate the rootfs; empty picks the built-in binds
	Mounts []MountEntry `yaml:"mounts"`

	// ProceedTimeout bounds the sandbox's wait for the exec command
	ProceedTimeout time.Duration `yaml:"proceedTimeout"`

	// Limits are enforced through the session cgroup
	Limits LimitEntry `yaml:"limits"`

	// Env is the workload environment; empty picks the default PATH
	Env []string `yaml:"env"`

	// RLimits apply to the workload through setrlimit
	RLimits RLimitEntry `yaml:"rlimits"`

	// Seccomp installs a syscall filter on the workload when present
	Seccomp *SeccompEntry `yaml:"seccomp"`
}

// IDMap is one contiguous identity range: count IDs starting at inside
// map to count IDs starting at outside on the host.
type IDMap struct {
	Inside  uint32 `yaml:"inside"`
	Outside uint32 `yaml:"outside"`
	Count   uint32 `yaml:"count"`
}

// MountEntry describes one rootfs mount. Type defaults to bind when a
// source is given. Targets are in-session paths; a leading slash is
// optional.
type MountEntry struct {
	Type     string `yaml:"type"` // bind or tmpfs
	Source   string `yaml:"source"`
	Target   string `yaml:"target"`
	ReadOnly bool   `yaml:"readOnly"`
	Data     string `yaml:"data"` // tmpfs mount data, e.g. size=8m
}

// LimitEntry holds the cgroup limits of the session.
type LimitEntry struct {
	Memory     string `yaml:"memory"`
	Pids       uint64 `yaml:"pids"`
	CPUPercent uint64 `yaml:"cpuPercent"`
}

// RLimitEntry holds the setrlimit values applied before execve. CPU
// values are in seconds, sizes are byte strings.
type RLimitEntry struct {
	CPU          uint64 `yaml:"cpu"`
	CPUHard      uint64 `yaml:"cpuHard"`
	Data         string `yaml:"data"`
	FileSize     string `yaml:"fileSize"`
	Stack        string `yaml:"stack"`
	AddressSpace string `yaml:"addressSpace"`
	OpenFile     uint64 `yaml:"openFile"`
	DisableCore  bool   `yaml:"disableCore"`
}

// SeccompEntry describes the workload syscall filter: the named
// syscalls are allowed, everything else takes the default action
// (allow, errno[:code] or kill; kill when empty).
type SeccompEntry struct {
	DefaultAction string   `yaml:"defaultAction"`
	Allow         []string `yaml:"allow"`
}

// Default returns the profile used when no file is given: the full
// namespace set over the built-in rootfs.
func Default() *Profile {
	return &Profile{
		Namespaces: []string{"mount", "pid", "uts", "ipc", "net"},
		RLimits:    RLimitEntry{DisableCore: true},
	}
}

// Load reads the profile at path.
func Load(path string) (*Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	defer f.Close()
	p, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%w (%s)", err, path)
	}
	return p, nil
}

// Parse decodes one profile document. Unknown fields are rejected so a
// typo does not silently fall back to a default.
func Parse(r io.Reader) (*Profile, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	p := new(Profile)
	if err := dec.Decode(p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("config: empty profile")
		}
		return nil, fmt.Errorf("config: %w", err)
	}
	return p, nil
}
