package config

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/criyle/go-zygote/pkg/idmap"
	"github.com/criyle/go-zygote/pkg/mount"
	"github.com/criyle/go-zygote/pkg/rlimit"
	"github.com/criyle/go-zygote/pkg/seccomp"
	"github.com/criyle/go-zygote/pkg/seccomp/libseccomp"
	"github.com/criyle/go-zygote/runner"
	"github.com/criyle/go-zygote/zygote"
)

var namespaceFlags = map[string]uintptr{
	"mount": unix.CLONE_NEWNS,
	"pid":   unix.CLONE_NEWPID,
	"uts":   unix.CLONE_NEWUTS,
	"ipc":   unix.CLONE_NEWIPC,
	"net":   unix.CLONE_NEWNET,
}

// SandboxSpec resolves the profile into a session spec. The spec is not
// validated here; the spawn path validates once the caller has filled
// the remaining fields (a CLI typically supplies Root).
func (p *Profile) SandboxSpec() (zygote.SandboxSpec, error) {
	flags, err := p.cloneFlags()
	if err != nil {
		return zygote.SandboxSpec{}, err
	}
	tmpfs, err := parseSize("tmpfsSize", p.TmpfsSize)
	if err != nil {
		return zygote.SandboxSpec{}, err
	}
	memory, err := parseSize("limits.memory", p.Limits.Memory)
	if err != nil {
		return zygote.SandboxSpec{}, err
	}
	mounts, err := p.sessionMounts()
	if err != nil {
		return zygote.SandboxSpec{}, err
	}
	return zygote.SandboxSpec{
		CloneFlags:   flags,
		UIDMaps:      idMaps(p.UIDMaps),
		GIDMaps:      idMaps(p.GIDMaps),
		Root:         p.Root,
		TmpfsSize:    tmpfs,
		Mounts:       mounts,
		WorkDir:      p.WorkDir,
		HostName:     p.HostName,
		DomainName:   p.DomainName,
		ReadOnlyRoot: p.ReadOnlyRoot,
		MaskPaths:    p.MaskPaths,
		Limits: zygote.Limits{
			Memory:     memory,
			Pids:       p.Limits.Pids,
			CPUPercent: p.Limits.CPUPercent,
		},
		ProceedTimeout: p.ProceedTimeout,
	}, nil
}

func (p *Profile) cloneFlags() (uintptr, error) {
	var flags uintptr
	for _, name := range p.Namespaces {
		f, ok := namespaceFlags[strings.ToLower(name)]
		if !ok {
			if strings.EqualFold(name, "user") {
				return 0, fmt.Errorf("config: the user namespace is always created, do not list it")
			}
			return 0, fmt.Errorf("config: unknown namespace %q", name)
		}
		flags |= f
	}
	return flags, nil
}

func idMaps(entries []IDMap) []idmap.Map {
	if len(entries) == 0 {
		return nil
	}
	maps := make([]idmap.Map, 0, len(entries))
	for _, e := range entries {
		maps = append(maps, idmap.Map{Inside: e.Inside, Outside: e.Outside, Count: e.Count})
	}
	return maps
}

// sessionMounts converts the mount entries through the mount builder so
// the flag handling stays in one place.
func (p *Profile) sessionMounts() ([]mount.Mount, error) {
	if len(p.Mounts) == 0 {
		return nil, nil
	}
	b := mount.NewBuilder()
	for i, e := range p.Mounts {
		target := strings.TrimPrefix(e.Target, "/")
		if target == "" {
			return nil, fmt.Errorf("config: mounts[%d]: no target", i)
		}
		switch {
		case e.Type == "tmpfs":
			b.WithTmpfs(target, e.Data)
		case e.Type == "" || e.Type == "bind":
			if e.Source == "" {
				return nil, fmt.Errorf("config: mounts[%d]: bind mount without source", i)
			}
			b.WithBind(e.Source, target, e.ReadOnly)
		default:
			return nil, fmt.Errorf("config: mounts[%d]: unknown type %q", i, e.Type)
		}
	}
	return b.Mounts, nil
}

// ExecRLimits resolves the rlimit entry for the exec path.
func (p *Profile) ExecRLimits() ([]rlimit.RLimit, error) {
	data, err := parseSize("rlimits.data", p.RLimits.Data)
	if err != nil {
		return nil, err
	}
	fsize, err := parseSize("rlimits.fileSize", p.RLimits.FileSize)
	if err != nil {
		return nil, err
	}
	stack, err := parseSize("rlimits.stack", p.RLimits.Stack)
	if err != nil {
		return nil, err
	}
	as, err := parseSize("rlimits.addressSpace", p.RLimits.AddressSpace)
	if err != nil {
		return nil, err
	}
	r := rlimit.RLimits{
		CPU:          p.RLimits.CPU,
		CPUHard:      p.RLimits.CPUHard,
		Data:         data.Byte(),
		FileSize:     fsize.Byte(),
		Stack:        stack.Byte(),
		AddressSpace: as.Byte(),
		OpenFile:     p.RLimits.OpenFile,
		DisableCore:  p.RLimits.DisableCore,
	}
	return r.PrepareRLimit(), nil
}

// SeccompFilter assembles the workload filter, nil when the profile has
// no seccomp section.
func (p *Profile) SeccompFilter() (seccomp.Filter, error) {
	if p.Seccomp == nil {
		return nil, nil
	}
	action, err := parseSeccompAction(p.Seccomp.DefaultAction)
	if err != nil {
		return nil, err
	}
	b := libseccomp.Builder{
		Allow:   p.Seccomp.Allow,
		Default: action,
	}
	filter, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("config: seccomp: %w", err)
	}
	return filter, nil
}

// ExecEnv returns the workload environment, defaulting to the role PATH.
func (p *Profile) ExecEnv() []string {
	if len(p.Env) > 0 {
		return p.Env
	}
	return []string{zygote.PathEnv}
}

func parseSeccompAction(s string) (seccomp.Action, error) {
	name, code, hasCode := strings.Cut(s, ":")
	var act seccomp.Action
	switch name {
	case "", "kill":
		act = seccomp.ActionKill
	case "allow":
		act = seccomp.ActionAllow
	case "errno":
		act = seccomp.ActionErrno
	default:
		return 0, fmt.Errorf("config: unknown seccomp action %q", s)
	}
	if hasCode {
		n, err := strconv.ParseInt(code, 10, 16)
		if err != nil {
			return 0, fmt.Errorf("config: seccomp action %q: %v", s, err)
		}
		act = act.WithReturnCode(int16(n))
	}
	return act, nil
}

func parseSize(field, s string) (runner.Size, error) {
	if s == "" {
		return 0, nil
	}
	var size runner.Size
	if err := size.Set(s); err != nil {
		return 0, fmt.Errorf("config: %s: %q is not a size", field, s)
	}
	return size, nil
}
