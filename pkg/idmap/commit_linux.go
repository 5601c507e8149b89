package idmap

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"
)

// default helper names resolved against PATH
const (
	uidHelperName = "newuidmap"
	gidHelperName = "newgidmap"
)

// Mapper commits mapping sets against target processes. The zero value is
// not usable; obtain one from LookupHelpers or fill the helper paths
// explicitly.
type Mapper struct {
	// UIDHelper / GIDHelper are the setuid binaries invoked for ranges the
	// calling process may not write directly
	UIDHelper string
	GIDHelper string
}

// CommitError reports a failed mapping commit for one ID class.
type CommitError struct {
	Class  string // "uid" or "gid"
	Helper string // helper path, empty for direct proc writes
	Output string // collected helper output
	Err    error
}

func (e *CommitError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("idmap: commit %s_map: %v: %s", e.Class, e.Err, e.Output)
	}
	return fmt.Sprintf("idmap: commit %s_map: %v", e.Class, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// LookupHelpers resolves newuidmap / newgidmap on PATH.
func LookupHelpers() (*Mapper, error) {
	uidHelper, err := exec.LookPath(uidHelperName)
	if err != nil {
		return nil, fmt.Errorf("idmap: %w", err)
	}
	gidHelper, err := exec.LookPath(gidHelperName)
	if err != nil {
		return nil, fmt.Errorf("idmap: %w", err)
	}
	return &Mapper{UIDHelper: uidHelper, GIDHelper: gidHelper}, nil
}

// Commit validates the set and writes both map classes for pid, uid first.
// The target process must not have proceeded past its namespace creation;
// callers hold it on a sync pipe until Commit returns.
func (m *Mapper) Commit(pid int, s Set) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if err := m.commitClass("uid", pid, s.UIDs); err != nil {
		return err
	}
	return m.commitClass("gid", pid, s.GIDs)
}

func (m *Mapper) commitClass(class string, pid int, maps []Map) error {
	// the kernel lets an unprivileged process write a single range mapping
	// its own euid / egid; anything else goes through the setuid helper
	if selfMap(class, maps) {
		return m.writeDirect(class, pid, maps)
	}

	helper := m.UIDHelper
	if class == "gid" {
		helper = m.GIDHelper
	}
	if helper == "" {
		return &CommitError{Class: class, Err: fmt.Errorf("no %s helper configured", class)}
	}
	cmd := exec.Command(helper, helperArgs(pid, maps)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return &CommitError{
			Class:  class,
			Helper: helper,
			Output: strings.TrimSpace(string(out)),
			Err:    err,
		}
	}
	return nil
}

func selfMap(class string, maps []Map) bool {
	if len(maps) != 1 || maps[0].Count != 1 {
		return false
	}
	if class == "uid" {
		return maps[0].Outside == uint32(unix.Geteuid())
	}
	return maps[0].Outside == uint32(unix.Getegid())
}

func (m *Mapper) writeDirect(class string, pid int, maps []Map) error {
	base := fmt.Sprintf("/proc/%d/", pid)
	if class == "gid" {
		// setgroups must be denied before an unprivileged gid_map write
		if err := os.WriteFile(base+"setgroups", []byte("deny"), 0); err != nil {
			return &CommitError{Class: class, Err: err}
		}
	}
	if err := os.WriteFile(base+class+"_map", procContent(maps), 0); err != nil {
		return &CommitError{Class: class, Err: err}
	}
	return nil
}
