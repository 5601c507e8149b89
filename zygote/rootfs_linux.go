package zygote

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/criyle/go-zygote/pkg/mount"
)

// initSession turns the bare session tmpfs into the workload's view of the
// world: populate, pivot, restrict, then name the session and enter the
// work directory.
func initSession(conf sessionConf) error {
	if err := initFileSystem(conf); err != nil {
		return err
	}
	spec := conf.Spec
	// the uts namespace exists only when requested; otherwise renaming
	// would leak to the host
	if spec.CloneFlags&unix.CLONE_NEWUTS != 0 {
		if err := syscall.Setdomainname([]byte(spec.DomainName)); err != nil {
			return fmt.Errorf("init_session: setdomainname %v", err)
		}
		if err := syscall.Sethostname([]byte(spec.HostName)); err != nil {
			return fmt.Errorf("init_session: sethostname %v", err)
		}
	}
	return os.Chdir(spec.WorkDir)
}

// initFileSystem populates the session root mounted by the supervisor and
// pivots into it. It runs in the sandbox's own mount namespace; mount
// targets are relative to the session root until the pivot.
func initFileSystem(conf sessionConf) error {
	spec := conf.Spec

	// change dir to session root
	if err := syscall.Chdir(conf.RootfsPath); err != nil {
		return fmt.Errorf("init_fs: chdir %v", err)
	}
	// performing mounts
	for _, m := range sessionMounts(spec) {
		if err := m.Mount(); err != nil {
			return fmt.Errorf("init_fs: mount %v %v", m, err)
		}
	}
	// pivot root
	const oldRoot = "old_root"
	if err := os.Mkdir(oldRoot, 0755); err != nil {
		return fmt.Errorf("init_fs: mkdir(old_root) %v", err)
	}
	if err := syscall.PivotRoot(conf.RootfsPath, oldRoot); err != nil {
		return fmt.Errorf("init_fs: pivot_root(%s, %s) %v", conf.RootfsPath, oldRoot, err)
	}
	if err := syscall.Unmount(oldRoot, syscall.MNT_DETACH); err != nil {
		return fmt.Errorf("init_fs: unmount(old_root) %v", err)
	}
	if err := os.Remove(oldRoot); err != nil {
		return fmt.Errorf("init_fs: unlink(old_root) %v", err)
	}
	// create symlinks
	for _, l := range defaultSymLinks {
		// ensure dir exists
		dir := filepath.Dir(l.LinkPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("init_fs: mkdir_all(%s) %v", dir, err)
		}
		if err := os.Symlink(l.Target, l.LinkPath); err != nil {
			return fmt.Errorf("init_fs: symlink %v", err)
		}
	}
	if err := writeEtcStubs(spec); err != nil {
		return err
	}
	// the work dir may not be covered by any mount
	if err := os.MkdirAll(spec.WorkDir, 0755); err != nil {
		return fmt.Errorf("init_fs: mkdir_all(%s) %v", spec.WorkDir, err)
	}
	// mask paths
	for _, p := range append(defaultMaskPaths, spec.MaskPaths...) {
		if err := maskPath(p); err != nil {
			return fmt.Errorf("init_fs: mask path %v", err)
		}
	}
	// readonly root
	if spec.ReadOnlyRoot {
		const remountFlag = syscall.MS_BIND | syscall.MS_REMOUNT | syscall.MS_RDONLY | syscall.MS_NOATIME | syscall.MS_NOSUID
		if err := syscall.Mount("tmpfs", "/", "tmpfs", remountFlag, ""); err != nil {
			return fmt.Errorf("init_fs: readonly remount / %v", err)
		}
	}
	return nil
}

// sessionMounts resolves the population order: proc first, then the host
// device binds, then the spec mounts or the defaults
func sessionMounts(spec SandboxSpec) []mount.Mount {
	b := mount.NewBuilder().WithProc()
	// device nodes cannot be created in a user namespace, bind them in
	for _, d := range defaultBindDevs {
		b.WithBind(d, strings.TrimPrefix(d, "/"), false)
	}
	b.WithTmpfs("dev/shm", "size=4m")
	if len(spec.Mounts) > 0 {
		b.WithMounts(spec.Mounts)
	} else {
		b.WithMounts(mount.NewDefaultBuilder().
			WithTmpfs(strings.TrimPrefix(spec.WorkDir, "/"), "size=8m").
			WithTmpfs("tmp", "size=8m").
			Mounts)
	}
	return b.FilterNotExist().Mounts
}

// writeEtcStubs creates the minimal identity files so name lookups inside
// the session resolve to the mapped root
func writeEtcStubs(spec SandboxSpec) error {
	if err := os.MkdirAll("/etc", 0755); err != nil {
		return fmt.Errorf("init_fs: mkdir_all(/etc) %v", err)
	}
	stubs := []struct {
		path    string
		content string
	}{
		{"/etc/passwd", "root:x:0:0:root:" + spec.WorkDir + ":/bin/sh\nnobody:x:65534:65534:nobody:/:/bin/false\n"},
		{"/etc/group", "root:x:0:\nnobody:x:65534:\n"},
		{"/etc/hosts", "127.0.0.1\tlocalhost\n::1\tlocalhost\n"},
		{"/etc/hostname", spec.HostName + "\n"},
	}
	for _, st := range stubs {
		if err := os.WriteFile(st.path, []byte(st.content), 0644); err != nil {
			return fmt.Errorf("init_fs: write %s %v", st.path, err)
		}
	}
	return nil
}

func maskPath(path string) error {
	// bind mount /dev/null if it is file
	if err := syscall.Mount("/dev/null", path, "", syscall.MS_BIND, ""); err != nil && !errors.Is(err, os.ErrNotExist) {
		if errors.Is(err, syscall.ENOTDIR) {
			// otherwise, mount tmpfs to mask it
			return syscall.Mount("tmpfs", path, "tmpfs", syscall.MS_RDONLY, "")
		}
		return err
	}
	return nil
}
