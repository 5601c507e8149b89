package mount

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// IsBindMount returns true if the mount is a bind mount
func (m Mount) IsBindMount() bool {
	return m.Flags&syscall.MS_BIND == syscall.MS_BIND
}

// IsReadOnly returns true if the mount is read-only
func (m Mount) IsReadOnly() bool {
	return m.Flags&syscall.MS_RDONLY == syscall.MS_RDONLY
}

// IsTmpFs returns true if the mount is a tmpfs
func (m Mount) IsTmpFs() bool {
	return m.FsType == "tmpfs"
}

// Mount performs the mount syscall, creating the target if it does not exist
func (m *Mount) Mount() error {
	if err := ensureMountTargetExists(m.Source, m.Target); err != nil {
		return err
	}
	if err := syscall.Mount(m.Source, m.Target, m.FsType, m.Flags, m.Data); err != nil {
		return err
	}
	// Read-only bind mount need to be remounted
	const bindRo = syscall.MS_BIND | syscall.MS_RDONLY
	if m.Flags&bindRo == bindRo {
		if err := syscall.Mount("", m.Target, m.FsType, m.Flags|syscall.MS_REMOUNT, m.Data); err != nil {
			return err
		}
	}
	return nil
}

// ensureMountTargetExists creates the target as a directory, or as an
// empty file when the source is a file so that it can be bind mounted over
func ensureMountTargetExists(source, target string) error {
	isFile := false
	if fi, err := os.Stat(source); err == nil {
		isFile = !fi.IsDir()
	}
	dir := target
	if isFile {
		dir = filepath.Dir(target)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if isFile {
		if err := syscall.Mknod(target, 0755, 0); err != nil {
			if errors.Is(err, syscall.EEXIST) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (m Mount) String() string {
	switch {
	case m.IsBindMount():
		flag := "rw"
		if m.IsReadOnly() {
			flag = "ro"
		}
		return fmt.Sprintf("bind[%s:%s:%s]", m.Source, m.Target, flag)

	case m.IsTmpFs():
		return fmt.Sprintf("tmpfs[%s]", m.Target)

	case m.FsType == "proc":
		if m.IsReadOnly() {
			return "proc[ro]"
		}
		return "proc[rw]"

	default:
		return fmt.Sprintf("mount[%s,%s:%s:%x,%s]", m.FsType, m.Source, m.Target, m.Flags, m.Data)
	}
}
