package cgroup

import (
	"errors"
	"io/fs"
	"os"
	"path"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// Mounted returns true if /sys/fs/cgroup is mounted as cgroup v2
func Mounted() bool {
	var st unix.Statfs_t
	if err := unix.Statfs(basePath, &st); err != nil {
		return false
	}
	return st.Type == unix.CGROUP2_SUPER_MAGIC
}

// GetOwnCgroup returns the absolute path of the cgroup the calling
// process is a member of
func GetOwnCgroup() (string, error) {
	b, err := readFile(procSelfCgroup)
	if err != nil {
		return "", err
	}
	p, err := parseOwnCgroup(b)
	if err != nil {
		return "", err
	}
	return path.Join(basePath, p), nil
}

func parseOwnCgroup(b []byte) (string, error) {
	// the unified hierarchy entry reads 0::<path>
	for _, line := range strings.Split(string(b), "\n") {
		if rest, ok := strings.CutPrefix(line, "0::"); ok {
			return strings.TrimPrefix(rest, "/"), nil
		}
	}
	return "", errors.New("cgroup: no unified hierarchy entry in /proc/self/cgroup")
}

// AvailableControllers reads cgroup.controllers of the given cgroup
func AvailableControllers(p string) ([]string, error) {
	b, err := readFile(path.Join(p, cgroupControllers))
	if err != nil {
		return nil, err
	}
	return strings.Fields(string(b)), nil
}

// EnableControllers enables all available controllers of the cgroup for
// its children through cgroup.subtree_control
func EnableControllers(p string) error {
	s, err := AvailableControllers(p)
	if err != nil {
		return err
	}
	if len(s) == 0 {
		return nil
	}
	controlMsg := []byte("+" + strings.Join(s, " +"))
	return writeFile(path.Join(p, cgroupSubtreeControl), controlMsg, filePerm)
}

const initPath = "init"

// Nest migrates all processes of the cgroup into a nested init child so
// that controllers can be enabled for further children. Needed when the
// current process sits in a leaf cgroup, e.g. inside a container.
func Nest(p string) error {
	procs, err := readFile(path.Join(p, cgroupProcs))
	if err != nil {
		return err
	}
	if err := os.Mkdir(path.Join(p, initPath), dirPerm); err != nil && !errors.Is(err, os.ErrExist) {
		return err
	}
	procFile, err := os.OpenFile(path.Join(p, initPath, cgroupProcs), os.O_RDWR, filePerm)
	if err != nil {
		return err
	}
	for _, v := range strings.Split(string(procs), "\n") {
		if strings.TrimSpace(v) == "" {
			continue
		}
		procFile.WriteString(v)
	}
	procFile.Close()

	return EnableControllers(p)
}

func readFile(p string) ([]byte, error) {
	data, err := os.ReadFile(p)
	for err != nil && errors.Is(err, syscall.EINTR) {
		data, err = os.ReadFile(p)
	}
	return data, err
}

func writeFile(p string, content []byte, perm fs.FileMode) error {
	err := os.WriteFile(p, content, perm)
	for err != nil && errors.Is(err, syscall.EINTR) {
		err = os.WriteFile(p, content, perm)
	}
	return err
}
