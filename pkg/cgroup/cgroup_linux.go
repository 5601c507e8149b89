package cgroup

import (
	"errors"
	"os"
	"path"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	// systemd mounted cgroups
	basePath       = "/sys/fs/cgroup"
	cgroupProcs    = "cgroup.procs"
	cgroupKill     = "cgroup.kill"
	procSelfCgroup = "/proc/self/cgroup"

	cgroupSubtreeControl = "cgroup.subtree_control"
	cgroupControllers    = "cgroup.controllers"

	filePerm = 0644
	dirPerm  = 0755

	destroyRetryInterval = 10 * time.Millisecond
	destroyRetryCount    = 50
)

// Cgroup is a single cgroup v2 directory
type Cgroup struct {
	path string
}

// New creates a cgroup directory with the given name under parent.
// An existing directory is reused.
func New(parent, name string) (*Cgroup, error) {
	p := path.Join(parent, name)
	if err := os.Mkdir(p, dirPerm); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, err
	}
	return &Cgroup{path: p}, nil
}

// Path returns the absolute path of the cgroup directory
func (c *Cgroup) Path() string {
	return c.path
}

// AddProc moves the process into the cgroup
func (c *Cgroup) AddProc(pid int) error {
	return c.WriteUint(cgroupProcs, uint64(pid))
}

// Procs reads the pids of all member processes
func (c *Cgroup) Procs() ([]int, error) {
	b, err := c.ReadFile(cgroupProcs)
	if err != nil {
		return nil, err
	}
	var ret []int
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		ret = append(ret, pid)
	}
	return ret, nil
}

// Kill kills all member processes through cgroup.kill. On kernels
// without cgroup.kill it falls back to SIGKILL over cgroup.procs.
func (c *Cgroup) Kill() error {
	err := c.WriteFile(cgroupKill, []byte("1"))
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return err
	}
	procs, err := c.Procs()
	if err != nil {
		return err
	}
	for _, pid := range procs {
		syscall.Kill(pid, syscall.SIGKILL)
	}
	return nil
}

// Destroy removes the cgroup directory. Member processes need a moment
// to disappear after a kill, so EBUSY is retried.
func (c *Cgroup) Destroy() error {
	var err error
	for i := 0; i < destroyRetryCount; i++ {
		err = os.Remove(c.path)
		if err == nil || errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if !errors.Is(err, syscall.EBUSY) {
			return err
		}
		time.Sleep(destroyRetryInterval)
	}
	return err
}

// SetMemoryMax writes memory.max
func (c *Cgroup) SetMemoryMax(l uint64) error {
	return c.WriteUint("memory.max", l)
}

// SetPidsMax writes pids.max
func (c *Cgroup) SetPidsMax(l uint64) error {
	return c.WriteUint("pids.max", l)
}

// SetCPUMax writes cpu.max quota and period in us
func (c *Cgroup) SetCPUMax(quota, period uint64) error {
	content := strconv.FormatUint(quota, 10) + " " + strconv.FormatUint(period, 10)
	return c.WriteFile("cpu.max", []byte(content))
}

// CPUUsage reads cpu.stat usage_usec in ns
func (c *Cgroup) CPUUsage() (uint64, error) {
	b, err := c.ReadFile("cpu.stat")
	if err != nil {
		return 0, err
	}
	return parseCPUStatUsage(b)
}

// MemoryUsage reads memory.current
func (c *Cgroup) MemoryUsage() (uint64, error) {
	return c.ReadUint("memory.current")
}

// MemoryPeak reads memory.peak
func (c *Cgroup) MemoryPeak() (uint64, error) {
	return c.ReadUint("memory.peak")
}

func parseCPUStatUsage(b []byte) (uint64, error) {
	for _, line := range strings.Split(string(b), "\n") {
		parts := strings.Fields(line)
		if len(parts) == 2 && parts[0] == "usage_usec" {
			v, err := strconv.ParseUint(parts[1], 10, 64)
			if err != nil {
				return 0, err
			}
			return v * 1000, nil // to ns
		}
	}
	return 0, os.ErrNotExist
}

// WriteUint writes uint64 into given file
func (c *Cgroup) WriteUint(filename string, i uint64) error {
	return c.WriteFile(filename, []byte(strconv.FormatUint(i, 10)))
}

// ReadUint read uint64 from given file
func (c *Cgroup) ReadUint(filename string) (uint64, error) {
	b, err := c.ReadFile(filename)
	if err != nil {
		return 0, err
	}
	s, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, err
	}
	return s, nil
}

// WriteFile writes cgroup file and handles potential EINTR error while writes to
// the slow device (cgroup)
func (c *Cgroup) WriteFile(name string, content []byte) error {
	p := path.Join(c.path, name)
	return writeFile(p, content, filePerm)
}

// ReadFile reads cgroup file and handles potential EINTR error while read to
// the slow device (cgroup)
func (c *Cgroup) ReadFile(name string) ([]byte, error) {
	p := path.Join(c.path, name)
	return readFile(p)
}
