package zygote

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"syscall"
)

func intSliceToUintptr(s []int) []uintptr {
	var r []uintptr
	if len(s) > 0 {
		r = make([]uintptr, len(s))
		for i, x := range s {
			r[i] = uintptr(x)
		}
	}
	return r
}

func uintptrSliceToInt(s []uintptr) []int {
	var r []int
	if len(s) > 0 {
		r = make([]int, len(s))
		for i, x := range s {
			r[i] = int(x)
		}
	}
	return r
}

func closeFds(s []int) {
	for _, f := range s {
		syscall.Close(f)
	}
}

func closeOnExecFds(s []int) {
	for _, f := range s {
		syscall.CloseOnExec(f)
	}
}

func closeOnExecAllFds() error {
	// get all fd from /proc/self/fd
	const fdPath = "/proc/self/fd"
	fds, err := os.ReadDir(fdPath)
	if err != nil {
		return err
	}
	for _, f := range fds {
		fd, err := strconv.Atoi(f.Name())
		if err != nil {
			return err
		}
		syscall.CloseOnExec(fd)
	}
	return nil
}

// randToken returns a short hex token for abstract socket names
func randToken() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("randToken: %v", err)
	}
	return hex.EncodeToString(b[:]), nil
}
