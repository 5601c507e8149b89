package zygote

import (
	"fmt"
	"syscall"
)

// Stage names the phase of the session lifecycle an error belongs to.
type Stage string

// Stages of a session, in lifecycle order
const (
	StageRequest  Stage = "request"
	StageClone    Stage = "clone"
	StageMapping  Stage = "mapping"
	StageConf     Stage = "conf"
	StageMount    Stage = "mount"
	StageFork     Stage = "fork"
	StageCallback Stage = "callback"
	StageExec     Stage = "exec"
	StageCleanup  Stage = "cleanup"
)

// Error is a stage-tagged error. It crosses process boundaries inside
// replies and surfaces unchanged from the host-side methods.
type Error struct {
	Stage Stage
	Msg   string
	Errno *syscall.Errno
}

func (e *Error) Error() string {
	return fmt.Sprintf("zygote: %s: %s", e.Stage, e.Msg)
}

// newError formats a stage error, storing the errno when the last argument
// carries one
func newError(stage Stage, ft string, v ...interface{}) *Error {
	e := &Error{
		Stage: stage,
		Msg:   fmt.Sprintf(ft, v...),
	}
	if len(v) > 0 {
		if errno, ok := v[len(v)-1].(syscall.Errno); ok {
			e.Errno = &errno
		}
	}
	return e
}
