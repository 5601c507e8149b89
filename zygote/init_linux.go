package zygote

import (
	"fmt"
	"os"
)

// Init hands the current process over to a session role when it was
// re-executed by the engine through /proc/self/exe. The role marker arrives
// as os.Args[1]; without one the call is a noop. Call it before any flag
// parsing, use it in init function
//
//	func init() {
//		zygote.Init()
//	}
func Init() {
	if len(os.Args) < 2 {
		return
	}

	var run func() error
	name := os.Args[1]
	switch name {
	case zygoteInit:
		run = runZygote
	case supervisorInit:
		run = runSupervisor
	case sandboxInit:
		run = runSandbox
	default:
		return
	}

	// exit process upon role return
	// possible reason:
	// 1. socket broken (peer exit)
	// 2. panic
	// 3. teardown finished
	var err error
	defer func() {
		if p := recover(); p != nil {
			fmt.Fprintf(os.Stderr, "%s: panic: %v\n", name, p)
			os.Exit(1)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
			os.Exit(1)
		}
		os.Exit(0)
	}()
	err = run()
}
