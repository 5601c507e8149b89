//go:build !linux

// Command zrun spawns one sandbox session, runs a workload inside it and
// prints the result. Sessions build on Linux namespaces; other platforms
// are not supported.
package main

import (
	"fmt"
	"os"
	"runtime"
)

func main() {
	fmt.Fprintf(os.Stderr, "zrun: unsupported on platform %s\n", runtime.GOOS)
	os.Exit(2)
}
