// Package mount provides utilities to define mount points and
// materialize them inside a container mount namespace.
package mount

// Mount defines a mount point inside the container root file system.
type Mount struct {
	Source, Target, FsType, Data string
	Flags                        uintptr
}
