package zygote

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRemoveSessionDir(t *testing.T) {
	t.Parallel()

	// a plain directory: nothing mounted, remove succeeds
	dir := filepath.Join(t.TempDir(), "s")
	if err := os.Mkdir(dir, 0700); err != nil {
		t.Fatal(err)
	}
	if err := removeSessionDir(dir); err != nil {
		t.Fatalf("plain dir: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("session dir still present: %v", err)
	}

	// a second pass over the removed path is a no-op
	if err := removeSessionDir(dir); err != nil {
		t.Fatalf("removed dir: %v", err)
	}

	// leftover content keeps the directory and reports
	full := filepath.Join(t.TempDir(), "f")
	if err := os.MkdirAll(filepath.Join(full, "leftover"), 0700); err != nil {
		t.Fatal(err)
	}
	if err := removeSessionDir(full); err == nil {
		t.Error("removed a populated session dir")
	}
}
