package cgroup

import (
	"os"
	"path"
	"testing"
)

func tempCgroup(t *testing.T) *Cgroup {
	t.Helper()
	return &Cgroup{path: t.TempDir()}
}

func TestWriteReadUint(t *testing.T) {
	c := tempCgroup(t)
	if err := c.WriteUint("memory.max", 1<<20); err != nil {
		t.Fatalf("write: %v", err)
	}
	v, err := c.ReadUint("memory.max")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if v != 1<<20 {
		t.Errorf("expected %d, got %d", 1<<20, v)
	}
}

func TestSetCPUMax(t *testing.T) {
	c := tempCgroup(t)
	if err := c.SetCPUMax(10000, 100000); err != nil {
		t.Fatalf("set cpu.max: %v", err)
	}
	b, err := c.ReadFile("cpu.max")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(b) != "10000 100000" {
		t.Errorf("unexpected cpu.max content %q", b)
	}
}

func TestCPUUsage(t *testing.T) {
	c := tempCgroup(t)
	content := "usage_usec 4321\nuser_usec 4000\nsystem_usec 321\n"
	if err := c.WriteFile("cpu.stat", []byte(content)); err != nil {
		t.Fatalf("write: %v", err)
	}
	v, err := c.CPUUsage()
	if err != nil {
		t.Fatalf("cpu usage: %v", err)
	}
	if v != 4321*1000 {
		t.Errorf("expected %d ns, got %d", 4321*1000, v)
	}
}

func TestCPUUsage_Missing(t *testing.T) {
	c := tempCgroup(t)
	if err := c.WriteFile("cpu.stat", []byte("user_usec 12\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := c.CPUUsage(); err == nil {
		t.Fatal("expected error for missing usage_usec")
	}
}

func TestProcs(t *testing.T) {
	c := tempCgroup(t)
	if err := c.WriteFile(cgroupProcs, []byte("1\n23\n456\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	procs, err := c.Procs()
	if err != nil {
		t.Fatalf("procs: %v", err)
	}
	want := []int{1, 23, 456}
	if len(procs) != len(want) {
		t.Fatalf("expected %d procs, got %d", len(want), len(procs))
	}
	for i := range want {
		if procs[i] != want[i] {
			t.Errorf("procs[%d] = %d, want %d", i, procs[i], want[i])
		}
	}
}

func TestParseOwnCgroup(t *testing.T) {
	content := "1:name=systemd:/user.slice\n0::/user.slice/session-1.scope\n"
	p, err := parseOwnCgroup([]byte(content))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p != "user.slice/session-1.scope" {
		t.Errorf("unexpected path %q", p)
	}
}

func TestParseOwnCgroup_NoEntry(t *testing.T) {
	if _, err := parseOwnCgroup([]byte("1:cpu:/foo\n")); err == nil {
		t.Fatal("expected error without unified entry")
	}
}

func TestNewDestroy(t *testing.T) {
	parent := t.TempDir()
	c, err := New(parent, "session-abc")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := os.Stat(path.Join(parent, "session-abc")); err != nil {
		t.Fatalf("expected directory: %v", err)
	}
	// reuse existing
	if _, err := New(parent, "session-abc"); err != nil {
		t.Fatalf("reuse: %v", err)
	}
	if err := c.Destroy(); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := os.Stat(path.Join(parent, "session-abc")); !os.IsNotExist(err) {
		t.Fatalf("expected directory removed, got %v", err)
	}
}
