package idmap

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func validSet() Set {
	return Set{
		UIDs: []Map{{Inside: 0, Outside: 100000, Count: 65536}},
		GIDs: []Map{{Inside: 0, Outside: 100000, Count: 65536}},
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name    string
		mutate  func(*Set)
		wantErr string
	}{
		{
			name:   "ok single",
			mutate: func(*Set) {},
		},
		{
			name: "ok multi",
			mutate: func(s *Set) {
				s.UIDs = []Map{
					{Inside: 0, Outside: 100000, Count: 1000},
					{Inside: 1000, Outside: 200000, Count: 1000},
				}
			},
		},
		{
			name:    "empty uids",
			mutate:  func(s *Set) { s.UIDs = nil },
			wantErr: "empty mapping",
		},
		{
			name:    "empty gids",
			mutate:  func(s *Set) { s.GIDs = nil },
			wantErr: "empty mapping",
		},
		{
			name: "zero count",
			mutate: func(s *Set) {
				s.GIDs = []Map{{Inside: 0, Outside: 100000, Count: 0}}
			},
			wantErr: "zero count",
		},
		{
			name: "unsorted",
			mutate: func(s *Set) {
				s.UIDs = []Map{
					{Inside: 1000, Outside: 200000, Count: 10},
					{Inside: 0, Outside: 100000, Count: 10},
				}
			},
			wantErr: "not sorted",
		},
		{
			name: "inside overlap",
			mutate: func(s *Set) {
				s.UIDs = []Map{
					{Inside: 0, Outside: 100000, Count: 1001},
					{Inside: 1000, Outside: 200000, Count: 10},
				}
			},
			wantErr: "overlap inside",
		},
		{
			name: "outside overlap",
			mutate: func(s *Set) {
				s.UIDs = []Map{
					{Inside: 0, Outside: 100000, Count: 10},
					{Inside: 1000, Outside: 100005, Count: 10},
				}
			},
			wantErr: "overlap outside",
		},
		{
			name: "id overflow",
			mutate: func(s *Set) {
				s.UIDs = []Map{{Inside: 0, Outside: 1<<32 - 1, Count: 2}}
			},
			wantErr: "overflow",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := validSet()
			tc.mutate(&s)
			err := s.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
			} else {
				require.ErrorContains(t, err, tc.wantErr)
			}
		})
	}
}

func TestContains(t *testing.T) {
	maps := []Map{
		{Inside: 0, Outside: 100000, Count: 10},
		{Inside: 100, Outside: 200000, Count: 1},
	}
	require.True(t, Contains(maps, 0))
	require.True(t, Contains(maps, 9))
	require.False(t, Contains(maps, 10))
	require.True(t, Contains(maps, 100))
	require.False(t, Contains(maps, 101))
}

func TestHelperArgs(t *testing.T) {
	args := helperArgs(1234, []Map{
		{Inside: 0, Outside: 100000, Count: 65536},
		{Inside: 65536, Outside: 1000, Count: 1},
	})
	require.Equal(t, []string{"1234", "0", "100000", "65536", "65536", "1000", "1"}, args)
}

func TestProcContent(t *testing.T) {
	content := procContent([]Map{
		{Inside: 0, Outside: 100000, Count: 65536},
		{Inside: 65536, Outside: 1000, Count: 1},
	})
	require.Equal(t, "0 100000 65536\n65536 1000 1\n", string(content))
}

func TestCommit_Helper(t *testing.T) {
	// stub helpers record their argv so the invocation contract is testable
	// without privileges
	dir := t.TempDir()
	stub := func(name string) string {
		path := filepath.Join(dir, name)
		script := "#!/bin/sh\necho \"$@\" > " + filepath.Join(dir, name+".argv") + "\n"
		require.NoError(t, os.WriteFile(path, []byte(script), 0755))
		return path
	}
	m := &Mapper{UIDHelper: stub("newuidmap"), GIDHelper: stub("newgidmap")}

	set := Set{
		UIDs: []Map{{Inside: 0, Outside: 100000, Count: 65536}, {Inside: 65536, Outside: 1000, Count: 1}},
		GIDs: []Map{{Inside: 0, Outside: 100000, Count: 65536}},
	}
	require.NoError(t, m.Commit(4242, set))

	uidArgv, err := os.ReadFile(filepath.Join(dir, "newuidmap.argv"))
	require.NoError(t, err)
	require.Equal(t, "4242 0 100000 65536 65536 1000 1", strings.TrimSpace(string(uidArgv)))

	gidArgv, err := os.ReadFile(filepath.Join(dir, "newgidmap.argv"))
	require.NoError(t, err)
	require.Equal(t, "4242 0 100000 65536", strings.TrimSpace(string(gidArgv)))
}

func TestCommit_HelperFailed(t *testing.T) {
	dir := t.TempDir()
	fail := filepath.Join(dir, "newuidmap")
	require.NoError(t, os.WriteFile(fail, []byte("#!/bin/sh\necho mapping denied >&2\nexit 1\n"), 0755))

	m := &Mapper{UIDHelper: fail, GIDHelper: fail}
	err := m.Commit(4242, validSet())
	require.Error(t, err)

	var commitErr *CommitError
	require.ErrorAs(t, err, &commitErr)
	require.Equal(t, "uid", commitErr.Class)
	require.Contains(t, commitErr.Output, "mapping denied")
}

func TestCommit_InvalidSet(t *testing.T) {
	m := &Mapper{UIDHelper: "/bin/true", GIDHelper: "/bin/true"}
	err := m.Commit(1, Set{})
	require.ErrorIs(t, err, ErrNoMapping)
}
