// Package idmap validates and commits user namespace ID mappings. Mappings
// are committed from outside the namespace against a target pid, either
// through the setuid helpers newuidmap / newgidmap or, for the single
// self-map case, by writing the proc files directly.
package idmap

import (
	"errors"
	"fmt"
	"strconv"
)

// Map describes one contiguous ID range mapped between a user namespace and
// the host: Count IDs starting at Inside map to Count IDs starting at
// Outside.
type Map struct {
	Inside  uint32
	Outside uint32
	Count   uint32
}

func (m Map) String() string {
	return fmt.Sprintf("%d:%d:%d", m.Inside, m.Outside, m.Count)
}

// Set holds the UID and GID mappings for one namespace.
type Set struct {
	UIDs []Map
	GIDs []Map
}

// kernel accepts at most 340 extents per map file since 4.15; keep a safety
// margin so one helper invocation always suffices
const maxRanges = 64

var (
	// ErrNoMapping indicates an empty mapping class
	ErrNoMapping = errors.New("idmap: empty mapping set")
)

// Validate checks that both classes are present, sorted ascending by inside
// ID, non-overlapping on both sides and committable in a single operation.
func (s Set) Validate() error {
	if err := validateClass("uid", s.UIDs); err != nil {
		return err
	}
	return validateClass("gid", s.GIDs)
}

func validateClass(class string, maps []Map) error {
	if len(maps) == 0 {
		return fmt.Errorf("idmap: %s: %w", class, ErrNoMapping)
	}
	if len(maps) > maxRanges {
		return fmt.Errorf("idmap: %s: %d ranges exceed single commit limit %d", class, len(maps), maxRanges)
	}
	for i, m := range maps {
		if m.Count == 0 {
			return fmt.Errorf("idmap: %s range %v: zero count", class, m)
		}
		// reject ranges wrapping the 32-bit ID space
		if uint64(m.Inside)+uint64(m.Count) > 1<<32 || uint64(m.Outside)+uint64(m.Count) > 1<<32 {
			return fmt.Errorf("idmap: %s range %v: id overflow", class, m)
		}
		if i == 0 {
			continue
		}
		prev := maps[i-1]
		if m.Inside < prev.Inside {
			return fmt.Errorf("idmap: %s ranges not sorted: %v before %v", class, prev, m)
		}
		if overlaps(prev.Inside, prev.Count, m.Inside, m.Count) {
			return fmt.Errorf("idmap: %s ranges overlap inside: %v and %v", class, prev, m)
		}
	}
	// outside ranges may arrive in any inside order; check pairwise
	for i, a := range maps {
		for _, b := range maps[i+1:] {
			if overlaps(a.Outside, a.Count, b.Outside, b.Count) {
				return fmt.Errorf("idmap: %s ranges overlap outside: %v and %v", class, a, b)
			}
		}
	}
	return nil
}

func overlaps(aStart, aCount, bStart, bCount uint32) bool {
	return uint64(aStart) < uint64(bStart)+uint64(bCount) &&
		uint64(bStart) < uint64(aStart)+uint64(aCount)
}

// Contains reports whether id falls into any range of maps.
func Contains(maps []Map, id uint32) bool {
	for _, m := range maps {
		if id >= m.Inside && uint64(id) < uint64(m.Inside)+uint64(m.Count) {
			return true
		}
	}
	return false
}

// procContent renders maps in the proc uid_map / gid_map file format.
func procContent(maps []Map) []byte {
	var data []byte
	for _, m := range maps {
		data = append(data, []byte(strconv.FormatUint(uint64(m.Inside), 10)+" "+
			strconv.FormatUint(uint64(m.Outside), 10)+" "+
			strconv.FormatUint(uint64(m.Count), 10)+"\n")...)
	}
	return data
}

// helperArgs renders the argv tail for newuidmap / newgidmap:
// pid followed by inside outside count triples.
func helperArgs(pid int, maps []Map) []string {
	args := make([]string, 0, 1+3*len(maps))
	args = append(args, strconv.Itoa(pid))
	for _, m := range maps {
		args = append(args,
			strconv.FormatUint(uint64(m.Inside), 10),
			strconv.FormatUint(uint64(m.Outside), 10),
			strconv.FormatUint(uint64(m.Count), 10))
	}
	return args
}
