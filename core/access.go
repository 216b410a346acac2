package core

import (
	"fmt"
	"sort"
	"strings"
)

// ResourceID identifies a logical shared resource, usually a system instance.
// Identity is structural: two ids are the same resource iff they are equal.
type ResourceID uint32

// AccessMode is the way a task touches a resource.
type AccessMode uint8

const (
	// AccessRead may be shared with other readers.
	AccessRead AccessMode = 1

	// AccessWrite is exclusive.
	AccessWrite AccessMode = 4
)

func (m AccessMode) String() string {
	switch m {
	case AccessRead:
		return "READ"
	case AccessWrite:
		return "WRITE"
	default:
		return fmt.Sprintf("AccessMode(%d)", uint8(m))
	}
}

// conflicts reports whether two accesses to the same resource may not overlap.
func (m AccessMode) conflicts(other AccessMode) bool {
	return m == AccessWrite || other == AccessWrite
}

// Access is a single (resource, mode) declaration.
type Access struct {
	Resource ResourceID
	Mode     AccessMode
}

// Read declares shared access to r.
func Read(r ResourceID) Access {
	return Access{Resource: r, Mode: AccessRead}
}

// Write declares exclusive access to r.
func Write(r ResourceID) Access {
	return Access{Resource: r, Mode: AccessWrite}
}

// AccessBlock is the full set of declarations a task makes at registration.
type AccessBlock []Access

// Normalize returns a copy sorted by resource where repeated resources are
// collapsed into their strongest mode.
func (b AccessBlock) Normalize() AccessBlock {
	if len(b) == 0 {
		return nil
	}

	modes := make(map[ResourceID]AccessMode, len(b))
	for _, a := range b {
		if modes[a.Resource] == AccessWrite {
			continue
		}
		modes[a.Resource] = a.Mode
	}

	out := make(AccessBlock, 0, len(modes))
	for r, m := range modes {
		out = append(out, Access{Resource: r, Mode: m})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Resource < out[j].Resource })
	return out
}

// Conflicts reports whether b and other may not hold grants at the same time.
func (b AccessBlock) Conflicts(other AccessBlock) bool {
	for _, x := range b {
		for _, y := range other {
			if x.Resource == y.Resource && x.Mode.conflicts(y.Mode) {
				return true
			}
		}
	}
	return false
}

func (b AccessBlock) String() string {
	parts := make([]string, 0, len(b))
	for _, a := range b {
		parts = append(parts, fmt.Sprintf("%d:%s", a.Resource, a.Mode))
	}
	return "[" + strings.Join(parts, " ") + "]"
}
