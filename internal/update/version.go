package update

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a (major, minor, patch) release number.
type Version struct {
	Major, Minor, Patch int
}

// ParseVersion parses "x.y.z". Missing minor or patch components are zero,
// a leading "v" is accepted and anything after the numeric part of a
// component ("-rc1", "+build", " (beta)") is ignored.
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "v"), "V")
	if s == "" {
		return Version{}, fmt.Errorf("update: empty version")
	}
	parts := strings.SplitN(s, ".", 3)
	var nums [3]int
	for i, p := range parts {
		end := 0
		for end < len(p) && p[end] >= '0' && p[end] <= '9' {
			end++
		}
		if end == 0 {
			return Version{}, fmt.Errorf("update: invalid version %q", s)
		}
		n, err := strconv.Atoi(p[:end])
		if err != nil {
			return Version{}, fmt.Errorf("update: invalid version %q: %w", s, err)
		}
		nums[i] = n
		if end < len(p) {
			// A suffix ends the version.
			break
		}
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// Compare returns -1, 0 or 1 comparing v and o lexicographically by
// major, minor and patch.
func (v Version) Compare(o Version) int {
	switch {
	case v.Major != o.Major:
		return cmpInt(v.Major, o.Major)
	case v.Minor != o.Minor:
		return cmpInt(v.Minor, o.Minor)
	default:
		return cmpInt(v.Patch, o.Patch)
	}
}

// Less reports whether v sorts before o.
func (v Version) Less(o Version) bool { return v.Compare(o) < 0 }

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

func cmpInt(a, b int) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}
