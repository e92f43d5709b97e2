// Package semver provides the version and version-range values used to
// compare catalog entries against registry releases.
//
// Versions are strict semantic versions (major.minor.patch with optional
// prerelease and build metadata). Ranges follow the npm range grammar:
// caret, tilde, x-ranges, comparators, hyphen ranges and "||" unions.
package semver

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	msemver "github.com/Masterminds/semver/v3"
)

// Error variables for version parsing
var (
	// ErrInvalidVersion is returned when a version string is malformed
	ErrInvalidVersion = errors.New("invalid version")
	// ErrInvalidVersionRange is returned when a range string is malformed
	ErrInvalidVersionRange = errors.New("invalid version range")
)

// DiffType classifies the difference between two versions.
type DiffType string

// Difference type constants, ordered from most to least significant
const (
	DiffMajor      DiffType = "major"
	DiffMinor      DiffType = "minor"
	DiffPatch      DiffType = "patch"
	DiffPrerelease DiffType = "prerelease"
	DiffSame       DiffType = "same"
)

// Version is an immutable semantic version.
type Version struct {
	v *msemver.Version
}

// Parse parses a version string. One leading "=" and then one "v" are
// accepted and dropped; anything else that is not a full major.minor.patch version fails
// with ErrInvalidVersion.
func Parse(s string) (*Version, error) {
	clean := strings.TrimSpace(s)
	clean = strings.TrimPrefix(clean, "=")
	clean = strings.TrimPrefix(clean, "v")
	if clean == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidVersion, s)
	}

	v, err := msemver.StrictNewVersion(clean)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidVersion, s, err)
	}
	return &Version{v: v}, nil
}

// MustParse is like Parse but panics on error. Intended for constants and tests.
func MustParse(s string) *Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// newVersion builds a version from its numeric parts and prerelease tag.
func newVersion(major, minor, patch uint64, pre string) *Version {
	s := fmt.Sprintf("%d.%d.%d", major, minor, patch)
	if pre != "" {
		s += "-" + pre
	}
	return MustParse(s)
}

// Major returns the major component.
func (v *Version) Major() uint64 { return v.v.Major() }

// Minor returns the minor component.
func (v *Version) Minor() uint64 { return v.v.Minor() }

// Patch returns the patch component.
func (v *Version) Patch() uint64 { return v.v.Patch() }

// Prerelease returns the prerelease tag without the leading dash.
func (v *Version) Prerelease() string { return v.v.Prerelease() }

// Build returns the build metadata without the leading plus.
func (v *Version) Build() string { return v.v.Metadata() }

// IsPrerelease reports whether the version carries a prerelease tag.
func (v *Version) IsPrerelease() bool { return v.v.Prerelease() != "" }

// String returns the normalized version string.
func (v *Version) String() string { return v.v.String() }

// MarshalText implements encoding.TextMarshaler.
func (v *Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// Compare returns -1, 0 or 1. Build metadata is ignored.
func (v *Version) Compare(other *Version) int {
	return v.v.Compare(other.v)
}

// Equals reports whether both versions have the same precedence.
func (v *Version) Equals(other *Version) bool { return v.Compare(other) == 0 }

// IsNewerThan reports whether v sorts after other.
func (v *Version) IsNewerThan(other *Version) bool { return v.Compare(other) > 0 }

// IsOlderThan reports whether v sorts before other.
func (v *Version) IsOlderThan(other *Version) bool { return v.Compare(other) < 0 }

// sameTuple reports whether both versions share major, minor and patch.
func (v *Version) sameTuple(other *Version) bool {
	return v.Major() == other.Major() && v.Minor() == other.Minor() && v.Patch() == other.Patch()
}

// DiffType returns the most significant component that differs between v
// and other, or DiffSame if they are equal.
func (v *Version) DiffType(other *Version) DiffType {
	switch {
	case v.Equals(other):
		return DiffSame
	case v.Major() != other.Major():
		return DiffMajor
	case v.Minor() != other.Minor():
		return DiffMinor
	case v.Patch() != other.Patch():
		return DiffPatch
	default:
		return DiffPrerelease
	}
}

// Sort sorts versions in ascending order.
func Sort(versions []*Version) {
	sort.SliceStable(versions, func(i, j int) bool {
		return versions[i].Compare(versions[j]) < 0
	})
}

// SortDesc sorts versions in descending order.
func SortDesc(versions []*Version) {
	sort.SliceStable(versions, func(i, j int) bool {
		return versions[i].Compare(versions[j]) > 0
	})
}

// ParseAll parses every valid version in the list, silently skipping
// malformed entries (registries occasionally publish non-semver tags).
func ParseAll(raw []string) []*Version {
	out := make([]*Version, 0, len(raw))
	for _, s := range raw {
		v, err := Parse(s)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}
