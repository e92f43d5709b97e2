package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/obentoo/catalogkit/internal/common/semver"
	"github.com/obentoo/catalogkit/internal/security"
)

// Target selects which published version an update moves to
type Target string

const (
	// TargetLatest is the "latest" dist-tag
	TargetLatest Target = "latest"
	// TargetGreatest is the highest published version
	TargetGreatest Target = "greatest"
	// TargetNewest is the most recently published version
	TargetNewest Target = "newest"
	// TargetMinor is the highest version within the current major
	TargetMinor Target = "minor"
	// TargetPatch is the highest version within the current major.minor
	TargetPatch Target = "patch"
)

// Targets lists every valid target, for flag help and validation
var Targets = []Target{TargetLatest, TargetGreatest, TargetNewest, TargetMinor, TargetPatch}

// ParseTarget validates a target name
func ParseTarget(s string) (Target, error) {
	for _, t := range Targets {
		if string(t) == strings.ToLower(strings.TrimSpace(s)) {
			return t, nil
		}
	}
	return "", fmt.Errorf("invalid target %q: must be one of latest, greatest, newest, minor, patch", s)
}

// GetLatestVersion returns the "latest" dist-tag, falling back to the
// greatest stable version when the tag is missing or invalid.
func (c *Client) GetLatestVersion(ctx context.Context, name string) (string, error) {
	pv, err := c.GetPackageVersions(ctx, name)
	if err != nil {
		return "", err
	}
	if v := latestOf(pv); v != nil {
		return v.String(), nil
	}
	return "", fmt.Errorf("%w: %s has no stable release", ErrNoSatisfyingVersion, name)
}

// GetGreatestVersion returns the highest version satisfying rangeStr, or
// the latest version when rangeStr is empty.
func (c *Client) GetGreatestVersion(ctx context.Context, name, rangeStr string) (string, error) {
	if strings.TrimSpace(rangeStr) == "" {
		return c.GetLatestVersion(ctx, name)
	}
	r, err := semver.ParseRange(rangeStr)
	if err != nil {
		return "", err
	}
	pv, err := c.GetPackageVersions(ctx, name)
	if err != nil {
		return "", err
	}

	versions := pv.Parsed()
	for i := len(versions) - 1; i >= 0; i-- {
		if r.Includes(versions[i]) {
			return versions[i].String(), nil
		}
	}
	return "", fmt.Errorf("%w: %s@%s", ErrNoSatisfyingVersion, name, rangeStr)
}

// GetNewestVersions returns up to count stable versions ordered by publish
// time, newest first.
func (c *Client) GetNewestVersions(ctx context.Context, name string, count int) ([]string, error) {
	md, err := c.GetPackageMetadata(ctx, name)
	if err != nil {
		return nil, err
	}
	versions := md.sortedByTime(false)
	if count > 0 && len(versions) > count {
		versions = versions[:count]
	}
	return versions, nil
}

// GetTargetVersion resolves the version a package at current would move to
// under target. The result may equal or precede current; callers decide
// whether it is an update.
func (c *Client) GetTargetVersion(ctx context.Context, name, current string, target Target, includePrerelease bool) (string, error) {
	cur, err := semver.Parse(current)
	if err != nil {
		return "", err
	}

	if target == TargetNewest {
		md, err := c.GetPackageMetadata(ctx, name)
		if err != nil {
			return "", err
		}
		byTime := md.sortedByTime(includePrerelease)
		if len(byTime) == 0 {
			return "", fmt.Errorf("%w: %s has no dated releases", ErrNoSatisfyingVersion, name)
		}
		return byTime[0], nil
	}

	pv, err := c.GetPackageVersions(ctx, name)
	if err != nil {
		return "", err
	}

	var picked *semver.Version
	switch target {
	case TargetLatest:
		picked = latestOf(pv)
	case TargetGreatest:
		picked = greatestWhere(pv, includePrerelease, func(*semver.Version) bool { return true })
	case TargetMinor:
		picked = greatestWhere(pv, includePrerelease, func(v *semver.Version) bool {
			return v.Major() == cur.Major()
		})
	case TargetPatch:
		picked = greatestWhere(pv, includePrerelease, func(v *semver.Version) bool {
			return v.Major() == cur.Major() && v.Minor() == cur.Minor()
		})
	default:
		return "", fmt.Errorf("invalid target %q", target)
	}

	if picked == nil {
		return "", fmt.Errorf("%w: %s (%s from %s)", ErrNoSatisfyingVersion, name, target, current)
	}
	return picked.String(), nil
}

// latestOf returns the latest dist-tag when it names a valid version, else
// the greatest stable version
func latestOf(pv *PackageVersions) *semver.Version {
	if tag := pv.Latest(); tag != "" {
		if v, err := semver.Parse(tag); err == nil {
			return v
		}
	}
	return greatestWhere(pv, false, func(*semver.Version) bool { return true })
}

func greatestWhere(pv *PackageVersions, includePrerelease bool, keep func(*semver.Version) bool) *semver.Version {
	versions := pv.Parsed()
	for i := len(versions) - 1; i >= 0; i-- {
		v := versions[i]
		if v.IsPrerelease() && !includePrerelease {
			continue
		}
		if keep(v) {
			return v
		}
	}
	return nil
}

// PackageInfo returns the manifest of one published version. It makes the
// client a security.PackageSource.
func (c *Client) PackageInfo(ctx context.Context, name, version string) (*security.PackageInfo, error) {
	md, err := c.GetPackageMetadata(ctx, name)
	if err != nil {
		return nil, err
	}
	m, ok := md.Versions[canonical(version)]
	if !ok {
		return nil, fmt.Errorf("%w: %s@%s", ErrPackageNotFound, name, version)
	}

	repo := m.Repository
	if repo == "" {
		repo = md.Repository
	}
	return &security.PackageInfo{
		Name:                 name,
		Version:              m.Version,
		Repository:           repo,
		Dependencies:         m.Dependencies,
		PeerDependencies:     m.PeerDependencies,
		OptionalDependencies: m.OptionalDependencies,
	}, nil
}

// ListVersions returns every valid published version, ascending
func (c *Client) ListVersions(ctx context.Context, name string) ([]string, error) {
	pv, err := c.GetPackageVersions(ctx, name)
	if err != nil {
		return nil, err
	}
	return pv.Versions, nil
}
