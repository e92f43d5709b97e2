package security

import (
	"context"
	"fmt"

	"github.com/obentoo/catalogkit/internal/common/semver"
)

// SkippedVersion is a version rejected during the safe version search
type SkippedVersion struct {
	Version         string          `json:"version"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities"`
	// Unchecked is set when the lookup failed, so the version could not
	// be proven safe
	Unchecked bool `json:"unchecked,omitempty"`
}

// SafeVersion is the nearest version without critical or high findings
type SafeVersion struct {
	Package   string           `json:"package"`
	From      string           `json:"from"`
	Version   string           `json:"version"`
	SameMajor bool             `json:"sameMajor"`
	SameMinor bool             `json:"sameMinor"`
	Skipped   []SkippedVersion `json:"skipped"`
}

// FindSafeVersion walks the stable versions newer than from, in ascending
// order and up to the configured limit, and returns the first one without a
// critical or high vulnerability. It returns nil, nil when none qualifies.
func (c *OSVClient) FindSafeVersion(ctx context.Context, name, from string) (*SafeVersion, error) {
	if c.source == nil {
		return nil, ErrNoPackageSource
	}

	fromV, err := semver.Parse(from)
	if err != nil {
		return nil, err
	}

	published, err := c.source.ListVersions(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions of %s: %w", name, err)
	}

	var candidates []*semver.Version
	for _, v := range semver.ParseAll(published) {
		if !v.IsPrerelease() && v.IsNewerThan(fromV) {
			candidates = append(candidates, v)
		}
	}
	semver.Sort(candidates)
	if len(candidates) > c.safeLimit {
		candidates = candidates[:c.safeLimit]
	}

	var skipped []SkippedVersion
	for _, v := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		vulns, err := c.Query(ctx, name, v.String())
		if err != nil {
			c.log.Debug("safe version search: %s@%s unchecked: %v", name, v, err)
			skipped = append(skipped, SkippedVersion{Version: v.String(), Unchecked: true})
			continue
		}

		report := &Report{Vulnerabilities: vulns}
		if report.HasCriticalOrHigh() {
			skipped = append(skipped, SkippedVersion{Version: v.String(), Vulnerabilities: vulns})
			continue
		}

		return &SafeVersion{
			Package:   name,
			From:      fromV.String(),
			Version:   v.String(),
			SameMajor: v.Major() == fromV.Major(),
			SameMinor: v.Major() == fromV.Major() && v.Minor() == fromV.Minor(),
			Skipped:   skipped,
		}, nil
	}

	c.log.Debug("no safe version of %s within %d versions after %s", name, c.safeLimit, from)
	return nil, nil
}
