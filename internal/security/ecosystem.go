package security

import (
	"context"
	"sort"
	"strings"

	"github.com/obentoo/catalogkit/internal/common/concurrency"
	"github.com/obentoo/catalogkit/internal/common/semver"
)

// Relation describes how an ecosystem package relates to the queried one
type Relation string

const (
	RelationDependency Relation = "dependency"
	RelationPeer       Relation = "peer"
	RelationOptional   Relation = "optional"
	RelationSibling    Relation = "sibling"
)

// siblingSuffixes are the conventional names of packages published from
// the same monorepo
var siblingSuffixes = []string{
	"-dom", "-core", "-utils", "-server", "-client",
	"-cli", "-common", "-shared", "-types", "-plugin",
}

// EcosystemPackage is a package related to a queried package
type EcosystemPackage struct {
	Name     string   `json:"name"`
	Version  string   `json:"version"`
	Relation Relation `json:"relation"`
}

// DiscoverEcosystem lists the direct, peer and optional dependencies of a
// package version, each at the lowest version its declared range admits,
// plus monorepo siblings published at the same version from the same
// repository. Failures are logged and yield fewer results, never an error.
func (c *OSVClient) DiscoverEcosystem(ctx context.Context, name, version string) []EcosystemPackage {
	if c.source == nil {
		return nil
	}

	info, err := c.source.PackageInfo(ctx, name, version)
	if err != nil {
		c.log.Debug("ecosystem discovery for %s@%s failed: %v", name, version, err)
		return nil
	}

	seen := map[string]bool{name: true}
	var related []EcosystemPackage

	add := func(deps map[string]string, rel Relation) {
		names := make([]string, 0, len(deps))
		for dep := range deps {
			names = append(names, dep)
		}
		sort.Strings(names)
		for _, dep := range names {
			if seen[dep] {
				continue
			}
			v, ok := lowestVersion(deps[dep])
			if !ok {
				c.log.Debug("skipping %s %s: unusable range %q", rel, dep, deps[dep])
				continue
			}
			seen[dep] = true
			related = append(related, EcosystemPackage{Name: dep, Version: v, Relation: rel})
		}
	}
	add(info.Dependencies, RelationDependency)
	add(info.PeerDependencies, RelationPeer)
	add(info.OptionalDependencies, RelationOptional)

	repo := normalizeRepository(info.Repository)
	if repo == "" {
		return related
	}

	var candidates []string
	for _, cand := range siblingCandidates(name) {
		if !seen[cand] {
			candidates = append(candidates, cand)
		}
	}

	found := concurrency.Map(ctx, c.ctrl, candidates, func(ctx context.Context, cand string) (bool, error) {
		sib, err := c.source.PackageInfo(ctx, cand, version)
		if err != nil {
			return false, err
		}
		return normalizeRepository(sib.Repository) == repo, nil
	}, nil)
	for i, res := range found {
		if res.Err == nil && res.Value {
			related = append(related, EcosystemPackage{Name: candidates[i], Version: version, Relation: RelationSibling})
		}
	}
	return related
}

// lowestVersion returns the lowest version a dependency range admits
func lowestVersion(rangeStr string) (string, bool) {
	r, err := semver.ParseRange(rangeStr)
	if err != nil {
		return "", false
	}
	v := r.MinVersion()
	if v == nil {
		return "", false
	}
	return v.String(), true
}

// siblingCandidates derives possible monorepo siblings from a name:
// the stem without a conventional suffix, and the stem with each suffix.
func siblingCandidates(name string) []string {
	scope, base := "", name
	if strings.HasPrefix(name, "@") {
		if i := strings.IndexByte(name, '/'); i > 0 {
			scope, base = name[:i+1], name[i+1:]
		}
	}

	stem := base
	for _, s := range siblingSuffixes {
		if strings.HasSuffix(base, s) && len(base) > len(s) {
			stem = strings.TrimSuffix(base, s)
			break
		}
	}

	var out []string
	if stem != base {
		out = append(out, scope+stem)
	}
	for _, s := range siblingSuffixes {
		cand := scope + stem + s
		if cand != name {
			out = append(out, cand)
		}
	}
	return out
}

// normalizeRepository reduces the many spellings of a repository URL to
// host/owner/repo so siblings can be compared
func normalizeRepository(repo string) string {
	r := strings.TrimSpace(strings.ToLower(repo))
	if r == "" {
		return ""
	}
	r = strings.TrimPrefix(r, "git+")
	for _, prefix := range []string{"https://", "http://", "git://", "ssh://", "git@"} {
		r = strings.TrimPrefix(r, prefix)
	}
	if strings.HasPrefix(r, "github:") {
		r = "github.com/" + strings.TrimPrefix(r, "github:")
	}
	r = strings.TrimPrefix(r, "git@")
	r = strings.Replace(r, ":", "/", 1)
	if i := strings.IndexAny(r, "#?"); i >= 0 {
		r = r[:i]
	}
	r = strings.TrimSuffix(strings.TrimSuffix(r, "/"), ".git")

	// keep host/owner/repo, dropping monorepo subdirectories
	parts := strings.Split(r, "/")
	if len(parts) > 3 {
		parts = parts[:3]
	}
	// github shorthand "owner/repo"
	if len(parts) == 2 && !strings.Contains(parts[0], ".") {
		parts = append([]string{"github.com"}, parts...)
	}
	return strings.Join(parts, "/")
}
