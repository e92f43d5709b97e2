package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/obentoo/catalogkit/internal/common/semver"
)

// Manifest is the per-version data used by the checker and ecosystem scan
type Manifest struct {
	Version              string            `json:"version"`
	Dependencies         map[string]string `json:"dependencies,omitempty"`
	PeerDependencies     map[string]string `json:"peerDependencies,omitempty"`
	OptionalDependencies map[string]string `json:"optionalDependencies,omitempty"`
	Deprecated           string            `json:"deprecated,omitempty"`
	Repository           string            `json:"repository,omitempty"`
}

// PackageVersions is the abbreviated view of a package: its valid
// versions in ascending order and its dist-tags.
type PackageVersions struct {
	Name      string              `json:"name"`
	DistTags  map[string]string   `json:"distTags"`
	Versions  []string            `json:"versions"`
	Manifests map[string]Manifest `json:"manifests"`
	Modified  time.Time           `json:"modified"`
}

// Latest returns the "latest" dist-tag, or "" if unset
func (p *PackageVersions) Latest() string {
	return p.DistTags["latest"]
}

// Parsed returns the versions as semver values, ascending
func (p *PackageVersions) Parsed() []*semver.Version {
	return semver.ParseAll(p.Versions)
}

// PackageMetadata is the full view of a package, including publish times
type PackageMetadata struct {
	Name       string               `json:"name"`
	DistTags   map[string]string    `json:"distTags"`
	Versions   map[string]Manifest  `json:"versions"`
	Time       map[string]time.Time `json:"time"`
	Repository string               `json:"repository,omitempty"`
	Created    time.Time            `json:"created"`
	Modified   time.Time            `json:"modified"`
}

// =============================================================================
// Wire format
// =============================================================================

// rawRepository accepts both "repository": "url" and {"type", "url"}
type rawRepository struct {
	URL string
}

func (r *rawRepository) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		r.URL = s
		return nil
	}
	var obj struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil
	}
	r.URL = obj.URL
	return nil
}

// rawDeprecated accepts a string or, from some registries, a boolean
type rawDeprecated string

func (d *rawDeprecated) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*d = rawDeprecated(s)
		return nil
	}
	var b bool
	if err := json.Unmarshal(data, &b); err == nil && b {
		*d = "deprecated"
	}
	return nil
}

type rawManifest struct {
	Version              string            `json:"version"`
	Dependencies         map[string]string `json:"dependencies"`
	PeerDependencies     map[string]string `json:"peerDependencies"`
	OptionalDependencies map[string]string `json:"optionalDependencies"`
	Deprecated           rawDeprecated     `json:"deprecated"`
	Repository           *rawRepository    `json:"repository"`
}

type rawPackument struct {
	Name       string                 `json:"name"`
	DistTags   map[string]string      `json:"dist-tags"`
	Versions   map[string]rawManifest `json:"versions"`
	Time       map[string]string      `json:"time"`
	Modified   string                 `json:"modified"`
	Repository *rawRepository         `json:"repository"`
}

func (m rawManifest) toManifest(version string) Manifest {
	out := Manifest{
		Version:              version,
		Dependencies:         m.Dependencies,
		PeerDependencies:     m.PeerDependencies,
		OptionalDependencies: m.OptionalDependencies,
		Deprecated:           string(m.Deprecated),
	}
	if m.Repository != nil {
		out.Repository = m.Repository.URL
	}
	return out
}

// decodePackument validates a packument body. Versions that are not valid
// semver are dropped; a body without a name or versions is rejected.
func decodePackument(name string, data []byte) (*rawPackument, []string, error) {
	var raw rawPackument
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if raw.Name == "" {
		raw.Name = name
	}
	if raw.Name != name {
		return nil, nil, fmt.Errorf("%w: asked for %s, got %s", ErrInvalidResponse, name, raw.Name)
	}
	if raw.DistTags == nil {
		raw.DistTags = map[string]string{}
	}

	valid := make([]*semver.Version, 0, len(raw.Versions))
	for v := range raw.Versions {
		parsed, err := semver.Parse(v)
		if err != nil {
			continue
		}
		valid = append(valid, parsed)
	}
	semver.Sort(valid)

	versions := make([]string, len(valid))
	for i, v := range valid {
		versions[i] = v.String()
	}
	return &raw, versions, nil
}

func parseVersions(name string, data []byte) (*PackageVersions, error) {
	raw, versions, err := decodePackument(name, data)
	if err != nil {
		return nil, err
	}

	out := &PackageVersions{
		Name:      raw.Name,
		DistTags:  raw.DistTags,
		Versions:  versions,
		Manifests: make(map[string]Manifest, len(raw.Versions)),
	}
	for v, m := range raw.Versions {
		out.Manifests[canonical(v)] = m.toManifest(canonical(v))
	}
	if t, err := time.Parse(time.RFC3339, raw.Modified); err == nil {
		out.Modified = t
	}
	return out, nil
}

func parseMetadata(name string, data []byte) (*PackageMetadata, error) {
	raw, _, err := decodePackument(name, data)
	if err != nil {
		return nil, err
	}

	out := &PackageMetadata{
		Name:     raw.Name,
		DistTags: raw.DistTags,
		Versions: make(map[string]Manifest, len(raw.Versions)),
		Time:     make(map[string]time.Time, len(raw.Time)),
	}
	for v, m := range raw.Versions {
		out.Versions[canonical(v)] = m.toManifest(canonical(v))
	}
	for k, ts := range raw.Time {
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			continue
		}
		switch k {
		case "created":
			out.Created = t
		case "modified":
			out.Modified = t
		default:
			out.Time[canonical(k)] = t
		}
	}
	if raw.Repository != nil {
		out.Repository = raw.Repository.URL
	}
	return out, nil
}

// canonical returns the semver string form of v, or v unchanged
func canonical(v string) string {
	parsed, err := semver.Parse(v)
	if err != nil {
		return v
	}
	return parsed.String()
}

// sortedByTime returns the versions with a publish time, newest first
func (m *PackageMetadata) sortedByTime(includePrerelease bool) []string {
	type published struct {
		version string
		at      time.Time
	}
	var list []published
	for v, at := range m.Time {
		parsed, err := semver.Parse(v)
		if err != nil {
			continue
		}
		if parsed.IsPrerelease() && !includePrerelease {
			continue
		}
		if _, ok := m.Versions[v]; !ok {
			continue // unpublished
		}
		list = append(list, published{version: v, at: at})
	}
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].at.Equal(list[j].at) {
			return list[i].at.After(list[j].at)
		}
		return strings.Compare(list[i].version, list[j].version) > 0
	})

	out := make([]string, len(list))
	for i, p := range list {
		out[i] = p.version
	}
	return out
}
