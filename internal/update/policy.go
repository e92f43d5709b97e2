package update

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/gobwas/glob"

	"github.com/obentoo/catalogkit/internal/registry"
)

// PolicyFile is the per-workspace update policy file name
const PolicyFile = ".catalogkit.toml"

// ErrInvalidPolicy is returned when the policy file fails validation
var ErrInvalidPolicy = errors.New("invalid update policy")

// PackagePolicy overrides update behaviour for one package
type PackagePolicy struct {
	// Target overrides the update target for this package
	Target              string `toml:"target,omitempty"`
	RequireConfirmation bool   `toml:"require_confirmation,omitempty"`
	AutoUpdate          bool   `toml:"auto_update,omitempty"`
	GroupUpdate         bool   `toml:"group_update,omitempty"`
	// Skip excludes the package from checks
	Skip bool `toml:"skip,omitempty"`
}

// SecurityPolicy controls the security signal
type SecurityPolicy struct {
	Enabled bool `toml:"enabled"`
	// AllowMajorForSecurity re-resolves vulnerable packages against
	// "latest" even when the target would stay within the major
	AllowMajorForSecurity bool `toml:"allow_major_for_security"`
}

// Policy is the update policy of a workspace
type Policy struct {
	Target            string                   `toml:"target"`
	IncludePrerelease bool                     `toml:"include_prerelease"`
	Include           []string                 `toml:"include"`
	Exclude           []string                 `toml:"exclude"`
	SyncVersions      []string                 `toml:"sync_versions"`
	CatalogPriority   []string                 `toml:"catalog_priority"`
	Security          SecurityPolicy           `toml:"security"`
	Packages          map[string]PackagePolicy `toml:"packages"`

	include []glob.Glob
	exclude []glob.Glob
}

// DefaultPolicy returns the policy used when no policy file exists
func DefaultPolicy() *Policy {
	return &Policy{
		Target:   string(registry.TargetLatest),
		Security: SecurityPolicy{Enabled: true},
		Packages: make(map[string]PackagePolicy),
	}
}

// LoadPolicy reads <root>/.catalogkit.toml over the defaults. A missing
// file yields the default policy; unknown keys are rejected.
func LoadPolicy(root string) (*Policy, error) {
	p := DefaultPolicy()

	data, err := os.ReadFile(filepath.Join(root, PolicyFile))
	if err != nil {
		if os.IsNotExist(err) {
			return p, p.Validate()
		}
		return nil, fmt.Errorf("failed to read %s: %w", PolicyFile, err)
	}

	md, err := toml.Decode(string(data), p)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", PolicyFile, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%w: unknown keys %s", ErrInvalidPolicy, strings.Join(keys, ", "))
	}
	if p.Packages == nil {
		p.Packages = make(map[string]PackagePolicy)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks targets and compiles the include and exclude patterns
func (p *Policy) Validate() error {
	if _, err := registry.ParseTarget(p.Target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	for _, name := range sortedKeys(p.Packages) {
		if t := p.Packages[name].Target; t != "" {
			if _, err := registry.ParseTarget(t); err != nil {
				return fmt.Errorf("%w: packages.%s: %v", ErrInvalidPolicy, name, err)
			}
		}
	}

	var err error
	if p.include, err = compilePatterns(p.Include); err != nil {
		return err
	}
	if p.exclude, err = compilePatterns(p.Exclude); err != nil {
		return err
	}
	return nil
}

func compilePatterns(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("%w: pattern %q: %v", ErrInvalidPolicy, pattern, err)
		}
		out = append(out, g)
	}
	return out, nil
}

func matchAny(globs []glob.Glob, name string) bool {
	for _, g := range globs {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// Rule returns the package override for name, zero if none
func (p *Policy) Rule(name string) PackagePolicy {
	return p.Packages[name]
}

// DefaultTarget returns the policy-wide target
func (p *Policy) DefaultTarget() registry.Target {
	t, err := registry.ParseTarget(p.Target)
	if err != nil {
		return registry.TargetLatest
	}
	return t
}

// TargetFor resolves the target of one package: its own override, then
// the requested target, then the policy default.
func (p *Policy) TargetFor(name string, requested registry.Target) registry.Target {
	if t, err := registry.ParseTarget(p.Rule(name).Target); err == nil {
		return t
	}
	if requested != "" {
		return requested
	}
	return p.DefaultTarget()
}

// ShouldUpdate reports whether name passes the include and exclude
// patterns and is not skipped
func (p *Policy) ShouldUpdate(name string) bool {
	if p.Rule(name).Skip {
		return false
	}
	if len(p.include) > 0 && !matchAny(p.include, name) {
		return false
	}
	return !matchAny(p.exclude, name)
}

// IsSynced reports whether name must hold one version across catalogs
func (p *Policy) IsSynced(name string) bool {
	for _, s := range p.SyncVersions {
		if s == name {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
