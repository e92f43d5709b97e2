package workspace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/obentoo/catalogkit/internal/common/cache"
	"github.com/obentoo/catalogkit/internal/common/logger"
)

// ConfigFile is the workspace declaration file name
const ConfigFile = "pnpm-workspace.yaml"

// FileCacheTTL is how long file reads are served from memory
const FileCacheTTL = 5 * time.Minute

const backupTimeFormat = "20060102-150405.000"

// Error variables for repository errors
var (
	// ErrConfigNotFound is returned when no pnpm-workspace.yaml exists
	ErrConfigNotFound = errors.New(ConfigFile + " not found")
	// ErrInvalidConfig is returned when pnpm-workspace.yaml cannot be parsed
	ErrInvalidConfig = errors.New("invalid " + ConfigFile)
	// ErrInvalidPattern is returned for malformed package globs
	ErrInvalidPattern = errors.New("invalid package pattern")
)

// skipDirs are never searched for member packages
var skipDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	".pnpm-store":  true,
}

// Repository reads and writes a workspace on a filesystem
type Repository struct {
	root      string
	fs        afero.Fs
	files     *cache.Cache[[]byte]
	ownsCache bool
	log       *logger.Logger
	now       func() time.Time
}

// RepositoryOption is a functional option for configuring Repository
type RepositoryOption func(*Repository)

// WithFs sets the filesystem, the OS filesystem by default
func WithFs(fs afero.Fs) RepositoryOption {
	return func(r *Repository) {
		r.fs = fs
	}
}

// WithFileCache sets the cache used for file reads
func WithFileCache(c *cache.Cache[[]byte]) RepositoryOption {
	return func(r *Repository) {
		r.files = c
	}
}

// WithLogger sets the logger
func WithLogger(l *logger.Logger) RepositoryOption {
	return func(r *Repository) {
		r.log = l
	}
}

// WithNowFunc sets the clock used for backup names
func WithNowFunc(fn func() time.Time) RepositoryOption {
	return func(r *Repository) {
		r.now = fn
	}
}

// NewRepository returns a repository rooted at root
func NewRepository(root string, opts ...RepositoryOption) *Repository {
	r := &Repository{
		root: filepath.Clean(root),
		fs:   afero.NewOsFs(),
		log:  logger.Default(),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.files == nil {
		r.files = cache.New[[]byte](
			cache.WithTTL[[]byte](FileCacheTTL),
			cache.WithSizeFunc(func(b []byte) int64 { return int64(len(b)) }),
			cache.WithLogger[[]byte](r.log),
		)
		r.ownsCache = true
	}
	return r
}

// Close releases the file cache if the repository created it
func (r *Repository) Close() {
	if r.ownsCache {
		r.files.Destroy()
	}
}

// Root returns the workspace root directory
func (r *Repository) Root() string {
	return r.root
}

// ConfigPath returns the path of pnpm-workspace.yaml
func (r *Repository) ConfigPath() string {
	return filepath.Join(r.root, ConfigFile)
}

// FindRoot walks up from start to the nearest directory holding
// pnpm-workspace.yaml
func FindRoot(fs afero.Fs, start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}
	for {
		if ok, _ := afero.Exists(fs, filepath.Join(dir, ConfigFile)); ok {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%w in %s or any parent directory", ErrConfigNotFound, start)
		}
		dir = parent
	}
}

func (r *Repository) readFile(name string) ([]byte, error) {
	if data, ok := r.files.Get(name); ok {
		return data, nil
	}
	data, err := afero.ReadFile(r.fs, name)
	if err != nil {
		return nil, err
	}
	if err := r.files.Set(name, data); err != nil {
		r.log.Debug("file cache store for %s failed: %v", name, err)
	}
	return data, nil
}

// workspaceFile is the part of pnpm-workspace.yaml catalogkit reads
type workspaceFile struct {
	Packages []string                     `yaml:"packages"`
	Catalog  map[string]string            `yaml:"catalog"`
	Catalogs map[string]map[string]string `yaml:"catalogs"`
}

// Load reads pnpm-workspace.yaml and every member package.json. Catalog
// entries with invalid names or ranges are skipped with a warning and
// listed in Workspace.Invalid.
func (r *Repository) Load(ctx context.Context) (*Workspace, error) {
	data, err := r.readFile(r.ConfigPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w in %s", ErrConfigNotFound, r.root)
		}
		return nil, err
	}

	var file workspaceFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if file.Catalog != nil && file.Catalogs[DefaultCatalog] != nil {
		return nil, fmt.Errorf("%w: the default catalog is declared under both catalog and catalogs.default", ErrInvalidConfig)
	}

	ws := New(r.root)
	ws.ConfigPath = r.ConfigPath()
	ws.Patterns = file.Packages

	declared := make(map[string]map[string]string, len(file.Catalogs)+1)
	for name, entries := range file.Catalogs {
		declared[name] = entries
	}
	if file.Catalog != nil {
		declared[DefaultCatalog] = file.Catalog
	}
	for _, name := range sortedKeys(declared) {
		c, errs := buildCatalog(name, declared[name])
		for _, err := range multierr.Errors(errs) {
			r.log.Warn("catalog %s: skipping entry: %v", name, err)
			ws.Invalid = append(ws.Invalid, fmt.Sprintf("%s: %v", name, err))
		}
		ws.AddCatalog(c)
	}

	packages, err := r.discoverPackages(ctx, file.Packages)
	if err != nil {
		return nil, err
	}
	ws.Packages = packages

	r.log.Debug("loaded %d catalogs and %d packages from %s", len(declared), len(packages), r.root)
	return ws, nil
}

type packageJSON struct {
	Name                 string            `json:"name"`
	Dependencies         map[string]string `json:"dependencies"`
	DevDependencies      map[string]string `json:"devDependencies"`
	PeerDependencies     map[string]string `json:"peerDependencies"`
	OptionalDependencies map[string]string `json:"optionalDependencies"`
}

func (p packageJSON) section(t DependencyType) map[string]string {
	switch t {
	case Dependencies:
		return p.Dependencies
	case DevDependencies:
		return p.DevDependencies
	case PeerDependencies:
		return p.PeerDependencies
	default:
		return p.OptionalDependencies
	}
}

type packageMatcher struct {
	include []glob.Glob
	exclude []glob.Glob
}

func compilePatterns(patterns []string) (*packageMatcher, error) {
	m := &packageMatcher{}
	for _, p := range patterns {
		negated := strings.HasPrefix(p, "!")
		clean := strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(p, "!"), "./"), "/")
		if clean == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPattern, p)
		}
		g, err := glob.Compile(clean, '/')
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPattern, p, err)
		}
		if negated {
			m.exclude = append(m.exclude, g)
		} else {
			m.include = append(m.include, g)
		}
	}
	return m, nil
}

func (m *packageMatcher) match(rel string) bool {
	for _, g := range m.exclude {
		if g.Match(rel) {
			return false
		}
	}
	for _, g := range m.include {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

// discoverPackages reads the root package.json and every directory
// matching patterns that holds a package.json
func (r *Repository) discoverPackages(ctx context.Context, patterns []string) ([]Package, error) {
	matcher, err := compilePatterns(patterns)
	if err != nil {
		return nil, err
	}

	var packages []Package
	if pkg, ok, err := r.readPackage("."); err != nil {
		return nil, err
	} else if ok {
		packages = append(packages, pkg)
	}

	if len(matcher.include) == 0 {
		return packages, nil
	}

	err = afero.Walk(r.fs, r.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !info.IsDir() {
			return nil
		}
		if p != r.root && (skipDirs[info.Name()] || strings.HasPrefix(info.Name(), ".")) {
			return filepath.SkipDir
		}

		rel, err := filepath.Rel(r.root, p)
		if err != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if !matcher.match(rel) {
			return nil
		}

		pkg, ok, err := r.readPackage(rel)
		if err != nil {
			return err
		}
		if ok {
			packages = append(packages, pkg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return packages, nil
}

// readPackage parses <rel>/package.json; ok is false when there is none
func (r *Repository) readPackage(rel string) (Package, bool, error) {
	file := filepath.Join(r.root, filepath.FromSlash(rel), "package.json")
	data, err := r.readFile(file)
	if err != nil {
		if os.IsNotExist(err) {
			return Package{}, false, nil
		}
		return Package{}, false, err
	}

	var manifest packageJSON
	if err := json.Unmarshal(data, &manifest); err != nil {
		return Package{}, false, fmt.Errorf("%s: %w", file, err)
	}

	pkg := Package{
		Name:         manifest.Name,
		Path:         rel,
		Dependencies: make(map[string]DependencyRef),
	}
	if pkg.Name == "" {
		pkg.Name = path.Base(rel)
	}
	for _, t := range dependencyTypes {
		for name, spec := range manifest.section(t) {
			ref := DependencyRef{Name: name, Specifier: spec, Type: t}
			ref.Catalog, _ = ParseCatalogSpecifier(spec)
			// a catalog reference in any section wins over plain ones
			if prev, ok := pkg.Dependencies[name]; ok && prev.IsCatalog() && !ref.IsCatalog() {
				continue
			}
			pkg.Dependencies[name] = ref
		}
	}
	return pkg, true, nil
}

// Save writes every catalog range of ws back into pnpm-workspace.yaml by
// editing the YAML nodes in place, so comments and key order survive.
func (r *Repository) Save(ws *Workspace) error {
	file := r.ConfigPath()
	data, err := afero.ReadFile(r.fs, file)
	if err != nil {
		return err
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if doc.Kind == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return fmt.Errorf("%w: top level is not a mapping", ErrInvalidConfig)
	}

	changed := 0
	for _, c := range ws.Catalogs() {
		node := catalogNode(root, c.Name)
		for _, pkg := range c.Names() {
			rng, _ := c.Get(pkg)
			if setScalar(node, pkg, rng) {
				changed++
			}
		}
	}
	if changed == 0 {
		r.log.Debug("no catalog changes to write")
		return nil
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}

	if err := r.writeAtomic(file, buf.Bytes()); err != nil {
		return err
	}
	r.files.Delete(file)
	r.log.Info("wrote %d catalog changes to %s", changed, file)
	return nil
}

// catalogNode returns the mapping holding catalog name's entries, creating
// it when missing. The default catalog lives under "catalog" unless the
// file declares it as catalogs.default.
func catalogNode(root *yaml.Node, name string) *yaml.Node {
	if name == DefaultCatalog {
		if catalogs := mappingValue(root, "catalogs"); catalogs != nil {
			if node := mappingValue(catalogs, DefaultCatalog); node != nil {
				return node
			}
		}
		return ensureMapping(root, "catalog")
	}
	return ensureMapping(ensureMapping(root, "catalogs"), name)
}

func mappingValue(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

func ensureMapping(m *yaml.Node, key string) *yaml.Node {
	if v := mappingValue(m, key); v != nil {
		if v.Kind != yaml.MappingNode {
			// "catalog:" with no entries decodes as a null scalar
			v.Kind, v.Tag, v.Value = yaml.MappingNode, "!!map", ""
		}
		return v
	}
	v := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, v)
	return v
}

// setScalar sets m[key] to value, reporting whether anything changed
func setScalar(m *yaml.Node, key, value string) bool {
	if v := mappingValue(m, key); v != nil {
		if v.Kind == yaml.ScalarNode && v.Value == value {
			return false
		}
		v.Kind, v.Tag, v.Value = yaml.ScalarNode, "!!str", value
		return true
	}
	m.Content = append(m.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value},
	)
	return true
}

func (r *Repository) writeAtomic(file string, data []byte) error {
	mode := os.FileMode(0644)
	if info, err := r.fs.Stat(file); err == nil {
		mode = info.Mode().Perm()
	}
	tmp := file + ".tmp"
	if err := afero.WriteFile(r.fs, tmp, data, mode); err != nil {
		return err
	}
	if err := r.fs.Rename(tmp, file); err != nil {
		r.fs.Remove(tmp)
		return err
	}
	return nil
}

// Backup copies pnpm-workspace.yaml to pnpm-workspace.yaml.<timestamp>.bak
// next to it and returns the backup path.
func (r *Repository) Backup() (string, error) {
	file := r.ConfigPath()
	data, err := afero.ReadFile(r.fs, file)
	if err != nil {
		return "", fmt.Errorf("failed to read %s for backup: %w", ConfigFile, err)
	}
	backup := fmt.Sprintf("%s.%s.bak", file, r.now().Format(backupTimeFormat))
	if err := afero.WriteFile(r.fs, backup, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write backup: %w", err)
	}
	r.log.Info("backed up %s to %s", ConfigFile, filepath.Base(backup))
	return backup, nil
}
