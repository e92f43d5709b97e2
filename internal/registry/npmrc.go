package registry

import (
	"bufio"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/obentoo/catalogkit/internal/common/httpclient"
)

// DefaultRegistry is the public npm registry
const DefaultRegistry = "https://registry.npmjs.org/"

// npmrcFiles are read from each directory, later files overriding earlier
var npmrcFiles = []string{".npmrc", ".pnpmrc"}

// Npmrc is the merged registry configuration of .npmrc style files
type Npmrc struct {
	// Registry is the default registry URL, always ending in "/"
	Registry string
	// Scopes maps "@scope" to its registry URL
	Scopes map[string]string
	// auth maps a nerf-darted registry ("//host/path/") to its credential
	auth map[string]credential
}

type credential struct {
	token string // _authToken
	basic string // _auth, base64 user:pass
}

// NewNpmrc returns a configuration pointing at registry
func NewNpmrc(registry string) *Npmrc {
	if registry == "" {
		registry = DefaultRegistry
	}
	return &Npmrc{
		Registry: normalizeRegistryURL(registry),
		Scopes:   make(map[string]string),
		auth:     make(map[string]credential),
	}
}

// LoadNpmrc merges ~/.npmrc and ~/.pnpmrc, then <projectDir>/.npmrc and
// <projectDir>/.pnpmrc, over fallback. NPM_CONFIG_REGISTRY overrides the
// default registry. Missing files are ignored.
func LoadNpmrc(homeDir, projectDir, fallback string) (*Npmrc, error) {
	rc := NewNpmrc(fallback)

	var dirs []string
	if homeDir != "" {
		dirs = append(dirs, homeDir)
	}
	if projectDir != "" && projectDir != homeDir {
		dirs = append(dirs, projectDir)
	}

	for _, dir := range dirs {
		for _, name := range npmrcFiles {
			f, err := os.Open(filepath.Join(dir, name))
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return nil, err
			}
			err = rc.Parse(f)
			f.Close()
			if err != nil {
				return nil, err
			}
		}
	}

	for _, key := range []string{"NPM_CONFIG_REGISTRY", "npm_config_registry"} {
		if v := os.Getenv(key); v != "" {
			rc.Registry = normalizeRegistryURL(v)
			break
		}
	}
	return rc, nil
}

// Parse reads key=value lines into rc. Comments start with # or ;.
// Values may reference environment variables as ${VAR}.
func (rc *Npmrc) Parse(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		value = httpclient.SubstituteEnvVars(value)

		switch {
		case key == "registry":
			rc.Registry = normalizeRegistryURL(value)
		case strings.HasPrefix(key, "@") && strings.HasSuffix(key, ":registry"):
			rc.Scopes[strings.TrimSuffix(key, ":registry")] = normalizeRegistryURL(value)
		case strings.HasPrefix(key, "//"):
			idx := strings.LastIndex(key, ":")
			if idx < 0 {
				continue
			}
			nerf, field := key[:idx], key[idx+1:]
			if !strings.HasSuffix(nerf, "/") {
				nerf += "/"
			}
			cred := rc.auth[nerf]
			switch field {
			case "_authToken":
				cred.token = value
			case "_auth":
				cred.basic = value
			default:
				continue
			}
			rc.auth[nerf] = cred
		case key == "_authToken":
			cred := rc.auth[nerfDart(rc.Registry)]
			cred.token = value
			rc.auth[nerfDart(rc.Registry)] = cred
		}
	}
	return scanner.Err()
}

// RegistryFor returns the registry serving a package: its scope registry
// when configured, else the default.
func (rc *Npmrc) RegistryFor(pkg string) string {
	if scope := packageScope(pkg); scope != "" {
		if reg, ok := rc.Scopes[scope]; ok {
			return reg
		}
	}
	return rc.Registry
}

// AuthorizationFor returns the Authorization header value for a registry
// URL, matching the longest configured nerf-dart prefix, or "".
func (rc *Npmrc) AuthorizationFor(registryURL string) string {
	nerf := nerfDart(registryURL)
	for {
		if cred, ok := rc.auth[nerf]; ok {
			if cred.token != "" {
				return "Bearer " + cred.token
			}
			if cred.basic != "" {
				return "Basic " + cred.basic
			}
		}
		// drop the last path segment: //host/a/b/ -> //host/a/
		trimmed := strings.TrimSuffix(nerf, "/")
		i := strings.LastIndex(trimmed, "/")
		if i < 2 {
			return ""
		}
		nerf = trimmed[:i+1]
	}
}

// Secrets returns every configured credential so they can be masked in logs
func (rc *Npmrc) Secrets() []string {
	var secrets []string
	for _, cred := range rc.auth {
		if cred.token != "" {
			secrets = append(secrets, cred.token)
		}
		if cred.basic != "" {
			secrets = append(secrets, cred.basic)
		}
	}
	return secrets
}

// nerfDart strips the scheme from a registry URL: "//host/path/"
func nerfDart(registryURL string) string {
	u, err := url.Parse(registryURL)
	if err != nil || u.Host == "" {
		return ""
	}
	p := u.Path
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return "//" + u.Host + p
}

func normalizeRegistryURL(u string) string {
	u = strings.TrimSpace(u)
	if !strings.HasSuffix(u, "/") {
		u += "/"
	}
	return u
}

// packageScope returns "@scope" for "@scope/name", else ""
func packageScope(pkg string) string {
	if !strings.HasPrefix(pkg, "@") {
		return ""
	}
	if i := strings.IndexByte(pkg, '/'); i > 0 {
		return pkg[:i]
	}
	return ""
}
