// Package registry is an npm registry client: version lists, dist-tags,
// target version resolution and audit lookups, with per-scope registry and
// auth selection, retries and a shared response cache.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/obentoo/catalogkit/internal/common/cache"
	"github.com/obentoo/catalogkit/internal/common/concurrency"
	"github.com/obentoo/catalogkit/internal/common/httpclient"
	"github.com/obentoo/catalogkit/internal/common/logger"
)

const (
	// abbreviatedAccept requests the corgi packument: versions, dist-tags
	// and install-relevant manifest fields only
	abbreviatedAccept = "application/vnd.npm.install-v1+json; q=1.0, application/json; q=0.8"
	fullAccept        = "application/json"

	// DefaultCacheTTL is the version list TTL; metadata and security
	// reports are cached for multiples of it
	DefaultCacheTTL = 10 * time.Minute

	maxBodySize = 64 << 20

	// defaultFlightTimeout bounds a shared fetch when the HTTP client has
	// no request timeout
	defaultFlightTimeout = 2 * time.Minute
)

// Client talks to one or more npm registries
type Client struct {
	npmrc *Npmrc
	http  *httpclient.Client
	cache *cache.Cache[json.RawMessage]
	ttl   time.Duration
	ctrl  *concurrency.Controller
	group singleflight.Group
	log   *logger.Logger
}

// Option is a functional option for configuring Client
type Option func(*Client)

// WithNpmrc sets the registry and auth configuration
func WithNpmrc(rc *Npmrc) Option {
	return func(c *Client) {
		c.npmrc = rc
	}
}

// WithHTTPClient sets the retrying HTTP client
func WithHTTPClient(h *httpclient.Client) Option {
	return func(c *Client) {
		c.http = h
	}
}

// WithCache sets the response cache and its base TTL
func WithCache(rc *cache.Cache[json.RawMessage], baseTTL time.Duration) Option {
	return func(c *Client) {
		c.cache = rc
		if baseTTL > 0 {
			c.ttl = baseTTL
		}
	}
}

// WithController sets the controller used by batch queries
func WithController(ctrl *concurrency.Controller) Option {
	return func(c *Client) {
		c.ctrl = ctrl
	}
}

// WithLogger sets the logger
func WithLogger(l *logger.Logger) Option {
	return func(c *Client) {
		c.log = l
	}
}

// NewClient creates a registry client
func NewClient(opts ...Option) *Client {
	c := &Client{
		ttl: DefaultCacheTTL,
		log: logger.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.npmrc == nil {
		c.npmrc = NewNpmrc(DefaultRegistry)
	}
	if c.http == nil {
		c.http = httpclient.New()
	}
	if c.ctrl == nil {
		c.ctrl = concurrency.New(concurrency.DefaultConcurrency)
	}
	for _, secret := range c.npmrc.Secrets() {
		c.log.RegisterSecret(secret)
	}
	c.log = c.log.With("component", "registry")
	return c
}

// TTLs derived from the base TTL
func (c *Client) versionsTTL() time.Duration { return c.ttl }
func (c *Client) metadataTTL() time.Duration { return 2 * c.ttl }
func (c *Client) securityTTL() time.Duration { return 6 * c.ttl }

// RegistryFor returns the registry URL serving a package
func (c *Client) RegistryFor(name string) string {
	return c.npmrc.RegistryFor(name)
}

// packageURL returns the packument URL; scoped names keep their "@" and
// encode the slash
func packageURL(registry, name string) string {
	escaped := url.PathEscape(name)
	if strings.HasPrefix(name, "@") {
		escaped = "@" + url.PathEscape(name[1:])
	}
	return registry + escaped
}

// GetPackageVersions returns the version list and dist-tags of a package
// using the abbreviated packument.
func (c *Client) GetPackageVersions(ctx context.Context, name string) (*PackageVersions, error) {
	registry := c.RegistryFor(name)
	key := "versions:" + registry + ":" + name

	var out PackageVersions
	err := c.cachedFetch(ctx, key, c.versionsTTL(), &out, func(ctx context.Context) (any, error) {
		body, err := c.fetch(ctx, "versions", name, registry, abbreviatedAccept)
		if err != nil {
			return nil, err
		}
		pv, err := parseVersions(name, body)
		if err != nil {
			return nil, &RegistryError{Op: "versions", Package: name, Registry: registry, Err: err}
		}
		return pv, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPackageMetadata returns the full packument, including publish times
// and repository.
func (c *Client) GetPackageMetadata(ctx context.Context, name string) (*PackageMetadata, error) {
	registry := c.RegistryFor(name)
	key := "metadata:" + registry + ":" + name

	var out PackageMetadata
	err := c.cachedFetch(ctx, key, c.metadataTTL(), &out, func(ctx context.Context) (any, error) {
		body, err := c.fetch(ctx, "metadata", name, registry, fullAccept)
		if err != nil {
			return nil, err
		}
		md, err := parseMetadata(name, body)
		if err != nil {
			return nil, &RegistryError{Op: "metadata", Package: name, Registry: registry, Err: err}
		}
		return md, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// cachedFetch serves key from the cache or runs load once across
// concurrent callers, storing its JSON form. out receives the value.
// The shared load is detached from the caller that started it so that one
// cancelled caller does not fail the others; each caller still stops
// waiting when its own ctx ends.
func (c *Client) cachedFetch(ctx context.Context, key string, ttl time.Duration, out any, load func(ctx context.Context) (any, error)) error {
	if c.cache != nil {
		if raw, ok := c.cache.Get(key); ok {
			if err := json.Unmarshal(raw, out); err == nil {
				return nil
			}
			c.cache.Delete(key)
		}
	}

	ch := c.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.flightTimeout())
		defer cancel()
		value, err := load(fctx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		if c.cache != nil {
			if err := c.cache.Set(key, raw, ttl); err != nil {
				c.log.Debug("cache store for %s failed: %v", key, err)
			}
		}
		return json.RawMessage(raw), nil
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return res.Err
		}
		return json.Unmarshal(res.Val.(json.RawMessage), out)
	}
}

// flightTimeout bounds a shared fetch: every attempt may run to the
// request timeout and wait the longest backoff before the next one.
func (c *Client) flightTimeout() time.Duration {
	rc := c.http.Config()
	if rc.Timeout <= 0 {
		return defaultFlightTimeout
	}
	return time.Duration(rc.Attempts)*rc.Timeout + time.Duration(rc.Attempts-1)*rc.MaxDelay
}

// fetch GETs a packument. 404 maps to ErrPackageNotFound and is never
// retried; exhausted retries surface as a RegistryError.
func (c *Client) fetch(ctx context.Context, op, name, registry, accept string) ([]byte, error) {
	headers := map[string]string{"Accept": accept}
	if auth := c.npmrc.AuthorizationFor(registry); auth != "" {
		headers["Authorization"] = auth
	}

	c.log.Debug("GET %s (%s)", name, op)
	resp, err := c.http.Get(ctx, packageURL(registry, name), headers)
	if err != nil {
		return nil, &RegistryError{Op: op, Package: name, Registry: registry, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return nil, &RegistryError{Op: op, Package: name, Registry: registry, Err: ErrPackageNotFound}
	case resp.StatusCode != http.StatusOK:
		io.Copy(io.Discard, resp.Body)
		return nil, &RegistryError{Op: op, Package: name, Registry: registry, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &RegistryError{Op: op, Package: name, Registry: registry, Err: err}
	}
	return body, nil
}

// BatchQueryVersions fetches version lists for many packages under the
// controller's bounds. Packages that could not be queried are reported in
// the failure list, sorted by name, and absent from the map.
func (c *Client) BatchQueryVersions(ctx context.Context, names []string) (map[string]*PackageVersions, []PackageFailure) {
	results := concurrency.Map(ctx, c.ctrl, names, func(ctx context.Context, name string) (*PackageVersions, error) {
		return c.GetPackageVersions(ctx, name)
	}, nil)

	found := make(map[string]*PackageVersions, len(names))
	var failures []PackageFailure
	for i, res := range results {
		if res.Err != nil {
			c.log.Debug("query for %s failed: %v", names[i], res.Err)
			failures = append(failures, PackageFailure{Package: names[i], Error: res.Err.Error(), Err: res.Err})
			continue
		}
		found[names[i]] = res.Value
	}
	sort.Slice(failures, func(i, j int) bool { return failures[i].Package < failures[j].Package })
	return found, failures
}

// ClearCache drops every cached registry response
func (c *Client) ClearCache() {
	if c.cache != nil {
		c.cache.Clear()
	}
}
