package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Manifest describes a remote agent: its identity, the skills it serves
// and the endpoints it listens on.
type Manifest struct {
	AgentID     string          `json:"agent_id"`
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	Version     string          `json:"version,omitempty"`
	Skills      []ManifestSkill `json:"skills,omitempty"`
	Endpoints   []ManifestAddr  `json:"endpoints,omitempty"`
}

type ManifestSkill struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ManifestAddr is one reachable endpoint; Mode is "sync" or "async".
type ManifestAddr struct {
	URL  string `json:"url"`
	Mode string `json:"mode"`
}

// HasSkill reports whether the manifest advertises skill.
func (m *Manifest) HasSkill(skill string) bool {
	for _, s := range m.Skills {
		if s.Name == skill {
			return true
		}
	}
	return false
}

// Verifier accepts or rejects a fetched manifest. It is consulted at
// fetch time only; cached entries are not re-verified.
type Verifier interface {
	Verify(m *Manifest) bool
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(m *Manifest) bool

func (f VerifierFunc) Verify(m *Manifest) bool { return f(m) }

// Fetcher retrieves a manifest from a source URL.
type Fetcher func(ctx context.Context, url string) (*Manifest, error)

var ErrManifestRejected = errors.New("pool: manifest rejected by verifier")

// CacheOptions tunes the manifest cache.
type CacheOptions struct {
	TTL time.Duration // freshness window (default 5m)
	Max int           // cached manifests (default 256)
}

// Cache is a TTL-bounded manifest cache. Concurrent fetches of the same
// URL collapse into one; a fetch error leaves no entry behind.
type Cache struct {
	lru    *expirable.LRU[string, *Manifest]
	sf     singleflight.Group
	fetch  Fetcher
	verify Verifier
}

func NewCache(opts CacheOptions, fetch Fetcher, verify Verifier) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.Max <= 0 {
		opts.Max = 256
	}
	if verify == nil {
		verify = VerifierFunc(func(*Manifest) bool { return true })
	}
	return &Cache{
		lru:    expirable.NewLRU[string, *Manifest](opts.Max, nil, opts.TTL),
		fetch:  fetch,
		verify: verify,
	}
}

// Get returns the manifest at url, fetching on a cache miss.
func (c *Cache) Get(ctx context.Context, url string) (*Manifest, error) {
	if m, ok := c.lru.Get(url); ok {
		return m, nil
	}
	v, err, _ := c.sf.Do(url, func() (any, error) {
		if m, ok := c.lru.Get(url); ok {
			return m, nil
		}
		m, err := c.fetch(ctx, url)
		if err != nil {
			c.lru.Remove(url)
			return nil, err
		}
		if !c.verify.Verify(m) {
			zap.L().Warn("manifest rejected", zap.String("url", url))
			return nil, ErrManifestRejected
		}
		c.lru.Add(url, m)
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Manifest), nil
}

// Invalidate drops the cached entry for url, if any.
func (c *Cache) Invalidate(url string) { c.lru.Remove(url) }

// Len reports cached manifests.
func (c *Cache) Len() int { return c.lru.Len() }

// HTTPFetcher fetches JSON manifests over HTTP with the given client
// (nil uses http.DefaultClient).
func HTTPFetcher(client *http.Client) Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, url string) (*Manifest, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("pool: manifest fetch %s: %s", url, resp.Status)
		}
		var m Manifest
		if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
			return nil, err
		}
		if m.AgentID == "" {
			return nil, fmt.Errorf("pool: manifest %s: missing agent_id", url)
		}
		return &m, nil
	}
}
