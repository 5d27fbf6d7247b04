// Package manifest models the ASAP agent manifest document served at
// /.well-known/asap/manifest.json (§4.7) and the per-client cache that
// GetManifest consults before issuing a fresh fetch. Grounded on
// original_source/src/asap/transport/client.py's ManifestCache: a
// fixed-TTL cache scoped to one client, not a process-wide shared cache,
// since different clients may be configured to trust different manifests
// for the same URL during testing.
package manifest

import (
	"sync"
	"time"
)

// OAuth2Config describes how a client should obtain delegation tokens for
// an agent, when the agent requires them.
type OAuth2Config struct {
	TokenURL string   `json:"token_url"`
	Scopes   []string `json:"scopes,omitempty"`
}

// Manifest describes one agent's capabilities and connection requirements.
type Manifest struct {
	AgentURN       string        `json:"agent_urn"`
	DisplayName    string        `json:"display_name,omitempty"`
	Skills         []string      `json:"skills"`
	ProtocolVersion string       `json:"protocol_version"`
	Endpoint       string        `json:"endpoint"`
	WebSocketEndpoint string     `json:"websocket_endpoint,omitempty"`
	RequiresAuth   bool          `json:"requires_auth"`
	OAuth2         *OAuth2Config `json:"oauth2,omitempty"`
}

// cacheEntry pairs a cached Manifest with its expiry.
type cacheEntry struct {
	manifest  *Manifest
	expiresAt time.Time
}

// DefaultTTL is the cache lifetime used when a Cache is built with TTL 0.
const DefaultTTL = 5 * time.Minute

// Cache is a per-client manifest cache keyed by the manifest URL.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

// NewCache builds an empty Cache with the given TTL (0 selects DefaultTTL).
func NewCache(ttl time.Duration) *Cache {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Cache{ttl: ttl, entries: make(map[string]cacheEntry)}
}

// Get returns the cached manifest for url if present and unexpired.
func (c *Cache) Get(url string) (*Manifest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[url]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.manifest, true
}

// Set stores m under url, replacing any existing entry and resetting its
// expiry.
func (c *Cache) Set(url string, m *Manifest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[url] = cacheEntry{manifest: m, expiresAt: time.Now().Add(c.ttl)}
}

// Invalidate removes url's cached entry, if any.
func (c *Cache) Invalidate(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, url)
}
