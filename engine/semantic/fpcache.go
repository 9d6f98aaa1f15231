package semantic

import "sync"

// FingerprintCache maps a logical source (path or URL) to the
// fingerprint it carried when last ingested. Append-only at runtime;
// the pipeline consults it to short-circuit unchanged sources.
type FingerprintCache struct {
	mu       sync.RWMutex
	bySource map[string]string
}

// NewFingerprintCache returns an empty cache.
func NewFingerprintCache() *FingerprintCache {
	return &FingerprintCache{bySource: make(map[string]string)}
}

// Lookup returns the cached fingerprint for source.
func (c *FingerprintCache) Lookup(source string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fp, ok := c.bySource[source]
	return fp, ok
}

// Remember records source's fingerprint.
func (c *FingerprintCache) Remember(source, fingerprint string) {
	if source == "" {
		return
	}
	c.mu.Lock()
	c.bySource[source] = fingerprint
	c.mu.Unlock()
}

// Len returns the number of cached sources.
func (c *FingerprintCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.bySource)
}
