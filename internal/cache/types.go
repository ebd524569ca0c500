package cache

import (
	"net/http"
	"strings"
)

// Entry is a stored reply
type Entry struct {
	StatusCode  int
	ContentType string
	Header      http.Header
	Body        []byte
}

// Cache defines the interface for response caching keyed by request key
type Cache interface {
	// Get returns the stored entry and true if found and not expired
	Get(key string) (*Entry, bool)

	// Set stores an entry under key
	Set(key string, entry *Entry)

	// Len returns the number of stored entries
	Len() int

	// Close releases any resources held by the cache
	Close()
}

// IsCacheable reports whether a call with this method may be served from cache.
// Only safe reads are cached.
func IsCacheable(method string) bool {
	switch strings.ToUpper(method) {
	case "", http.MethodGet, http.MethodHead:
		return true
	default:
		return false
	}
}
