package cache

// CacheEntry is one resident response.
type CacheEntry struct {
	// Key is the fingerprint the entry is stored under.
	Key string

	// Data is the full response as received from the origin.
	Data []byte
}

// Size returns the number of bytes the entry accounts for.
func (e *CacheEntry) Size() int64 {
	return int64(len(e.Data))
}
