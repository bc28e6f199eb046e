package cache

// CacheKey identifies a cached response by the origin host and request
// path exactly as parsed from the request target. No normalization is
// applied: keys are case and trailing-slash sensitive, and the port and
// method are not part of the key.
type CacheKey struct {
	Host string
	Path string
}

// String returns the lookup fingerprint, host immediately followed by path.
//
// Example:
//
//	origin.test/a.html
func (k CacheKey) String() string {
	return k.Host + k.Path
}
