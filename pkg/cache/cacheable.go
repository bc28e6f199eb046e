package cache

import (
	"net/http"
	"strconv"
	"strings"
)

// ContentLength parses the Content-Length header. It returns false if the
// header is absent or not a non-negative integer.
func ContentLength(h http.Header) (int64, bool) {
	v := strings.TrimSpace(h.Get("Content-Length"))
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Cacheable reports whether a response with the given headers may be
// stored. It returns the declared size when Content-Length is present and
// does not exceed the per-object limit. Responses without a usable
// Content-Length are not cacheable.
func (c *LRU) Cacheable(h http.Header) (int64, bool) {
	n, ok := ContentLength(h)
	if !ok || n > c.maxObjectSize {
		return 0, false
	}
	return n, true
}
