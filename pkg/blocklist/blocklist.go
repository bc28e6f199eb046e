// Package blocklist stores hosts the proxy refuses to contact.
//
// A blocked domain also blocks all of its subdomains: blocking
// "example.com" blocks "www.example.com" but not "notexample.com".
package blocklist

import (
	"context"
	"errors"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrEmptyHost is returned when blocking or unblocking an empty host.
var ErrEmptyHost = errors.New("empty host")

// blocklistErrors tracks store operation errors.
var blocklistErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "proxy_blocklist_errors_total",
	Help: "Total number of blocklist store errors",
}, []string{"operation"}) // "block", "unblock", "check", "list"

// Store is a set of blocked hosts. Implementations must be safe for
// concurrent use.
type Store interface {
	// Block adds host to the blocklist.
	Block(ctx context.Context, host string) error
	// Unblock removes host from the blocklist.
	Unblock(ctx context.Context, host string) error
	// IsBlocked reports whether host or one of its parent domains is blocked.
	IsBlocked(ctx context.Context, host string) (bool, error)
	// List returns all blocked hosts in no particular order.
	List(ctx context.Context) ([]string, error)
}

// Normalize lower-cases host and strips surrounding whitespace, a port
// suffix and a trailing dot.
func Normalize(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return strings.TrimSuffix(host, ".")
}

// Candidates returns host followed by each of its parent domains, e.g.
// "a.b.example.com" yields a.b.example.com, b.example.com, example.com, com.
func Candidates(host string) []string {
	host = Normalize(host)
	if host == "" {
		return nil
	}
	out := []string{host}
	for {
		i := strings.IndexByte(host, '.')
		if i < 0 || i == len(host)-1 {
			return out
		}
		host = host[i+1:]
		out = append(out, host)
	}
}
