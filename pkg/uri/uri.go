// Package uri splits proxy request targets into host, port and path.
package uri

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultPort is used when the target carries no explicit port.
const DefaultPort = "80"

var (
	// ErrEmptyHost indicates the target has no host component.
	ErrEmptyHost = errors.New("empty host")

	// ErrInvalidPort indicates the port component is not a number in 1-65535.
	ErrInvalidPort = errors.New("invalid port")
)

// Target is a parsed request target.
type Target struct {
	Host string
	Port string
	Path string
}

// Addr returns the host:port pair suitable for dialing.
func (t Target) Addr() string {
	return t.Host + ":" + t.Port
}

// String returns the target in absolute form.
func (t Target) String() string {
	if t.Port == DefaultPort {
		return "http://" + t.Host + t.Path
	}
	return "http://" + t.Host + ":" + t.Port + t.Path
}

// Parse splits an absolute-form target such as http://host:8080/a/b.html.
//
// The authority starts after "//". A target without "//" is treated as an
// authority (minus one leading "/"), so "host:8080/x" parses as well.
// Missing ports default to "80" and missing paths to "/". The input is never
// modified; all results are fresh substrings.
func Parse(raw string) (Target, error) {
	rest := raw
	if i := strings.Index(rest, "//"); i >= 0 {
		rest = rest[i+2:]
	} else {
		rest = strings.TrimPrefix(rest, "/")
	}

	authority, path := rest, "/"
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		authority, path = rest[:i], rest[i:]
	}

	host, port := authority, DefaultPort
	if i := strings.IndexByte(authority, ':'); i >= 0 {
		host = authority[:i]
		if p := authority[i+1:]; p != "" {
			port = p
		}
	}

	if host == "" {
		return Target{}, fmt.Errorf("parse %q: %w", raw, ErrEmptyHost)
	}
	if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		return Target{}, fmt.Errorf("parse %q: %w: %q", raw, ErrInvalidPort, port)
	}

	return Target{Host: host, Port: port, Path: path}, nil
}

// IsOriginForm reports whether the target is a bare path (e.g. "/index.html")
// rather than an absolute URI.
func IsOriginForm(raw string) bool {
	return strings.HasPrefix(raw, "/") && !strings.HasPrefix(raw, "//")
}
