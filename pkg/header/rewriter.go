// Package header rewrites client request heads into sanitized HTTP/1.0
// requests for the origin server.
package header

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Version is the protocol version sent to the origin.
const Version = "HTTP/1.0"

// DefaultUserAgent is injected into every outbound request.
const DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:10.0.3) Gecko/20120305 Firefox/10.0.3"

// DefaultMaxHeaderBytes bounds the size of a client request head.
const DefaultMaxHeaderBytes = 64 << 10

var (
	// ErrUnexpectedEOF indicates the client closed before the blank line
	// that terminates the header block.
	ErrUnexpectedEOF = errors.New("unexpected EOF in request head")

	// ErrHeaderTooLarge indicates the request head exceeded the configured limit.
	ErrHeaderTooLarge = errors.New("request head too large")

	// ErrInvalidContentLength indicates an unparseable Content-Length value.
	ErrInvalidContentLength = errors.New("invalid Content-Length")
)

// injected are the header names the proxy always sets itself. Client
// copies of these are dropped.
var injected = []string{"User-Agent", "Connection", "Proxy-Connection"}

// Request is a sanitized outbound request head.
type Request struct {
	Method string
	Host   string
	Path   string

	// Head is the request line plus header block, terminated by a blank line.
	Head []byte

	// Probe is Head with the method token replaced by HEAD.
	Probe []byte

	// ContentLength is the client's declared body length, or -1 if absent.
	ContentLength int64

	// HostSynthesized is true when the client sent no Host header.
	HostSynthesized bool

	// Dropped counts the client header lines that were removed.
	Dropped int
}

// Rewriter builds outbound requests from client request heads.
type Rewriter struct {
	userAgent      string
	maxHeaderBytes int
}

// NewRewriter creates a rewriter. Empty or non-positive arguments select
// DefaultUserAgent and DefaultMaxHeaderBytes.
func NewRewriter(userAgent string, maxHeaderBytes int) *Rewriter {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	if maxHeaderBytes <= 0 {
		maxHeaderBytes = DefaultMaxHeaderBytes
	}
	return &Rewriter{
		userAgent:      userAgent,
		maxHeaderBytes: maxHeaderBytes,
	}
}

// MaxHeaderBytes returns the configured request head limit.
func (rw *Rewriter) MaxHeaderBytes() int {
	return rw.maxHeaderBytes
}

// Rewrite consumes client header lines from r up to and including the
// terminating blank line and returns the outbound request.
//
// Output order: request line, injected headers, passed-through client
// headers, synthesized Host (only when the client sent none), blank line.
func (rw *Rewriter) Rewrite(method, host, path string, r *bufio.Reader) (*Request, error) {
	var passed bytes.Buffer
	req := &Request{
		Method:        method,
		Host:          host,
		Path:          path,
		ContentLength: -1,
	}

	hostSeen := false
	budget := rw.maxHeaderBytes
	for {
		line, err := ReadLine(r, budget)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrUnexpectedEOF
			}
			return nil, err
		}
		budget -= len(line)

		if line == "\r\n" || line == "\n" {
			break
		}

		name, value, ok := splitField(line)
		if !ok || isInjected(name) {
			req.Dropped++
			continue
		}

		switch {
		case strings.EqualFold(name, "Host"):
			hostSeen = true
		case strings.EqualFold(name, "Content-Length"):
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%w: %q", ErrInvalidContentLength, value)
			}
			req.ContentLength = n
		}

		passed.WriteString(strings.TrimRight(line, "\r\n"))
		passed.WriteString("\r\n")
	}

	var tail bytes.Buffer
	tail.Write(passed.Bytes())
	if !hostSeen {
		req.HostSynthesized = true
		fmt.Fprintf(&tail, "Host: %s\r\n", host)
	}
	tail.WriteString("\r\n")

	req.Head = rw.build(method, path, tail.Bytes())
	req.Probe = rw.build("HEAD", path, tail.Bytes())
	return req, nil
}

func (rw *Rewriter) build(method, path string, tail []byte) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s %s\r\n", method, path, Version)
	fmt.Fprintf(&b, "User-Agent: %s\r\n", rw.userAgent)
	b.WriteString("Connection: close\r\n")
	b.WriteString("Proxy-Connection: close\r\n")
	b.Write(tail)
	return b.Bytes()
}

// ReadLine reads one line including its terminator. Lines longer than
// limit bytes fail with ErrHeaderTooLarge. At EOF the partial line is
// returned together with io.EOF.
func ReadLine(r *bufio.Reader, limit int) (string, error) {
	var line []byte
	for {
		frag, err := r.ReadSlice('\n')
		line = append(line, frag...)
		if len(line) > limit {
			return "", ErrHeaderTooLarge
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return string(line), err
	}
}

// splitField splits "Name: value" and rejects lines that are not header
// fields, such as a restated request line.
func splitField(line string) (name, value string, ok bool) {
	i := strings.IndexByte(line, ':')
	if i <= 0 {
		return "", "", false
	}
	name = line[:i]
	if strings.ContainsAny(name, " \t") {
		return "", "", false
	}
	return name, strings.TrimSpace(line[i+1:]), true
}

func isInjected(name string) bool {
	for _, h := range injected {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}
