// Package testutil provides testing utilities for the caching proxy.
package testutil

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Resource defines how the mock origin answers requests for one path.
type Resource struct {
	// Status is the status text after the version, e.g. "200 OK".
	Status string

	// Headers are written in sorted order.
	Headers map[string]string

	// Body is omitted for HEAD requests.
	Body []byte

	// OmitContentLength suppresses the automatic Content-Length header.
	OmitContentLength bool

	// HeadContentLength, if non-empty, replaces the Content-Length value
	// sent in answer to HEAD requests.
	HeadContentLength string

	// Delay is applied before the response is written.
	Delay time.Duration
}

// Raw renders the response exactly as the mock origin sends it.
func (r Resource) Raw(method string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.0 %s\r\n", r.Status)

	keys := make([]string, 0, len(r.Headers))
	for k := range r.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\r\n", k, r.Headers[k])
	}

	if !r.OmitContentLength {
		cl := strconv.Itoa(len(r.Body))
		if method == "HEAD" && r.HeadContentLength != "" {
			cl = r.HeadContentLength
		}
		fmt.Fprintf(&b, "Content-Length: %s\r\n", cl)
	}
	b.WriteString("\r\n")

	if method != "HEAD" {
		b.Write(r.Body)
	}
	return b.Bytes()
}

// NewOKResource creates a 200 OK resource with the given content type and body.
func NewOKResource(contentType string, body []byte) Resource {
	return Resource{
		Status:  "200 OK",
		Headers: map[string]string{"Content-Type": contentType, "Server": "Tiny Web Server"},
		Body:    body,
	}
}

// MockOrigin is a raw-TCP HTTP/1.0 origin server for tests. It serves one
// request per connection and closes the connection after responding.
type MockOrigin struct {
	ln        net.Listener
	wg        sync.WaitGroup
	mu        sync.RWMutex
	resources map[string]Resource

	// Tracking
	connCount int
	requests  []string
	bodies    [][]byte
}

// NewMockOrigin starts a mock origin on a random loopback port.
func NewMockOrigin() *MockOrigin {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(fmt.Sprintf("testutil: listen: %v", err))
	}

	m := &MockOrigin{
		ln:        ln,
		resources: make(map[string]Resource),
	}

	m.wg.Add(1)
	go m.serve()
	return m
}

// Addr returns host:port of the mock origin.
func (m *MockOrigin) Addr() string {
	return m.ln.Addr().String()
}

// Host returns the listening host.
func (m *MockOrigin) Host() string {
	host, _, _ := net.SplitHostPort(m.Addr())
	return host
}

// Port returns the listening port.
func (m *MockOrigin) Port() string {
	_, port, _ := net.SplitHostPort(m.Addr())
	return port
}

// URL returns an absolute-form URL for path on the mock origin.
func (m *MockOrigin) URL(path string) string {
	return "http://" + m.Addr() + path
}

// SetResource configures the response for path.
func (m *MockOrigin) SetResource(path string, res Resource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[path] = res
}

// ConnCount returns the number of accepted connections.
func (m *MockOrigin) ConnCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connCount
}

// Requests returns the raw request heads received, in arrival order.
func (m *MockOrigin) Requests() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.requests))
	copy(out, m.requests)
	return out
}

// LastRequest returns the most recent raw request head, or "".
func (m *MockOrigin) LastRequest() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.requests) == 0 {
		return ""
	}
	return m.requests[len(m.requests)-1]
}

// LastBody returns the body of the most recent request.
func (m *MockOrigin) LastBody() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.bodies) == 0 {
		return nil
	}
	return m.bodies[len(m.bodies)-1]
}

// Close stops the listener and waits for in-flight connections.
func (m *MockOrigin) Close() {
	m.ln.Close()
	m.wg.Wait()
}

func (m *MockOrigin) serve() {
	defer m.wg.Done()
	for {
		conn, err := m.ln.Accept()
		if err != nil {
			return
		}
		m.mu.Lock()
		m.connCount++
		m.mu.Unlock()

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer conn.Close()
			m.handle(conn)
		}()
	}
}

func (m *MockOrigin) handle(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	r := bufio.NewReader(conn)

	var head strings.Builder
	contentLength := 0
	for {
		line, err := r.ReadString('\n')
		head.WriteString(line)
		if err != nil {
			return
		}
		if line == "\r\n" || line == "\n" {
			break
		}
		if name, value, ok := strings.Cut(line, ":"); ok && strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			contentLength, _ = strconv.Atoi(strings.TrimSpace(value))
		}
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(r, body); err != nil {
		return
	}

	m.mu.Lock()
	m.requests = append(m.requests, head.String())
	m.bodies = append(m.bodies, body)
	m.mu.Unlock()

	fields := strings.Fields(head.String())
	if len(fields) < 2 {
		return
	}
	method, path := fields[0], fields[1]

	m.mu.RLock()
	res, ok := m.resources[path]
	m.mu.RUnlock()
	if !ok {
		res = Resource{
			Status:  "404 Not found",
			Headers: map[string]string{"Content-Type": "text/html"},
			Body:    []byte("<html><title>Tiny Error</title>404: Not found</html>"),
		}
	}

	if res.Delay > 0 {
		time.Sleep(res.Delay)
	}
	_, _ = conn.Write(res.Raw(method))
}
