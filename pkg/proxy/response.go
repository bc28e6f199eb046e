package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/Sternrassler/cacheproxy/pkg/origin"
)

// responseWriter writes to the client connection, renewing the write
// deadline per call and remembering the status line of what was sent.
type responseWriter struct {
	conn    net.Conn
	timeout time.Duration
	n       int64
	prefix  []byte
}

// Write sends p to the client. Failures are returned as client-class
// errors so they are not mistaken for origin trouble.
func (w *responseWriter) Write(p []byte) (int, error) {
	if w.timeout > 0 {
		if err := w.conn.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
			return 0, clientWriteError(err)
		}
	}
	if len(w.prefix) < 16 {
		w.prefix = append(w.prefix, p[:min(len(p), 16-len(w.prefix))]...)
	}
	n, err := w.conn.Write(p)
	w.n += int64(n)
	clientBytesTotal.Add(float64(n))
	if err != nil {
		return n, clientWriteError(err)
	}
	return n, nil
}

// Written reports whether any byte reached the client.
func (w *responseWriter) Written() bool {
	return w.n > 0
}

// Status returns the status code of the response written so far, or 0.
func (w *responseWriter) Status() int {
	return statusCode(w.prefix)
}

// statusCode extracts the code from a leading "HTTP/x.y NNN" status line.
func statusCode(resp []byte) int {
	if !bytes.HasPrefix(resp, []byte("HTTP/")) {
		return 0
	}
	sp := bytes.IndexByte(resp, ' ')
	if sp < 0 || len(resp) < sp+4 {
		return 0
	}
	code, err := strconv.Atoi(string(resp[sp+1 : sp+4]))
	if err != nil {
		return 0
	}
	return code
}

// writeError sends an HTTP/1.0 error response with a short HTML page.
// Origin dial failures get the status line and headers only.
func writeError(w io.Writer, e *Error, cause string) error {
	text := http.StatusText(e.Status)

	if errors.Is(e, origin.ErrConnect) {
		_, err := fmt.Fprintf(w, "HTTP/1.0 %d %s\r\nContent-length: 0\r\n\r\n", e.Status, text)
		return err
	}

	var body bytes.Buffer
	body.WriteString("<html><title>Proxy Error</title>")
	body.WriteString("<body bgcolor=\"ffffff\">\r\n")
	fmt.Fprintf(&body, "%d: %s\r\n", e.Status, text)
	fmt.Fprintf(&body, "<p>%s: %s\r\n", e.Message, html.EscapeString(cause))
	body.WriteString("<hr><em>The Caching Proxy</em>\r\n")

	var resp bytes.Buffer
	fmt.Fprintf(&resp, "HTTP/1.0 %d %s\r\n", e.Status, text)
	resp.WriteString("Content-type: text/html\r\n")
	fmt.Fprintf(&resp, "Content-length: %d\r\n\r\n", body.Len())
	resp.Write(body.Bytes())

	_, err := w.Write(resp.Bytes())
	return err
}
