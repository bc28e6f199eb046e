// Package origin implements the proxy's HTTP/1.0 client side: one request
// per TCP connection, response read until the origin closes.
package origin

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// ChunkSize is the relay buffer size for uncached responses.
const ChunkSize = 8192

// DefaultTimeout bounds dialing and each read or write on an origin connection.
const DefaultTimeout = 30 * time.Second

var (
	// ErrConnect indicates the origin could not be reached.
	ErrConnect = errors.New("origin connect failed")

	// ErrBadResponse indicates the origin sent an unparseable response head.
	ErrBadResponse = errors.New("malformed origin response")
)

var (
	originDialsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_origin_dials_total",
		Help: "Total origin connection attempts by result",
	}, []string{"result"})

	originBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_origin_response_bytes_total",
		Help: "Total bytes received from origins by transfer mode",
	}, []string{"mode"}) // "buffered", "relayed"
)

// Head is the status line and header block of an origin response.
type Head struct {
	StatusLine string
	StatusCode int
	Header     http.Header
}

// Client opens origin connections and performs HTTP/1.0 exchanges.
type Client struct {
	dialer  net.Dialer
	timeout time.Duration
	logger  zerolog.Logger
}

// NewClient creates an origin client. A non-positive timeout selects
// DefaultTimeout.
func NewClient(timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		dialer:  net.Dialer{Timeout: timeout},
		timeout: timeout,
		logger:  logger,
	}
}

// Dial opens a TCP connection to host:port. All failures, including name
// resolution, wrap ErrConnect.
func (c *Client) Dial(ctx context.Context, host, port string) (net.Conn, error) {
	addr := net.JoinHostPort(host, port)

	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		originDialsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %s: %v", ErrConnect, addr, err)
	}
	originDialsTotal.WithLabelValues("ok").Inc()

	c.logger.Debug().Str("addr", addr).Msg("Origin connection opened")
	return conn, nil
}

// Send writes the request head and, if body is non-nil, the request body.
func (c *Client) Send(conn net.Conn, head []byte, body io.Reader) error {
	if err := conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := conn.Write(head); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	if body != nil {
		if _, err := io.Copy(conn, body); err != nil {
			return fmt.Errorf("write request body: %w", err)
		}
	}
	return nil
}

// ReadResponse reads the response until the origin closes the connection
// or limit bytes have been read, whichever comes first. An empty response
// is not an error.
func (c *Client) ReadResponse(conn net.Conn, limit int64) ([]byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	data, err := io.ReadAll(io.LimitReader(conn, limit))
	originBytesTotal.WithLabelValues("buffered").Add(float64(len(data)))
	if err != nil {
		return data, fmt.Errorf("read response: %w", err)
	}
	return data, nil
}

// Exchange writes req and reads the response, bounded by limit bytes.
func (c *Client) Exchange(conn net.Conn, req []byte, limit int64) ([]byte, error) {
	if err := c.Send(conn, req, nil); err != nil {
		return nil, err
	}
	return c.ReadResponse(conn, limit)
}

// Relay copies the remainder of the response to dst in ChunkSize pieces as
// they arrive. The read deadline is renewed for every chunk, so only an
// idle origin times out. There is no upper bound on the bytes relayed.
func (c *Client) Relay(conn net.Conn, dst io.Writer) (int64, error) {
	buf := make([]byte, ChunkSize)
	var total int64
	for {
		if err := conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return total, fmt.Errorf("set read deadline: %w", err)
		}
		n, err := conn.Read(buf)
		if n > 0 {
			originBytesTotal.WithLabelValues("relayed").Add(float64(n))
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, fmt.Errorf("relay write: %w", werr)
			}
			total += int64(n)
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, fmt.Errorf("relay read: %w", err)
		}
	}
}

// Probe sends a HEAD request on its own connection and returns the
// response head. The connection is always closed before returning, since
// an HTTP/1.0 origin closes it after one response anyway. Cancelling ctx
// closes it early.
func (c *Client) Probe(ctx context.Context, host, port string, headReq []byte) (*Head, error) {
	conn, err := c.Dial(ctx, host, port)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := c.Send(conn, headReq, nil); err != nil {
		return nil, err
	}
	if err := conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}

	head, err := ReadHead(bufio.NewReader(conn))
	if err != nil {
		return nil, err
	}

	c.logger.Debug().
		Str("addr", net.JoinHostPort(host, port)).
		Int("status", head.StatusCode).
		Str("content_length", head.Header.Get("Content-Length")).
		Msg("Probe completed")
	return head, nil
}

// ReadHead parses a status line and header block.
func ReadHead(r *bufio.Reader) (*Head, error) {
	tp := textproto.NewReader(r)

	line, err := tp.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("%w: status line: %v", ErrBadResponse, err)
	}
	code, err := parseStatusLine(line)
	if err != nil {
		return nil, err
	}

	mime, err := tp.ReadMIMEHeader()
	if err != nil && !(errors.Is(err, io.EOF) && len(mime) > 0) {
		return nil, fmt.Errorf("%w: headers: %v", ErrBadResponse, err)
	}

	return &Head{
		StatusLine: line,
		StatusCode: code,
		Header:     http.Header(mime),
	}, nil
}

func parseStatusLine(line string) (int, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") {
		return 0, fmt.Errorf("%w: status line %q", ErrBadResponse, line)
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil || code < 100 || code > 999 {
		return 0, fmt.Errorf("%w: status code %q", ErrBadResponse, fields[1])
	}
	return code, nil
}
