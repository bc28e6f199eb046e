//go:build integration

package integration

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Sternrassler/cacheproxy/internal/testutil"
	"github.com/Sternrassler/cacheproxy/pkg/admin"
	"github.com/Sternrassler/cacheproxy/pkg/blocklist"
	"github.com/Sternrassler/cacheproxy/pkg/cache"
	"github.com/Sternrassler/cacheproxy/pkg/header"
	"github.com/Sternrassler/cacheproxy/pkg/origin"
	"github.com/Sternrassler/cacheproxy/pkg/proxy"
)

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		redisClient.Close()
		container.Terminate(ctx)
	}

	return redisClient, cleanup
}

// instance is one running proxy with its admin API.
type instance struct {
	addr  string
	admin *httptest.Server
	cache *cache.LRU
}

func startProxy(t *testing.T, store blocklist.Store) *instance {
	t.Helper()

	lru := cache.NewLRU(cache.DefaultMaxCacheSize, cache.DefaultMaxObjectSize)
	h, err := proxy.NewHandler(proxy.Config{
		Cache:     lru,
		Origin:    origin.NewClient(5*time.Second, zerolog.Nop()),
		Rewriter:  header.NewRewriter("", 0),
		Blocklist: store,
		Logger:    zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := proxy.NewServer(h, 0, zerolog.Nop())
	go srv.Serve(context.Background(), ln)

	adm := httptest.NewServer(admin.New(lru, store, zerolog.Nop()).Handler())

	t.Cleanup(func() {
		adm.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	return &instance{addr: ln.Addr().String(), admin: adm, cache: lru}
}

// fetch sends a GET for target through the proxy and returns the raw response.
func (in *instance) fetch(target string) ([]byte, error) {
	conn, err := net.Dial("tcp", in.addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	if _, err := io.WriteString(conn, "GET "+target+" HTTP/1.0\r\nAccept: */*\r\n\r\n"); err != nil {
		return nil, err
	}
	return io.ReadAll(conn)
}

func (in *instance) get(t *testing.T, target string) []byte {
	t.Helper()
	resp, err := in.fetch(target)
	if err != nil {
		t.Fatalf("proxy request: %v", err)
	}
	return resp
}

func (in *instance) adminDo(t *testing.T, method, path string) int {
	t.Helper()
	req, err := http.NewRequest(method, in.admin.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestIntegration_CacheAcrossClients(t *testing.T) {
	originSrv := testutil.NewMockOrigin()
	defer originSrv.Close()

	small := testutil.NewOKResource("text/html", bytes.Repeat([]byte("a"), 50))
	large := testutil.NewOKResource("application/octet-stream", bytes.Repeat([]byte("z"), 512*1024))
	originSrv.SetResource("/a.html", small)
	originSrv.SetResource("/large.bin", large)

	p := startProxy(t, blocklist.NewMemoryStore())

	if got := p.get(t, originSrv.URL("/a.html")); !bytes.Equal(got, small.Raw("GET")) {
		t.Fatalf("first response =\n%q", got)
	}
	conns := originSrv.ConnCount()

	// Many clients at once, all served from cache.
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := p.fetch(originSrv.URL("/a.html"))
			if err != nil {
				t.Errorf("fetch: %v", err)
				return
			}
			if !bytes.Equal(got, small.Raw("GET")) {
				t.Errorf("cached response =\n%q", got)
			}
		}()
	}
	wg.Wait()

	if originSrv.ConnCount() != conns {
		t.Errorf("cache hits contacted origin: %d -> %d connections", conns, originSrv.ConnCount())
	}

	if got := p.get(t, originSrv.URL("/large.bin")); !bytes.Equal(got, large.Raw("GET")) {
		t.Errorf("large response: got %d bytes, want %d", len(got), len(large.Raw("GET")))
	}
	if p.cache.Len() != 1 {
		t.Errorf("cache entries = %d, want 1 (large object not cached)", p.cache.Len())
	}

	if code := p.adminDo(t, http.MethodDelete, "/cache"); code != http.StatusNoContent {
		t.Errorf("DELETE /cache = %d", code)
	}
	before := originSrv.ConnCount()
	p.get(t, originSrv.URL("/a.html"))
	if originSrv.ConnCount() != before+2 {
		t.Errorf("request after purge: %d origin connections, want probe and fetch", originSrv.ConnCount()-before)
	}
}

func TestIntegration_SharedRedisBlocklist(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	originSrv := testutil.NewMockOrigin()
	defer originSrv.Close()
	res := testutil.NewOKResource("text/html", []byte("<html>ok</html>"))
	originSrv.SetResource("/", res)

	a := startProxy(t, blocklist.NewRedisStore(redisClient))
	b := startProxy(t, blocklist.NewRedisStore(redisClient))

	if got := b.get(t, originSrv.URL("/")); !bytes.Equal(got, res.Raw("GET")) {
		t.Fatalf("unblocked response =\n%q", got)
	}

	// Block through instance A; instance B must refuse.
	if code := a.adminDo(t, http.MethodPut, "/blocklist/"+originSrv.Host()); code != http.StatusNoContent {
		t.Fatalf("PUT /blocklist = %d", code)
	}
	if got := b.get(t, originSrv.URL("/other")); !strings.HasPrefix(string(got), "HTTP/1.0 403 Forbidden\r\n") {
		t.Errorf("blocked response =\n%s", got)
	}

	if code := b.adminDo(t, http.MethodDelete, "/blocklist/"+originSrv.Host()); code != http.StatusNoContent {
		t.Fatalf("DELETE /blocklist = %d", code)
	}
	if got := a.get(t, originSrv.URL("/")); !bytes.Equal(got, res.Raw("GET")) {
		t.Errorf("response after unblock =\n%q", got)
	}
}

func TestIntegration_RedisOutageFailsOpen(t *testing.T) {
	redisClient, cleanup := setupRedis(t)

	originSrv := testutil.NewMockOrigin()
	defer originSrv.Close()
	res := testutil.NewOKResource("text/plain", []byte("still here"))
	originSrv.SetResource("/", res)

	p := startProxy(t, blocklist.NewRedisStore(redisClient))
	cleanup()

	if got := p.get(t, originSrv.URL("/")); !bytes.Equal(got, res.Raw("GET")) {
		t.Errorf("response with Redis down =\n%q", got)
	}
}
