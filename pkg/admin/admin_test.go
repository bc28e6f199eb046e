package admin

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/cacheproxy/pkg/blocklist"
	"github.com/Sternrassler/cacheproxy/pkg/cache"
)

func newTestServer(t *testing.T) (*Server, *cache.LRU, *blocklist.MemoryStore) {
	t.Helper()
	c := cache.NewLRU(1000, 100)
	store := blocklist.NewMemoryStore()
	return New(c, store, zerolog.Nop()), c, store
}

func serve(s *Server, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := serve(s, http.MethodGet, "/health")
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("GET /health = %d %q", rec.Code, rec.Body.String())
	}
}

func TestMetrics(t *testing.T) {
	s, c, _ := newTestServer(t)
	_, _ = c.Get(cache.CacheKey{Host: "origin.test", Path: "/missing"})

	rec := serve(s, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "proxy_cache_misses_total") {
		t.Error("metrics output missing proxy_cache_misses_total")
	}
}

func TestCacheStats(t *testing.T) {
	s, c, _ := newTestServer(t)
	_ = c.Put(cache.CacheKey{Host: "origin.test", Path: "/a.html"}, []byte("aaaa"))
	_ = c.Put(cache.CacheKey{Host: "origin.test", Path: "/b.html"}, []byte("bb"))
	_, _ = c.Get(cache.CacheKey{Host: "origin.test", Path: "/a.html"})

	rec := serve(s, http.MethodGet, "/cache")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /cache = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var got CacheStats
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Entries != 2 || got.Size != 6 || got.Capacity != 1000 || got.MaxObjectSize != 100 || got.Hits != 1 {
		t.Errorf("stats = %+v", got)
	}
	if want := []string{"origin.test/a.html", "origin.test/b.html"}; !reflect.DeepEqual(got.Keys, want) {
		t.Errorf("keys = %v, want %v", got.Keys, want)
	}
}

func TestPurgeCache(t *testing.T) {
	s, c, _ := newTestServer(t)
	_ = c.Put(cache.CacheKey{Host: "origin.test", Path: "/a.html"}, []byte("aaaa"))

	rec := serve(s, http.MethodDelete, "/cache")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE /cache = %d", rec.Code)
	}
	if c.Len() != 0 {
		t.Errorf("cache still holds %d entries", c.Len())
	}
}

func TestBlocklistRoutes(t *testing.T) {
	s, _, store := newTestServer(t)
	ctx := context.Background()

	for _, host := range []string{"ads.example.com", "Tracker.TEST"} {
		if rec := serve(s, http.MethodPut, "/blocklist/"+host); rec.Code != http.StatusNoContent {
			t.Fatalf("PUT /blocklist/%s = %d", host, rec.Code)
		}
	}
	if blocked, _ := store.IsBlocked(ctx, "cdn.tracker.test"); !blocked {
		t.Error("subdomain of blocked host not blocked")
	}

	rec := serve(s, http.MethodGet, "/blocklist")
	var hosts []string
	if err := json.NewDecoder(rec.Body).Decode(&hosts); err != nil {
		t.Fatal(err)
	}
	sort.Strings(hosts)
	if want := []string{"ads.example.com", "tracker.test"}; !reflect.DeepEqual(hosts, want) {
		t.Errorf("GET /blocklist = %v, want %v", hosts, want)
	}

	if rec := serve(s, http.MethodDelete, "/blocklist/tracker.test"); rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE = %d", rec.Code)
	}
	if blocked, _ := store.IsBlocked(ctx, "tracker.test"); blocked {
		t.Error("host still blocked after DELETE")
	}
}

func TestBlocklist_EmptyList(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := serve(s, http.MethodGet, "/blocklist")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("GET /blocklist = %q, want []", rec.Body.String())
	}
}

func TestBlocklist_Disabled(t *testing.T) {
	s := New(cache.NewLRU(1000, 100), nil, zerolog.Nop())

	for _, req := range []struct{ method, path string }{
		{http.MethodGet, "/blocklist"},
		{http.MethodPut, "/blocklist/example.com"},
		{http.MethodDelete, "/blocklist/example.com"},
	} {
		if rec := serve(s, req.method, req.path); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s %s = %d, want 503", req.method, req.path, rec.Code)
		}
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s, _, _ := newTestServer(t)
	if rec := serve(s, http.MethodPost, "/cache"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /cache = %d, want 405", rec.Code)
	}
}

func TestServe_Shutdown(t *testing.T) {
	s, _, _ := newTestServer(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "OK" {
		t.Errorf("body = %q", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
