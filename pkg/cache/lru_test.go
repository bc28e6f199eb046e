package cache

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
)

func key(s string) CacheKey {
	return CacheKey{Host: "origin.test", Path: "/" + s}
}

func payload(n int) []byte {
	return bytes.Repeat([]byte{'x'}, n)
}

func TestNewLRU_Panic(t *testing.T) {
	tests := []struct {
		name          string
		size, objSize int64
	}{
		{name: "zero size", size: 0, objSize: 10},
		{name: "zero object size", size: 10, objSize: 0},
		{name: "object larger than cache", size: 10, objSize: 11},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if r := recover(); r == nil {
					t.Error("NewLRU should panic")
				}
			}()
			NewLRU(tt.size, tt.objSize)
		})
	}
}

func TestLRU_PutAndGet(t *testing.T) {
	lru := NewLRU(1000, 100)

	if err := lru.Put(key("a"), []byte("hello")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := lru.Get(key("a"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("Get = %q, want hello", got)
	}
	if lru.Size() != 5 || lru.Len() != 1 {
		t.Errorf("Size = %d, Len = %d; want 5, 1", lru.Size(), lru.Len())
	}
}

func TestLRU_Get_CacheMiss(t *testing.T) {
	lru := NewLRU(1000, 100)

	_, err := lru.Get(key("missing"))
	if err != ErrCacheMiss {
		t.Errorf("Expected ErrCacheMiss, got %v", err)
	}
	if s := lru.Stats(); s.Misses != 1 || s.Hits != 0 {
		t.Errorf("Stats = %+v", s)
	}
}

func TestLRU_SameKeyAcrossClients(t *testing.T) {
	lru := NewLRU(1000, 100)

	if err := lru.Put(CacheKey{Host: "origin.test", Path: "/a.html"}, []byte("body")); err != nil {
		t.Fatal(err)
	}
	got, err := lru.Get(CacheKey{Host: "origin.test", Path: "/a.html"})
	if err != nil || string(got) != "body" {
		t.Errorf("Get = %q, %v", got, err)
	}
}

func TestLRU_GetReturnsCopy(t *testing.T) {
	lru := NewLRU(1000, 100)
	src := []byte("original")
	if err := lru.Put(key("a"), src); err != nil {
		t.Fatal(err)
	}

	src[0] = 'X'
	got, _ := lru.Get(key("a"))
	if string(got) != "original" {
		t.Errorf("Put did not copy input: %q", got)
	}

	got[0] = 'Y'
	again, _ := lru.Get(key("a"))
	if string(again) != "original" {
		t.Errorf("Get did not return a copy: %q", again)
	}
}

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	lru := NewLRU(30, 10)

	for _, k := range []string{"A", "B", "C"} {
		if err := lru.Put(key(k), payload(10)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := lru.Get(key("A")); err != nil {
		t.Fatal(err)
	}

	if err := lru.Put(key("D"), payload(10)); err != nil {
		t.Fatal(err)
	}

	if _, err := lru.Get(key("B")); err != ErrCacheMiss {
		t.Errorf("B should have been evicted, got err=%v", err)
	}
	for _, k := range []string{"A", "C", "D"} {
		if _, err := lru.Get(key(k)); err != nil {
			t.Errorf("%s should be resident: %v", k, err)
		}
	}
	if s := lru.Stats(); s.Evictions != 1 {
		t.Errorf("Evictions = %d, want 1", s.Evictions)
	}
}

func TestLRU_Keys_MostRecentFirst(t *testing.T) {
	lru := NewLRU(100, 10)
	for _, k := range []string{"a", "b", "c"} {
		_ = lru.Put(key(k), payload(1))
	}
	_, _ = lru.Get(key("a"))

	want := []string{"origin.test/a", "origin.test/c", "origin.test/b"}
	got := lru.Keys()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Keys() = %v, want %v", got, want)
	}
}

func TestLRU_ObjectEqualToCapacityEvictsAll(t *testing.T) {
	lru := NewLRU(100, 100)
	for _, k := range []string{"a", "b", "c"} {
		_ = lru.Put(key(k), payload(30))
	}

	if err := lru.Put(key("big"), payload(100)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if got := lru.Keys(); len(got) != 1 || got[0] != "origin.test/big" {
		t.Errorf("Keys() = %v, want only the big object", got)
	}
	if lru.Size() != 100 {
		t.Errorf("Size = %d, want 100", lru.Size())
	}
}

func TestLRU_Put_ObjectTooLarge(t *testing.T) {
	lru := NewLRU(1000, 100)

	if err := lru.Put(key("max"), payload(100)); err != nil {
		t.Errorf("object of exactly max size should be accepted: %v", err)
	}

	err := lru.Put(key("over"), payload(101))
	if !errors.Is(err, ErrObjectTooLarge) {
		t.Errorf("Put error = %v, want ErrObjectTooLarge", err)
	}
	if _, err := lru.Get(key("over")); err != ErrCacheMiss {
		t.Error("oversized object should not be resident")
	}
}

func TestLRU_Put_ReplacesExistingKey(t *testing.T) {
	lru := NewLRU(100, 50)

	_ = lru.Put(key("a"), payload(40))
	_ = lru.Put(key("b"), payload(40))
	if err := lru.Put(key("a"), []byte("new")); err != nil {
		t.Fatal(err)
	}

	if lru.Len() != 2 {
		t.Errorf("Len = %d, want 2 (no duplicate keys)", lru.Len())
	}
	if lru.Size() != 43 {
		t.Errorf("Size = %d, want 43", lru.Size())
	}
	got, _ := lru.Get(key("a"))
	if string(got) != "new" {
		t.Errorf("Get = %q, want last writer", got)
	}
	if s := lru.Stats(); s.Evictions != 0 {
		t.Errorf("replacement should not evict, Evictions = %d", s.Evictions)
	}
}

func TestLRU_EmptyObject(t *testing.T) {
	lru := NewLRU(10, 10)
	if err := lru.Put(key("empty"), nil); err != nil {
		t.Fatal(err)
	}
	got, err := lru.Get(key("empty"))
	if err != nil || len(got) != 0 {
		t.Errorf("Get = %q, %v", got, err)
	}
}

func TestLRU_RemoveAndPurge(t *testing.T) {
	lru := NewLRU(100, 10)
	_ = lru.Put(key("a"), payload(5))
	_ = lru.Put(key("b"), payload(5))

	if !lru.Remove(key("a")) {
		t.Error("Remove(a) = false")
	}
	if lru.Remove(key("a")) {
		t.Error("second Remove(a) = true")
	}
	if lru.Size() != 5 {
		t.Errorf("Size = %d, want 5", lru.Size())
	}

	lru.Purge()
	if lru.Len() != 0 || lru.Size() != 0 {
		t.Errorf("after Purge: Len = %d, Size = %d", lru.Len(), lru.Size())
	}
}

func TestLRU_CapacityInvariant(t *testing.T) {
	const maxSize, maxObj = 1049, 102
	lru := NewLRU(maxSize, maxObj)
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 5000; i++ {
		k := key(fmt.Sprintf("k%d", rng.Intn(60)))
		_ = lru.Put(k, payload(rng.Intn(maxObj+20)))

		if size := lru.Size(); size > maxSize {
			t.Fatalf("after put %d: size %d exceeds capacity %d", i, size, maxSize)
		}
		if i%7 == 0 {
			_, _ = lru.Get(key(fmt.Sprintf("k%d", rng.Intn(60))))
		}
	}

	var sum int64
	for _, k := range lru.Keys() {
		data, err := lru.Get(CacheKey{Host: k, Path: ""})
		if err != nil {
			t.Fatalf("resident key %q missing: %v", k, err)
		}
		sum += int64(len(data))
	}
	if sum != lru.Size() {
		t.Errorf("sum of entry sizes %d != accounted size %d", sum, lru.Size())
	}
}

func TestLRU_ConcurrentAccess(t *testing.T) {
	lru := NewLRU(5000, 100)
	var wg sync.WaitGroup

	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				k := key(fmt.Sprintf("k%d", (w*i)%40))
				if i%3 == 0 {
					_ = lru.Put(k, payload((w+i)%100))
				} else if data, err := lru.Get(k); err == nil {
					for _, b := range data {
						if b != 'x' {
							t.Errorf("torn read: %q", data)
							return
						}
					}
				}
			}
		}(w)
	}
	wg.Wait()

	if lru.Size() > 5000 {
		t.Errorf("Size = %d exceeds capacity", lru.Size())
	}
}
