package workspace

import "testing"

func TestRegistryGetCachesByRoot(t *testing.T) {
	r := NewRegistry(testConfig(), nil, ":memory:")
	defer func() { _ = r.CloseAll() }()

	a, err := r.Get("ws-a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, err := r.Get("ws-a")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if a != b {
		t.Fatal("expected the same *Context for the same root")
	}

	c, err := r.Get("ws-b")
	if err != nil {
		t.Fatalf("get other: %v", err)
	}
	if c == a {
		t.Fatal("expected a distinct *Context for a distinct root")
	}
}

func TestRegistryCloseEvictsWorkspace(t *testing.T) {
	r := NewRegistry(testConfig(), nil, ":memory:")
	defer func() { _ = r.CloseAll() }()

	first, err := r.Get("ws-c")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := r.Close("ws-c"); err != nil {
		t.Fatalf("close: %v", err)
	}

	second, err := r.Get("ws-c")
	if err != nil {
		t.Fatalf("get after close: %v", err)
	}
	if second == first {
		t.Fatal("expected a fresh *Context after eviction")
	}
}
