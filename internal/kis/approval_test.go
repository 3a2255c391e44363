package kis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

func TestApprovalKeyCached(t *testing.T) {
	var issued atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != endpointApproval {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		issued.Add(1)
		json.NewEncoder(w).Encode(map[string]string{"approval_key": "key-1"})
	}))
	defer server.Close()

	m := NewApprovalKeyManager(testKisConfig(server.URL))

	for i := 0; i < 3; i++ {
		key, err := m.ApprovalKey(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if key != "key-1" {
			t.Fatalf("unexpected key: %s", key)
		}
	}
	if got := issued.Load(); got != 1 {
		t.Errorf("expected a single fetch, got %d", got)
	}
}

func TestApprovalKeySingleFlight(t *testing.T) {
	var issued atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		issued.Add(1)
		json.NewEncoder(w).Encode(map[string]string{"approval_key": "key-1"})
	}))
	defer server.Close()

	m := NewApprovalKeyManager(testKisConfig(server.URL))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.ApprovalKey(context.Background()); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := issued.Load(); got != 1 {
		t.Errorf("expected a single in-flight fetch, got %d", got)
	}
}

func TestApprovalKeyInvalidate(t *testing.T) {
	var issued atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := issued.Add(1)
		if n == 1 {
			json.NewEncoder(w).Encode(map[string]string{"approval_key": "key-1"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"approval_key": "key-2"})
	}))
	defer server.Close()

	m := NewApprovalKeyManager(testKisConfig(server.URL))

	key, err := m.ApprovalKey(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != "key-1" {
		t.Fatalf("unexpected key: %s", key)
	}

	m.Invalidate()

	key, err = m.ApprovalKey(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != "key-2" {
		t.Errorf("expected fresh key after invalidation, got %s", key)
	}
}
