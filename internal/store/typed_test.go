package store

import (
	"fmt"
	"sync"
	"testing"
)

// testItem is a simple struct used across TypedStore tests.
type testItem struct {
	Name  string
	Value int
}

func TestTypedStore_SetGet(t *testing.T) {
	s := NewTypedStore[testItem]()

	s.Set("key1", testItem{Name: "alpha", Value: 42})

	got, ok := s.Get("key1")
	if !ok {
		t.Fatal("expected key1 to exist")
	}
	if got.Name != "alpha" || got.Value != 42 {
		t.Fatalf("expected {alpha 42}, got %+v", got)
	}

	if _, ok := s.Get("missing"); ok {
		t.Fatal("expected missing key to return false")
	}
}

func TestTypedStore_Delete(t *testing.T) {
	s := NewTypedStore[testItem]()

	s.Set("key1", testItem{Name: "alpha", Value: 1})
	s.Delete("key1")

	if _, ok := s.Get("key1"); ok {
		t.Fatal("expected key1 to be deleted")
	}

	// Delete of a non-existent key must not panic.
	s.Delete("nonexistent")
}

func TestTypedStore_KeysAndValuesSorted(t *testing.T) {
	s := NewTypedStore[testItem]()

	s.Set("c", testItem{Name: "c", Value: 3})
	s.Set("a", testItem{Name: "a", Value: 1})
	s.Set("b", testItem{Name: "b", Value: 2})

	keys := s.Keys()
	if fmt.Sprint(keys) != "[a b c]" {
		t.Fatalf("expected sorted keys, got %v", keys)
	}

	vals := s.Values()
	for i, v := range vals {
		if v.Value != i+1 {
			t.Fatalf("expected values ordered by key, got %+v", vals)
		}
	}
	if s.Len() != 3 {
		t.Fatalf("expected Len() == 3, got %d", s.Len())
	}
}

func TestTypedStore_ClearUpdatesTimestamp(t *testing.T) {
	s := NewTypedStore[testItem]()
	s.Set("a", testItem{})
	before := s.LastUpdated()

	s.Clear()

	if s.Len() != 0 {
		t.Fatalf("expected empty store, got %d", s.Len())
	}
	if s.LastUpdated() < before {
		t.Fatal("expected LastUpdated not to go backwards")
	}
}

func TestTypedStore_ConcurrentAccess(t *testing.T) {
	s := NewTypedStore[testItem]()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", idx%10)
			s.Set(key, testItem{Name: key, Value: idx})
			_, _ = s.Get(key)
			_ = s.Values()
		}(i)
	}
	wg.Wait()

	if s.Len() != 10 {
		t.Fatalf("expected 10 distinct keys, got %d", s.Len())
	}
}
