package cache

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestStorePutAndGet(t *testing.T) {
	store := newTestStore(t)
	key := Key("left-pad@1.3.0/index.js")
	meta := Meta{ContentType: "application/javascript;charset=utf-8", Module: true}

	payload := []byte("export default leftPad;")
	if err := store.Put(context.Background(), key, payload, meta); err != nil {
		t.Fatalf("put error: %v", err)
	}

	stored, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if !bytes.Equal(stored.Body, payload) {
		t.Fatalf("cached payload mismatch: %s", stored.Body)
	}
	if stored.Meta != meta {
		t.Fatalf("meta mismatch: %+v", stored.Meta)
	}
}

func TestStoreGetMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), Key("missing@1.0.0"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreRemove(t *testing.T) {
	store := newTestStore(t)
	key := Key("pkg@1.0.0/lib.js")
	if err := store.Put(context.Background(), key, []byte("data"), Meta{}); err != nil {
		t.Fatalf("put error: %v", err)
	}
	if err := store.Remove(context.Background(), key); err != nil {
		t.Fatalf("remove error: %v", err)
	}
	if _, err := store.Get(context.Background(), key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after remove, got %v", err)
	}
}

func TestStoreRejectsInvalidKey(t *testing.T) {
	store := newTestStore(t)
	for _, key := range []string{"", "../escape", "a/b", "with.dot"} {
		if err := store.Put(context.Background(), key, []byte("x"), Meta{}); err == nil {
			t.Fatalf("expected error for key %q", key)
		}
	}
}

func TestStorePutIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	key := Key("pkg@2.0.0/lib.js")
	payload := []byte("same bytes")
	for i := 0; i < 2; i++ {
		if err := store.Put(context.Background(), key, payload, Meta{}); err != nil {
			t.Fatalf("put #%d error: %v", i, err)
		}
	}
	stored, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if !bytes.Equal(stored.Body, payload) {
		t.Fatalf("payload mismatch after repeated put: %s", stored.Body)
	}
}

// newTestStore returns a Store backed by a temporary directory.
func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}
