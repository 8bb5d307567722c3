package cache

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestKeyIsDeterministic(t *testing.T) {
	first := Key("left-pad@1.3.0/index.js")
	second := Key("left-pad@1.3.0/index.js")
	if first != second {
		t.Fatalf("key not deterministic: %s vs %s", first, second)
	}
	if len(first) != 16 {
		t.Fatalf("unexpected key length: %s", first)
	}
	if Key("left-pad@1.3.0/index.js?module") == first {
		t.Fatal("distinct canonicals should produce distinct keys")
	}
}

func TestManagerStoreThenLookup(t *testing.T) {
	manager := newTestManager(t)
	key := Key("pkg@1.0.0/index.js")
	payload := []byte("export default 1;")
	meta := Meta{ContentType: "application/javascript;charset=utf-8", Module: true}

	if _, err := manager.Store(context.Background(), key, payload, meta); err != nil {
		t.Fatalf("store error: %v", err)
	}

	entry, ok := manager.Lookup(context.Background(), key)
	if !ok {
		t.Fatal("expected lookup hit")
	}
	if !bytes.Equal(entry.Body, payload) {
		t.Fatalf("body mismatch: %s", entry.Body)
	}
	if entry.Meta != meta {
		t.Fatalf("meta mismatch: %+v", entry.Meta)
	}
}

func TestManagerPromotesDiskHits(t *testing.T) {
	store := newTestStore(t)
	first := NewManager(store, testLogger())
	defer first.Close()

	key := Key("pkg@1.0.0/index.js")
	payload := []byte("persisted")
	if _, err := first.Store(context.Background(), key, payload, Meta{ContentType: "text/css"}); err != nil {
		t.Fatalf("store error: %v", err)
	}

	// 新 Manager 模拟进程重启：内存层为空，磁盘命中后晋升。
	second := NewManager(store, testLogger())
	defer second.Close()

	entry, ok := second.Lookup(context.Background(), key)
	if !ok {
		t.Fatal("expected disk hit after restart")
	}
	if !bytes.Equal(entry.Body, payload) {
		t.Fatalf("body mismatch: %s", entry.Body)
	}
	if entry.Meta.ContentType != "text/css" {
		t.Fatalf("meta not persisted: %+v", entry.Meta)
	}
	if _, ok := second.mem.Load(key); !ok {
		t.Fatal("disk hit should be promoted into memory")
	}
}

func TestManagerRejectsMutation(t *testing.T) {
	manager := newTestManager(t)
	key := Key("pkg@1.0.0/index.js")

	if _, err := manager.Store(context.Background(), key, []byte("original"), Meta{}); err != nil {
		t.Fatalf("store error: %v", err)
	}
	if _, err := manager.Store(context.Background(), key, []byte("different"), Meta{}); !errors.Is(err, ErrImmutableEntry) {
		t.Fatalf("expected ErrImmutableEntry, got %v", err)
	}

	entry, _ := manager.Lookup(context.Background(), key)
	if string(entry.Body) != "original" {
		t.Fatalf("original bytes lost: %s", entry.Body)
	}
}

func TestBuildOnceDeduplicatesConcurrentBuilds(t *testing.T) {
	manager := newTestManager(t)
	key := Key("pkg@1.0.0/index.js")

	var builds atomic.Int64
	release := make(chan struct{})
	build := func(ctx context.Context) ([]byte, Meta, error) {
		builds.Add(1)
		<-release
		return []byte("built"), Meta{Module: true}, nil
	}

	const concurrency = 8
	var wg sync.WaitGroup
	results := make([]*Entry, concurrency)
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			entry, err := manager.BuildOnce(context.Background(), key, build)
			if err != nil {
				t.Errorf("build error: %v", err)
				return
			}
			results[idx] = entry
		}(i)
	}
	close(release)
	wg.Wait()

	if got := builds.Load(); got != 1 {
		t.Fatalf("expected single build, got %d", got)
	}
	for _, entry := range results {
		if entry == nil || string(entry.Body) != "built" {
			t.Fatalf("waiter missing shared result: %+v", entry)
		}
	}
}

func TestBuildOnceFailureLeavesNoEntry(t *testing.T) {
	manager := newTestManager(t)
	key := Key("pkg@1.0.0/broken.js")

	buildErr := errors.New("stage exploded")
	_, err := manager.BuildOnce(context.Background(), key, func(ctx context.Context) ([]byte, Meta, error) {
		return nil, Meta{}, buildErr
	})
	if !errors.Is(err, buildErr) {
		t.Fatalf("expected build error, got %v", err)
	}
	if _, ok := manager.Lookup(context.Background(), key); ok {
		t.Fatal("failed build must not populate cache")
	}
}

func TestCompressEntryAttachesVariants(t *testing.T) {
	manager := newTestManager(t)
	key := Key("pkg@1.0.0/index.js")
	payload := bytes.Repeat([]byte("export default leftPad; "), 64)

	if _, err := manager.Store(context.Background(), key, payload, Meta{Module: true}); err != nil {
		t.Fatalf("store error: %v", err)
	}

	manager.compressEntry(key)

	entry, _ := manager.Lookup(context.Background(), key)
	for _, encoding := range []string{"gzip", "br"} {
		variant, ok := entry.Variant(encoding)
		if !ok {
			t.Fatalf("missing %s variant", encoding)
		}
		if len(variant) == 0 || len(variant) >= len(payload) {
			t.Fatalf("%s variant not smaller than body: %d vs %d", encoding, len(variant), len(payload))
		}
	}
	if !bytes.Equal(entry.Body, payload) {
		t.Fatal("compression must not change primary bytes")
	}
}

func TestNeedsCompressionReflectsVariants(t *testing.T) {
	manager := newTestManager(t)
	key := Key("pkg@1.0.0/index.js")
	if _, err := manager.Store(context.Background(), key, []byte("body"), Meta{}); err != nil {
		t.Fatalf("store error: %v", err)
	}

	entry, _ := manager.Lookup(context.Background(), key)
	if !entry.NeedsCompression() {
		t.Fatal("fresh entry should still need compression")
	}

	manager.compressEntry(key)
	if entry.NeedsCompression() {
		t.Fatal("entry with all variants should not need compression")
	}
}

func TestEnqueueCompressionNeverBlocks(t *testing.T) {
	manager := newTestManager(t)
	manager.Close()
	// worker 已停止，队列满后 Enqueue 仍应立即返回。
	for i := 0; i < 1024; i++ {
		manager.EnqueueCompression(Key("pkg@1.0.0/index.js"))
	}
}

func TestWarmCommitAndSnapshot(t *testing.T) {
	manager := newTestManager(t)
	manager.CommitWarm(map[string][]byte{"left-pad@1.3.0/index.js": []byte("src")})

	snapshot := manager.WarmFiles()
	if string(snapshot["left-pad@1.3.0/index.js"]) != "src" {
		t.Fatalf("warm snapshot missing committed file: %v", snapshot)
	}

	// 快照是拷贝，调用方改动不应写回热缓存。
	snapshot["left-pad@1.3.0/index.js"] = []byte("mutated")
	if string(manager.WarmFiles()["left-pad@1.3.0/index.js"]) != "src" {
		t.Fatal("snapshot mutation leaked into warm cache")
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	manager := NewManager(newTestStore(t), testLogger())
	t.Cleanup(manager.Close)
	return manager
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}
