package cache

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// ErrImmutableEntry 表示尝试用不同字节覆盖既有条目。版本不可变意味着
// 这必定是上游逻辑错误，拒绝写入并保留原内容。
var ErrImmutableEntry = errors.New("cache entry is immutable")

// Entry 是内存层的缓存条目。正文与属性创建后不再变化，
// 压缩变体由后台任务追加。
type Entry struct {
	Key  string
	Body []byte
	Meta Meta

	mu       sync.RWMutex
	variants map[string][]byte
}

// Variant 返回指定编码（gzip/br）的压缩变体。
func (e *Entry) Variant(encoding string) ([]byte, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	body, ok := e.variants[encoding]
	return body, ok
}

// NeedsCompression 报告条目是否仍缺压缩变体。磁盘晋升的条目与此前
// 被丢弃的压缩任务靠命中路径据此补做。
func (e *Entry) NeedsCompression() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.variants) < len(encoders)
}

func (e *Entry) setVariant(encoding string, body []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.variants == nil {
		e.variants = make(map[string][]byte, 2)
	}
	e.variants[encoding] = body
}

// Manager 独占管理缓存条目的生命周期：内存/磁盘两层查找、
// 不可变写入、同 key 构建去重，以及后台压缩队列。
type Manager struct {
	store  Store
	logger *logrus.Logger

	mem   sync.Map // key -> *Entry
	group singleflight.Group

	jobs      chan string
	done      chan struct{}
	closeOnce sync.Once

	// warm 是跨构建复用的编译器热缓存，仅作为性能提示。
	// 只允许在一次构建完全成功后通过 CommitWarm 合并，
	// 避免半成品污染后续构建。
	warmMu sync.Mutex
	warm   map[string][]byte
}

// NewManager 构建缓存管理器并启动压缩 worker。调用方负责 Close。
func NewManager(store Store, logger *logrus.Logger) *Manager {
	m := &Manager{
		store:  store,
		logger: logger,
		jobs:   make(chan string, 64),
		done:   make(chan struct{}),
		warm:   make(map[string][]byte),
	}
	go m.compressLoop()
	return m
}

// Lookup 依次检查内存层与磁盘层，磁盘命中会晋升到内存。
func (m *Manager) Lookup(ctx context.Context, key string) (*Entry, bool) {
	if cached, ok := m.mem.Load(key); ok {
		return cached.(*Entry), true
	}

	if m.store == nil {
		return nil, false
	}
	stored, err := m.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			m.logger.WithError(err).WithField("etag", key).Warn("cache_get_failed")
		}
		return nil, false
	}

	entry := &Entry{Key: key, Body: stored.Body, Meta: stored.Meta}
	actual, _ := m.mem.LoadOrStore(key, entry)
	return actual.(*Entry), true
}

// Store 把新构建的正文写入两层缓存。同 key 不同内容的写入违反
// 不可变性约定，返回 ErrImmutableEntry 并保留原条目。
func (m *Manager) Store(ctx context.Context, key string, body []byte, meta Meta) (*Entry, error) {
	if existing, ok := m.Lookup(ctx, key); ok {
		if !bytes.Equal(existing.Body, body) {
			return nil, ErrImmutableEntry
		}
		return existing, nil
	}

	entry := &Entry{Key: key, Body: body, Meta: meta}
	if m.store != nil {
		if err := m.store.Put(ctx, key, body, meta); err != nil {
			return nil, err
		}
	}
	actual, _ := m.mem.LoadOrStore(key, entry)
	return actual.(*Entry), nil
}

// BuildOnce 保证同一 key 最多只有一个构建在进行，并发请求共享结果。
// 构建失败不会留下任何缓存痕迹。
func (m *Manager) BuildOnce(
	ctx context.Context,
	key string,
	build func(ctx context.Context) ([]byte, Meta, error),
) (*Entry, error) {
	result, err, _ := m.group.Do(key, func() (interface{}, error) {
		if entry, ok := m.Lookup(ctx, key); ok {
			return entry, nil
		}
		body, meta, err := build(ctx)
		if err != nil {
			return nil, err
		}
		return m.Store(ctx, key, body, meta)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Entry), nil
}

// EnqueueCompression 调度后台压缩，永不阻塞调用方；队列满则放弃本次调度，
// 下一次命中时仍有机会补上。
func (m *Manager) EnqueueCompression(key string) {
	select {
	case m.jobs <- key:
	case <-m.done:
	default:
		m.logger.WithField("etag", key).Debug("compress_queue_full")
	}
}

func (m *Manager) compressLoop() {
	for {
		select {
		case <-m.done:
			return
		case key := <-m.jobs:
			m.compressEntry(key)
		}
	}
}

// compressEntry 计算 gzip/brotli 变体并附加到条目。任何失败只记日志，
// 不影响主内容与已发出的响应。
func (m *Manager) compressEntry(key string) {
	entry, ok := m.Lookup(context.Background(), key)
	if !ok {
		return
	}

	for encoding, compress := range encoders {
		if _, exists := entry.Variant(encoding); exists {
			continue
		}
		body, err := compress(entry.Body)
		if err != nil {
			m.logger.WithError(err).WithFields(logrus.Fields{
				"action":   "compress",
				"etag":     key,
				"encoding": encoding,
			}).Warn("compress_failed")
			continue
		}
		entry.setVariant(encoding, body)
	}
}

// WarmFiles 返回热缓存快照，供下一次构建作为性能提示读取。
func (m *Manager) WarmFiles() map[string][]byte {
	m.warmMu.Lock()
	defer m.warmMu.Unlock()
	snapshot := make(map[string][]byte, len(m.warm))
	for path, body := range m.warm {
		snapshot[path] = body
	}
	return snapshot
}

// CommitWarm 在构建成功后合并其触达的文件。失败的构建不得调用。
func (m *Manager) CommitWarm(files map[string][]byte) {
	if len(files) == 0 {
		return
	}
	m.warmMu.Lock()
	defer m.warmMu.Unlock()
	for path, body := range files {
		m.warm[path] = body
	}
}

// MemoryEntries 返回内存层条目数，供诊断接口输出。
func (m *Manager) MemoryEntries() int {
	count := 0
	m.mem.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

// Close 停止后台压缩 worker。
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
	})
}
