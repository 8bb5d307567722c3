package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一 key 并发写入，同时复用 basePath。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Get(ctx context.Context, key string) (*Stored, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	bodyPath, metaPath, err := s.entryPaths(key)
	if err != nil {
		return nil, err
	}

	body, err := os.ReadFile(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var meta Meta
	if raw, err := os.ReadFile(metaPath); err == nil {
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("decode cache meta: %w", err)
		}
	}

	return &Stored{Body: body, Meta: meta}, nil
}

func (s *fileStore) Put(ctx context.Context, key string, body []byte, meta Meta) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	unlock := s.lockEntry(key)
	defer unlock()

	bodyPath, metaPath, err := s.entryPaths(key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(bodyPath), 0o755); err != nil {
		return err
	}

	if err := writeAtomic(bodyPath, body); err != nil {
		return err
	}

	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return writeAtomic(metaPath, rawMeta)
}

func (s *fileStore) Remove(ctx context.Context, key string) error {
	unlock := s.lockEntry(key)
	defer unlock()

	bodyPath, metaPath, err := s.entryPaths(key)
	if err != nil {
		return err
	}
	for _, p := range []string{bodyPath, metaPath} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// writeAtomic 先写临时文件再 rename，失败时清理残留。
func writeAtomic(path string, body []byte) error {
	tempFile, err := os.CreateTemp(filepath.Dir(path), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, path); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (s *fileStore) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) entryPaths(key string) (string, string, error) {
	if key == "" || strings.ContainsAny(key, "/\\.") {
		return "", "", fmt.Errorf("invalid cache key: %q", key)
	}
	prefix := key
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	dir := filepath.Join(s.basePath, prefix)
	return filepath.Join(dir, key+".body"), filepath.Join(dir, key+".meta"), nil
}
