package cache

import (
	"context"
	"errors"
)

// Meta 记录条目正文之外需要持久化的响应属性。
type Meta struct {
	ContentType string `json:"content_type"`
	Module      bool   `json:"module"`
}

// Stored 是磁盘层的一次命中结果。
type Stored struct {
	Body []byte
	Meta Meta
}

// Store 负责管理磁盘缓存的读写。磁盘布局遵循：
//
//	<StoragePath>/<key前两位>/<key>.body    # 实际正文
//	<StoragePath>/<key前两位>/<key>.meta    # Content-Type 等属性
//
// 实现需通过临时文件 + rename 保证写入原子性。
type Store interface {
	// Get 返回缓存条目，不存在时返回 ErrNotFound。
	Get(ctx context.Context, key string) (*Stored, error)

	// Put 写入正文与属性。同一 key 重复写入相同内容是幂等的。
	Put(ctx context.Context, key string, body []byte, meta Meta) error

	// Remove 删除条目，通常仅用于测试与运维清理。
	Remove(ctx context.Context, key string) error
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")
