package cache

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Key 从规范化描述串推导缓存键（同时充当 HTTP ETag）。同一输入永远产出
// 同一键值，跨进程重启亦然；xxhash64 在 registry 规模内的碰撞概率可忽略。
func Key(canonical string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(canonical))
}
