package registry

import (
	"errors"
	"fmt"
)

// ErrVersionResolution 表示包不存在、版本约束无法满足或 registry 不可达。
// 按约定不在内部重试，直接上抛给调用方。
var ErrVersionResolution = errors.New("version resolution failed")

// ErrFileNotFound 表示包发布文件集中不存在请求的文件。
var ErrFileNotFound = errors.New("package file not found")

// ResolveError 携带解析失败的包名与约束，便于交付层输出诊断信息。
type ResolveError struct {
	Name       string
	Constraint string
	Reason     string
}

func (e *ResolveError) Error() string {
	constraint := e.Constraint
	if constraint == "" {
		constraint = "latest"
	}
	return fmt.Sprintf("resolve %s@%s: %s", e.Name, constraint, e.Reason)
}

func (e *ResolveError) Unwrap() error {
	return ErrVersionResolution
}
