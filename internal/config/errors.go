package config

import (
	"errors"
	"fmt"
)

// ErrUnsupportedSource 表示配置选择了尚未支持的文件来源（例如 remote 抓取后端）。
// 按约定在启动阶段 fail fast，而不是等到第一次构建时才暴露。
var ErrUnsupportedSource = errors.New("unsupported package source")

// FieldError 提供字段路径与错误原因，便于 CLI 向用户反馈。
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// newFieldError 创建包含字段路径与原因的 error，便于 CLI 定位。
func newFieldError(field, reason string) error {
	return FieldError{Field: field, Reason: reason}
}
