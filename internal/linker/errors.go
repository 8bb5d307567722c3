package linker

import (
	"errors"
	"fmt"
)

// ErrNotFound 表示包文件集中找不到请求的模块文件。
// 由调用方注入的 Fetch 负责把数据源自身的 not-found 映射到该哨兵。
var ErrNotFound = errors.New("module file not found")

// StageError 标记失败发生在管线的哪个阶段，供上层组装构建错误。
type StageError struct {
	Stage string
	Path  string
	Err   error
}

func (e *StageError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("stage %s (%s): %v", e.Stage, e.Path, e.Err)
	}
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageErr(stage, path string, err error) error {
	return &StageError{Stage: stage, Path: path, Err: err}
}

// 阶段名与构建管线的声明保持一致，出现在构建错误与诊断接口里。
const (
	StageEntry   = "entry"
	StageFetch   = "fetch-guard"
	StageJSON    = "json-default"
	StageConvert = "cjs-to-esm"
	StageFlatten = "flatten"
)
