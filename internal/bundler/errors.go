package bundler

import (
	"errors"
	"fmt"
)

// ErrBuild 是所有构建失败的哨兵；具体失败通过 *BuildError 携带阶段与包名。
var ErrBuild = errors.New("bundle build failed")

// ErrDisallowedAccess 表示构建尝试读取包文件集之外的路径。
// 越权访问使整个构建失败，绝不静默忽略。
var ErrDisallowedAccess = errors.New("file access outside package scope")

// BuildError 标记构建失败发生的管线阶段与目标包。
type BuildError struct {
	Stage   string
	Package string
	Err     error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build %s failed at stage %s: %v", e.Package, e.Stage, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

func (e *BuildError) Is(target error) bool {
	return target == ErrBuild
}
