// Package specifier 将请求路径解析为规范化的包描述。解析是纯函数，
// 不触达网络或磁盘，任何不符合文法的输入都返回 *ParseError。
package specifier

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrMalformed 表示请求路径不符合 /<name>[@version]/<subpath> 文法。
var ErrMalformed = errors.New("malformed package specifier")

// ParseError 携带原始输入与失败原因，由交付层映射为 4xx 响应。
type ParseError struct {
	Raw    string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse specifier %q: %s", e.Raw, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return ErrMalformed
}

// Specifier 是一次请求解析出的不可变包描述。
type Specifier struct {
	// Name 为包名，scoped 包形如 @scope/name。
	Name string
	// Constraint 是可选的版本约束（精确版本、dist-tag 或 semver range），
	// 为空表示解析到 latest。
	Constraint string
	// Subpath 是包内相对路径，不带前导斜杠；为空表示包入口。
	Subpath string
	// WantsModule 表示 ?module 查询参数存在，非 JS 资源需要返回 JS 代理模块。
	WantsModule bool
	// WantsAsset 表示 Subpath 扩展名命中非 JS 资源族。
	WantsAsset bool
}

// Parse 将原始 URL 路径与查询参数解析为 Specifier。
func Parse(rawPath string, query url.Values) (Specifier, error) {
	trimmed := strings.TrimPrefix(rawPath, "/")
	if trimmed == "" {
		return Specifier{}, &ParseError{Raw: rawPath, Reason: "empty path"}
	}

	segments := strings.Split(trimmed, "/")

	var nameSeg string
	switch {
	case strings.HasPrefix(segments[0], "@"):
		if len(segments) < 2 || segments[1] == "" {
			return Specifier{}, &ParseError{Raw: rawPath, Reason: "scoped name missing package segment"}
		}
		if len(segments[0]) == 1 {
			return Specifier{}, &ParseError{Raw: rawPath, Reason: "empty scope"}
		}
		nameSeg = segments[0] + "/" + segments[1]
		segments = segments[2:]
	default:
		nameSeg = segments[0]
		segments = segments[1:]
	}

	name, constraint, err := splitVersion(nameSeg)
	if err != nil {
		return Specifier{}, &ParseError{Raw: rawPath, Reason: err.Error()}
	}

	subpath := strings.Join(segments, "/")
	for _, seg := range segments {
		if seg == ".." || seg == "." {
			return Specifier{}, &ParseError{Raw: rawPath, Reason: "subpath traversal"}
		}
	}

	spec := Specifier{
		Name:        name,
		Constraint:  constraint,
		Subpath:     subpath,
		WantsModule: query.Has("module"),
		WantsAsset:  IsAssetPath(subpath),
	}
	return spec, nil
}

// splitVersion 把 name 段里的 @version 后缀拆出来。scoped 包的前导 @ 不参与拆分。
func splitVersion(seg string) (string, string, error) {
	searchFrom := 0
	if strings.HasPrefix(seg, "@") {
		searchFrom = 1
	}
	idx := strings.Index(seg[searchFrom:], "@")
	if idx < 0 {
		if err := validateName(seg); err != nil {
			return "", "", err
		}
		return seg, "", nil
	}
	idx += searchFrom

	name := seg[:idx]
	constraint := seg[idx+1:]
	if constraint == "" {
		return "", "", errors.New("empty version constraint")
	}
	if err := validateName(name); err != nil {
		return "", "", err
	}
	return name, constraint, nil
}

func validateName(name string) error {
	if name == "" {
		return errors.New("empty package name")
	}
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
		return fmt.Errorf("invalid package name: %s", name)
	}
	if strings.ContainsAny(name, " \t%\\") {
		return fmt.Errorf("invalid package name: %s", name)
	}
	return nil
}

// Canonical 输出 name@version/subpath[?module] 形式的规范字符串，
// 缓存键与幂等性均建立在该编码之上。
func (s Specifier) Canonical(version string) string {
	var b strings.Builder
	b.WriteString(s.Name)
	b.WriteString("@")
	b.WriteString(version)
	if s.Subpath != "" {
		b.WriteString("/")
		b.WriteString(s.Subpath)
	}
	if s.WantsModule {
		b.WriteString("?module")
	}
	return b.String()
}

// Requested 输出用户请求形式的 name[@constraint]/subpath，用于生成代理模块里的
// 可服务 URL（与浏览器再次请求时的路径一致）。
func (s Specifier) Requested() string {
	var b strings.Builder
	b.WriteString(s.Name)
	if s.Constraint != "" {
		b.WriteString("@")
		b.WriteString(s.Constraint)
	}
	if s.Subpath != "" {
		b.WriteString("/")
		b.WriteString(s.Subpath)
	}
	return b.String()
}
