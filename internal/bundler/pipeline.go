package bundler

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/esm-hub/esm-hub/internal/config"
	"github.com/esm-hub/esm-hub/internal/linker"
)

// Stage 是构建管线里的一个具名阶段。Apply 为 nil 表示该行为由编译器
// 固有实现，列出仅为让管线可静态检视。
type Stage struct {
	Name  string
	Apply func(req *linker.Request)
}

// Pipeline 按声明顺序装配一次构建请求。阶段列表在进程启动时由配置
// 一次性构造，之后只读。
type Pipeline struct {
	stages []Stage
}

// nodeBuiltins 列出需要打桩的平台内建模块名。
var nodeBuiltins = map[string]struct{}{
	"assert": {}, "buffer": {}, "child_process": {}, "crypto": {},
	"events": {}, "fs": {}, "http": {}, "https": {}, "net": {},
	"os": {}, "path": {}, "process": {}, "querystring": {},
	"stream": {}, "string_decoder": {}, "tls": {}, "url": {},
	"util": {}, "zlib": {},
}

// NewPipeline 从配置构造阶段列表。顺序即执行顺序。
func NewPipeline(cfg *config.Config) *Pipeline {
	aliases := make(map[string]string, len(cfg.Alias))
	for name, target := range cfg.Alias {
		aliases[name] = target
	}

	return &Pipeline{stages: []Stage{
		{Name: "stub-builtins", Apply: func(req *linker.Request) {
			req.Builtins = nodeBuiltins
		}},
		{Name: "alias", Apply: func(req *linker.Request) {
			req.Aliases = aliases
		}},
		{Name: linker.StageFetch, Apply: func(req *linker.Request) {
			req.Fetch = guardFetch(req.Fetch)
		}},
		{Name: "env-shim", Apply: func(req *linker.Request) {
			req.EnvShims = true
		}},
		{Name: linker.StageConvert, Apply: nil},
		{Name: linker.StageJSON, Apply: nil},
		{Name: "asset-url", Apply: func(req *linker.Request) {
			req.AssetURLPrefix = fmt.Sprintf("/@npm/%s@%s/", req.Package, req.Version)
		}},
		{Name: "no-treeshake", Apply: func(req *linker.Request) {
			req.TreeShake = false
		}},
		{Name: linker.StageFlatten, Apply: nil},
	}}
}

// Names 返回阶段名列表，供诊断接口输出。
func (p *Pipeline) Names() []string {
	names := make([]string, 0, len(p.stages))
	for _, stage := range p.stages {
		names = append(names, stage.Name)
	}
	return names
}

func (p *Pipeline) apply(req *linker.Request) {
	for _, stage := range p.stages {
		if stage.Apply != nil {
			stage.Apply(req)
		}
	}
}

// guardFetch 把越出包文件集的读取拦截为 ErrDisallowedAccess。
func guardFetch(next linker.Fetch) linker.Fetch {
	return func(ctx context.Context, p string) ([]byte, error) {
		clean := path.Clean(p)
		if clean == ".." || strings.HasPrefix(clean, "../") || strings.HasPrefix(clean, "/") {
			return nil, fmt.Errorf("%s: %w", p, ErrDisallowedAccess)
		}
		return next(ctx, clean)
	}
}
