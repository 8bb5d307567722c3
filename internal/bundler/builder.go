// Package bundler 把一次已归一化、已定版的请求变成可交付的字节：
// 非 JS 资源走透传或代理模块，JS 子路径经构建管线交给模块图编译器压平。
package bundler

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/esm-hub/esm-hub/internal/config"
	"github.com/esm-hub/esm-hub/internal/linker"
	"github.com/esm-hub/esm-hub/internal/registry"
	"github.com/esm-hub/esm-hub/internal/specifier"
)

// Source 提供已发布包的文件读取，由 registry.Client 实现。
type Source interface {
	FetchFile(ctx context.Context, name, version, path string) ([]byte, error)
}

// Compiler 是模块图编译协作方。缺省实现是 internal/linker。
type Compiler interface {
	Compile(ctx context.Context, req linker.Request) (*linker.Result, error)
}

// WarmCache 是跨构建共享的文件内容提示，由 cache.Manager 持有。
// 提交只发生在构建完全成功之后。
type WarmCache interface {
	WarmFiles() map[string][]byte
	CommitWarm(files map[string][]byte)
}

// Result 是一次构建的交付物。
type Result struct {
	Body        []byte
	ContentType string
	// Module 标记交付物是否为可执行模块（影响缓存元数据与响应头）。
	Module bool
}

type Builder struct {
	source   Source
	compiler Compiler
	pipeline *Pipeline
	warm     WarmCache
	logger   *logrus.Logger
}

func NewBuilder(cfg *config.Config, source Source, compiler Compiler, warm WarmCache, logger *logrus.Logger) *Builder {
	builder := &Builder{
		source:   source,
		compiler: compiler,
		pipeline: NewPipeline(cfg),
		warm:     warm,
		logger:   logger,
	}
	logger.WithField("stages", builder.pipeline.Names()).Debug("build pipeline configured")
	return builder
}

// Pipeline 暴露只读的阶段列表，供诊断接口使用。
func (b *Builder) Pipeline() *Pipeline {
	return b.pipeline
}

// Build 按描述符的资源族分派。version 必须是已定版的精确版本号。
func (b *Builder) Build(ctx context.Context, spec specifier.Specifier, version string) (*Result, error) {
	if spec.WantsAsset {
		return b.buildAsset(ctx, spec, version)
	}
	return b.buildModule(ctx, spec, version)
}

// buildAsset 处理非 JS 资源：默认透传原始字节；带 ?module 标记时
// 合成一个代理模块，由浏览器端 loader 完成挂载。
func (b *Builder) buildAsset(ctx context.Context, spec specifier.Specifier, version string) (*Result, error) {
	if spec.WantsModule {
		return proxyModule(spec), nil
	}

	body, err := b.source.FetchFile(ctx, spec.Name, version, spec.Subpath)
	if err != nil {
		return nil, err
	}
	return &Result{
		Body:        body,
		ContentType: specifier.AssetContentType(spec.Subpath),
	}, nil
}

// proxyModule 的形状固定：一条 loader 导入，一次以字面 URL 为参的调用。
func proxyModule(spec specifier.Specifier) *Result {
	loader := "asset-loader.js"
	if specifier.FamilyOf(spec.Subpath) == specifier.FamilyStyle {
		loader = "style-loader.js"
	}
	code := fmt.Sprintf("import loader from %q;\nloader(%q);\n",
		"/__esm_hub/"+loader, "/@npm/"+spec.Requested())
	return &Result{
		Body:        []byte(code),
		ContentType: specifier.ModuleContentType,
		Module:      true,
	}
}

func (b *Builder) buildModule(ctx context.Context, spec specifier.Specifier, version string) (*Result, error) {
	req := linker.Request{
		Package: spec.Name,
		Version: version,
		Entry:   spec.Subpath,
		Fetch:   b.sourceFetch(spec.Name, version),
	}
	if b.warm != nil {
		req.Warm = b.warm.WarmFiles()
	}
	b.pipeline.apply(&req)

	compiled, err := b.compiler.Compile(ctx, req)
	if err != nil {
		return nil, wrapBuildError(spec.Name, err)
	}

	// 热缓存只收完整成功构建触达的文件，失败构建不得污染后续构建。
	if b.warm != nil {
		b.warm.CommitWarm(compiled.Touched)
	}

	return &Result{
		Body:        compiled.Code,
		ContentType: specifier.ModuleContentType,
		Module:      true,
	}, nil
}

// sourceFetch 把数据源的 not-found 映射为编译器约定的哨兵。
func (b *Builder) sourceFetch(name, version string) linker.Fetch {
	return func(ctx context.Context, p string) ([]byte, error) {
		body, err := b.source.FetchFile(ctx, name, version, p)
		if errors.Is(err, registry.ErrFileNotFound) {
			return nil, linker.ErrNotFound
		}
		return body, err
	}
}

func wrapBuildError(pkg string, err error) error {
	stageName := linker.StageFlatten
	var stage *linker.StageError
	if errors.As(err, &stage) {
		stageName = stage.Stage
	}
	return &BuildError{Stage: stageName, Package: pkg, Err: err}
}
