package server

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/esm-hub/esm-hub/internal/bundler"
	"github.com/esm-hub/esm-hub/internal/cache"
	"github.com/esm-hub/esm-hub/internal/logging"
	"github.com/esm-hub/esm-hub/internal/specifier"
)

// VersionResolver 把版本约束定版为精确版本号，由 registry.Resolver 实现。
type VersionResolver interface {
	Resolve(ctx context.Context, name, constraint string) (string, error)
}

// BundleBuilder 把已定版的描述符变成交付字节，由 bundler.Builder 实现。
type BundleBuilder interface {
	Build(ctx context.Context, spec specifier.Specifier, version string) (*bundler.Result, error)
}

// CacheManager 覆盖交付层用到的缓存操作，由 cache.Manager 实现。
type CacheManager interface {
	Lookup(ctx context.Context, key string) (*cache.Entry, bool)
	BuildOnce(ctx context.Context, key string, build func(ctx context.Context) ([]byte, cache.Meta, error)) (*cache.Entry, error)
	EnqueueCompression(key string)
	MemoryEntries() int
}

// Handler 承载交付流程：归一化 → 定版 → 条件响应 → 缓存/构建 → 输出。
type Handler struct {
	logger   *logrus.Logger
	resolver VersionResolver
	builder  BundleBuilder
	cache    CacheManager
	stages   []string
	optimize bool
}

func NewHandler(opts AppOptions) *Handler {
	return &Handler{
		logger:   opts.Logger,
		resolver: opts.Resolver,
		builder:  opts.Builder,
		cache:    opts.Cache,
		stages:   opts.PipelineStages,
		optimize: opts.Optimize,
	}
}

// Serve 处理 GET /<name>[@constraint]/<subpath>。ETag 在任何缓存或
// 构建 I/O 之前就绪，条件命中直接 304 空响应。
func (h *Handler) Serve(c fiber.Ctx) error {
	started := time.Now()

	spec, err := specifier.Parse(c.Path(), queryValues(c))
	if err != nil {
		return err
	}

	ctx := requestContext(c)
	version, err := h.resolver.Resolve(ctx, spec.Name, spec.Constraint)
	if err != nil {
		return err
	}

	key := cache.Key(spec.Canonical(version))
	c.Set(fiber.HeaderETag, key)

	if match := normalizeETag(c.Get(fiber.HeaderIfNoneMatch)); match == key {
		h.logRequest(spec, version, key, true, started)
		return c.SendStatus(fiber.StatusNotModified)
	}

	entry, hit := h.cache.Lookup(ctx, key)
	if !hit {
		entry, err = h.cache.BuildOnce(ctx, key, func(ctx context.Context) ([]byte, cache.Meta, error) {
			result, err := h.builder.Build(ctx, spec, version)
			if err != nil {
				return nil, cache.Meta{}, err
			}
			return result.Body, cache.Meta{ContentType: result.ContentType, Module: result.Module}, nil
		})
		if err != nil {
			return err
		}
	}

	// 新建条目与仍缺变体的命中（磁盘晋升、此前队列满被丢弃的任务）都补调度。
	if h.optimize && entry.NeedsCompression() {
		h.cache.EnqueueCompression(key)
	}

	h.logRequest(spec, version, key, hit, started)
	return h.send(c, entry, key)
}

// Diagnostics 输出阶段列表与缓存规模，GET /-/pipeline。
func (h *Handler) Diagnostics(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"stages": h.stages,
		"cache": fiber.Map{
			"memory_entries": h.cache.MemoryEntries(),
		},
	})
}

// send 按协商结果输出主体或压缩变体。变体的 ETag 带编码后缀，
// 客户端带回时由 normalizeETag 剥掉再比较。
func (h *Handler) send(c fiber.Ctx, entry *cache.Entry, key string) error {
	c.Set(fiber.HeaderContentType, entry.Meta.ContentType)
	c.Set(fiber.HeaderVary, fiber.HeaderAcceptEncoding)

	accepted := c.Get(fiber.HeaderAcceptEncoding)
	for _, candidate := range []struct {
		encoding string
		suffix   string
	}{
		{"br", "-br"},
		{"gzip", "-gz"},
	} {
		if !strings.Contains(accepted, candidate.encoding) {
			continue
		}
		variant, ok := entry.Variant(candidate.encoding)
		if !ok {
			continue
		}
		c.Set(fiber.HeaderContentEncoding, candidate.encoding)
		c.Set(fiber.HeaderETag, key+candidate.suffix)
		c.Set(fiber.HeaderContentLength, strconv.Itoa(len(variant)))
		return c.Send(variant)
	}

	c.Set(fiber.HeaderContentLength, strconv.Itoa(len(entry.Body)))
	return c.Send(entry.Body)
}

func (h *Handler) logRequest(spec specifier.Specifier, version, key string, hit bool, started time.Time) {
	h.logger.WithFields(logging.RequestFields(spec.Name, version, spec.Subpath, key, hit)).
		WithField("elapsed_ms", time.Since(started).Milliseconds()).
		Info("serve")
}

// normalizeETag 剥掉弱校验前缀、引号与压缩编码后缀（-gz/-br），
// 使压缩变体的验证器仍命中同一条目。
func normalizeETag(raw string) string {
	tag := strings.TrimSpace(raw)
	tag = strings.TrimPrefix(tag, "W/")
	tag = strings.Trim(tag, `"`)
	tag = strings.TrimSuffix(tag, "-gz")
	tag = strings.TrimSuffix(tag, "-br")
	return tag
}

func queryValues(c fiber.Ctx) url.Values {
	values, err := url.ParseQuery(string(c.Request().URI().QueryString()))
	if err != nil {
		return url.Values{}
	}
	return values
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
