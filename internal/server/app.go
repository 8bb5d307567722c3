// Package server 装配 Fiber 应用：请求 ID 中间件、诊断路由、
// 单个 catch-all 交付路由，以及把错误分类映射为 HTTP 状态的错误处理器。
package server

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/esm-hub/esm-hub/internal/bundler"
	"github.com/esm-hub/esm-hub/internal/linker"
	"github.com/esm-hub/esm-hub/internal/registry"
	"github.com/esm-hub/esm-hub/internal/specifier"
)

// AppOptions 汇集交付层依赖，便于测试注入伪实现。
type AppOptions struct {
	Logger   *logrus.Logger
	Resolver VersionResolver
	Builder  BundleBuilder
	Cache    CacheManager
	// PipelineStages 是构建管线的阶段名列表，由诊断接口输出。
	PipelineStages []string
	// Optimize 为真时命中 miss 的条目会调度后台压缩。
	Optimize   bool
	ListenPort int
}

const contextKeyRequestID = "_esmhub_request_id"

// NewApp 构建 Fiber 应用。
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("version resolver is required")
	}
	if opts.Builder == nil {
		return nil, errors.New("bundle builder is required")
	}
	if opts.Cache == nil {
		return nil, errors.New("cache manager is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		ErrorHandler:  newErrorHandler(opts.Logger),
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware())

	handler := NewHandler(opts)
	app.Get("/-/pipeline", handler.Diagnostics)
	app.Get("/*", handler.Serve)

	return app, nil
}

// requestIDMiddleware 为每个请求生成 X-Request-ID。
func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// RequestID 读取中间件写入的请求标识。
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

// newErrorHandler 把错误分类映射为 HTTP 状态。判定顺序有意放在
// ErrBuild 之前检查更具体的哨兵，构建错误会同时携带两者。
func newErrorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		status := fiber.StatusInternalServerError
		code := "internal_error"

		switch {
		case errors.Is(err, specifier.ErrMalformed):
			status, code = fiber.StatusBadRequest, "malformed_specifier"
		case errors.Is(err, registry.ErrVersionResolution):
			status, code = fiber.StatusNotFound, "version_unresolved"
		case errors.Is(err, bundler.ErrDisallowedAccess):
			status, code = fiber.StatusForbidden, "disallowed_access"
		case errors.Is(err, registry.ErrFileNotFound), errors.Is(err, linker.ErrNotFound):
			status, code = fiber.StatusNotFound, "file_not_found"
		case errors.Is(err, bundler.ErrBuild):
			status, code = fiber.StatusInternalServerError, "build_failed"
		default:
			var fiberErr *fiber.Error
			if errors.As(err, &fiberErr) {
				status = fiberErr.Code
			}
		}

		logger.WithFields(logrus.Fields{
			"action":     "request_error",
			"request_id": RequestID(c),
			"path":       c.Path(),
			"status":     status,
		}).WithError(err).Warn("request failed")

		return c.Status(status).JSON(fiber.Map{
			"error":  code,
			"detail": err.Error(),
		})
	}
}
