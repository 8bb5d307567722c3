package server

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/esm-hub/esm-hub/internal/bundler"
	"github.com/esm-hub/esm-hub/internal/cache"
	"github.com/esm-hub/esm-hub/internal/config"
	"github.com/esm-hub/esm-hub/internal/linker"
	"github.com/esm-hub/esm-hub/internal/registry"
	"github.com/esm-hub/esm-hub/internal/specifier"
)

func TestServeBundlesUncachedModule(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.app.Test(httptest.NewRequest("GET", "/left-pad@1.3.0/index.js", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != specifier.ModuleContentType {
		t.Fatalf("wrong content type: %s", ct)
	}
	if resp.Header.Get("ETag") == "" {
		t.Fatal("missing ETag header")
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("missing X-Request-ID header")
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "export default __entry.default;") {
		t.Fatalf("body is not a flattened module:\n%s", body)
	}
}

func TestServeConditionalRequestShortCircuits(t *testing.T) {
	env := newTestEnv(t)

	first, err := env.app.Test(httptest.NewRequest("GET", "/left-pad@1.3.0/index.js", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	etag := first.Header.Get("ETag")
	if etag == "" {
		t.Fatal("missing ETag on first response")
	}
	if got := env.builds.Load(); got != 1 {
		t.Fatalf("expected one build, got %d", got)
	}

	req := httptest.NewRequest("GET", "/left-pad@1.3.0/index.js", nil)
	req.Header.Set("If-None-Match", etag)
	second, err := env.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if second.StatusCode != fiber.StatusNotModified {
		t.Fatalf("expected 304, got %d", second.StatusCode)
	}
	body, _ := io.ReadAll(second.Body)
	if len(body) != 0 {
		t.Fatalf("304 body must be empty, got %q", body)
	}
	// 条件命中不得触发缓存查找之外的任何构建。
	if got := env.builds.Load(); got != 1 {
		t.Fatalf("conditional hit triggered a build: %d", got)
	}

	// 压缩变体的验证器带编码后缀，剥掉后仍命中。
	req = httptest.NewRequest("GET", "/left-pad@1.3.0/index.js", nil)
	req.Header.Set("If-None-Match", `"`+etag+`-gz"`)
	third, err := env.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if third.StatusCode != fiber.StatusNotModified {
		t.Fatalf("expected 304 for decorated validator, got %d", third.StatusCode)
	}
}

func TestServeRawAsset(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.app.Test(httptest.NewRequest("GET", "/some-pkg/theme.css", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/css" {
		t.Fatalf("wrong content type: %s", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "body { margin: 0; }" {
		t.Fatalf("raw asset bytes altered: %s", body)
	}
}

func TestServeAssetAsProxyModule(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.app.Test(httptest.NewRequest("GET", "/some-pkg/theme.css?module", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != specifier.ModuleContentType {
		t.Fatalf("proxy module must be served as JS: %s", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	want := "import loader from \"/__esm_hub/style-loader.js\";\n" +
		"loader(\"/@npm/some-pkg/theme.css\");\n"
	if string(body) != want {
		t.Fatalf("proxy module mismatch:\ngot:\n%swant:\n%s", body, want)
	}
}

func TestServeSecondRequestHitsCache(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 2; i++ {
		resp, err := env.app.Test(httptest.NewRequest("GET", "/left-pad@1.3.0/index.js", nil))
		if err != nil {
			t.Fatalf("app.Test #%d failed: %v", i, err)
		}
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("expected 200 on request #%d, got %d", i, resp.StatusCode)
		}
	}
	if got := env.builds.Load(); got != 1 {
		t.Fatalf("cache hit rebuilt the bundle: %d builds", got)
	}
}

func TestServeReschedulesCompressionOnVariantlessHit(t *testing.T) {
	env := newTestEnv(t)

	// miss 构建后调度一次；命中时条目仍无变体（调度被测试桩吞掉），再补一次。
	for i := 0; i < 2; i++ {
		resp, err := env.app.Test(httptest.NewRequest("GET", "/left-pad@1.3.0/index.js", nil))
		if err != nil {
			t.Fatalf("app.Test #%d failed: %v", i, err)
		}
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("expected 200 on request #%d, got %d", i, resp.StatusCode)
		}
	}
	if got := env.enqueued.Load(); got != 2 {
		t.Fatalf("expected compression scheduled on miss and on variant-less hit, got %d", got)
	}
	if got := env.builds.Load(); got != 1 {
		t.Fatalf("hit path must not rebuild: %d", got)
	}
}

func TestServeMalformedSpecifier(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.app.Test(httptest.NewRequest("GET", "/_bad/index.js", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "malformed_specifier") {
		t.Fatalf("unexpected error body: %s", body)
	}
}

func TestServeUnresolvedVersion(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.app.Test(httptest.NewRequest("GET", "/ghost-pkg@9.9.9/index.js", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "version_unresolved") {
		t.Fatalf("unexpected error body: %s", body)
	}
}

func TestServeGuardViolationReturns403(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.app.Test(httptest.NewRequest("GET", "/escape-pkg@1.0.0", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "disallowed_access") {
		t.Fatalf("unexpected error body: %s", body)
	}
}

func TestDiagnosticsListsPipelineStages(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.app.Test(httptest.NewRequest("GET", "/-/pipeline", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	for _, stage := range []string{"fetch-guard", "cjs-to-esm", "no-treeshake"} {
		if !strings.Contains(string(body), stage) {
			t.Fatalf("stage %s missing from diagnostics: %s", stage, body)
		}
	}
	if !strings.Contains(string(body), "memory_entries") {
		t.Fatalf("cache stats missing from diagnostics: %s", body)
	}
}

func TestNormalizeETag(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`"abcd1234abcd1234"`, "abcd1234abcd1234"},
		{`W/"abcd1234abcd1234"`, "abcd1234abcd1234"},
		{"abcd1234abcd1234-gz", "abcd1234abcd1234"},
		{`"abcd1234abcd1234-br"`, "abcd1234abcd1234"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := normalizeETag(tt.raw); got != tt.want {
			t.Fatalf("normalizeETag(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

type testEnv struct {
	app      *fiber.App
	builds   *atomic.Int64
	enqueued *atomic.Int64
}

// newTestEnv 装配一个完整的内存交付栈：伪定版器、真实构建器与缓存。
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	source := &fakeSource{packages: map[string]map[string]string{
		"left-pad@1.3.0": {
			"package.json": `{"name":"left-pad","main":"index.js"}`,
			"index.js":     `module.exports = function leftPad(s) { return s; };`,
		},
		"some-pkg@2.0.0": {
			"theme.css": "body { margin: 0; }",
		},
		"escape-pkg@1.0.0": {
			"package.json": `{"main":"index.js"}`,
			"index.js":     `module.exports = require("../../outside");`,
		},
	}}
	resolver := &fakeResolver{versions: map[string]string{
		"left-pad@1.3.0":   "1.3.0",
		"some-pkg@":        "2.0.0",
		"escape-pkg@1.0.0": "1.0.0",
	}}

	cfg := &config.Config{Global: config.GlobalConfig{Source: string(config.SourceRegistry)}}
	manager := cache.NewManager(nil, logger)
	t.Cleanup(manager.Close)
	// 压缩调度只计数不转发，变体永不出现，断言不依赖后台 worker 时序。
	recording := &recordingCache{Manager: manager}

	real := bundler.NewBuilder(cfg, source, linker.New(), manager, logger)
	counting := &countingBuilder{inner: real}

	app, err := NewApp(AppOptions{
		Logger:         logger,
		Resolver:       resolver,
		Builder:        counting,
		Cache:          recording,
		PipelineStages: real.Pipeline().Names(),
		Optimize:       true,
		ListenPort:     5000,
	})
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}
	return &testEnv{app: app, builds: &counting.builds, enqueued: &recording.enqueued}
}

// recordingCache 记录压缩调度次数，其余操作透传给真实 Manager。
type recordingCache struct {
	*cache.Manager
	enqueued atomic.Int64
}

func (r *recordingCache) EnqueueCompression(key string) {
	r.enqueued.Add(1)
}

type fakeResolver struct {
	versions map[string]string
}

func (r *fakeResolver) Resolve(ctx context.Context, name, constraint string) (string, error) {
	if version, ok := r.versions[name+"@"+constraint]; ok {
		return version, nil
	}
	return "", &registry.ResolveError{Name: name, Constraint: constraint, Reason: "no matching version"}
}

type fakeSource struct {
	packages map[string]map[string]string
}

func (s *fakeSource) FetchFile(ctx context.Context, name, version, p string) ([]byte, error) {
	files, ok := s.packages[name+"@"+version]
	if !ok {
		return nil, registry.ErrFileNotFound
	}
	body, ok := files[p]
	if !ok {
		return nil, registry.ErrFileNotFound
	}
	return []byte(body), nil
}

type countingBuilder struct {
	inner  BundleBuilder
	builds atomic.Int64
}

func (b *countingBuilder) Build(ctx context.Context, spec specifier.Specifier, version string) (*bundler.Result, error) {
	b.builds.Add(1)
	return b.inner.Build(ctx, spec, version)
}
