// Package registry 封装 npm registry 的 packument 获取、文件下载与版本解析。
// 客户端在进程生命周期内缓存 packument 与解析结果；registry 发布的版本不可变，
// 因此缓存永不失效。
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/esm-hub/esm-hub/internal/config"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// Packument 是 registry 返回的包元数据中本服务需要的子集。
type Packument struct {
	Name     string                      `json:"name"`
	DistTags map[string]string           `json:"dist-tags"`
	Versions map[string]PackumentVersion `json:"versions"`
}

// PackumentVersion 记录单个版本的入口字段，打包路径据此选择 entry。
type PackumentVersion struct {
	Version string `json:"version"`
	Main    string `json:"main"`
	Module  string `json:"module"`
}

// Client 是 registry 上游客户端。当 localRoot 非空且未被环境开关禁用时，
// 文件读取会优先命中本地安装副本。
type Client struct {
	base      *url.URL
	http      *http.Client
	logger    *logrus.Logger
	localRoot string

	packuments sync.Map // name -> *Packument
}

// NewClient 根据全局配置构建共享客户端。ESM_HUB_NO_LOCAL=1 时强制仅走 registry。
func NewClient(cfg *config.Config, logger *logrus.Logger) (*Client, error) {
	base, err := url.Parse(cfg.Global.RegistryURL)
	if err != nil {
		return nil, fmt.Errorf("解析 registry 地址失败: %w", err)
	}

	timeout := cfg.Global.UpstreamTimeout.DurationValue()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	localRoot := ""
	if cfg.Global.WorkDir != "" && os.Getenv(config.NoLocalEnv) != "1" {
		localRoot = filepath.Join(cfg.Global.WorkDir, "node_modules")
	}

	return &Client{
		base: base,
		http: &http.Client{
			Timeout:   timeout,
			Transport: defaultTransport.Clone(),
		},
		logger:    logger,
		localRoot: localRoot,
	}, nil
}

// Packument 获取并缓存包元数据。
func (c *Client) Packument(ctx context.Context, name string) (*Packument, error) {
	if cached, ok := c.packuments.Load(name); ok {
		return cached.(*Packument), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(escapeName(name)), http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("package %s not found", name)
	default:
		return nil, fmt.Errorf("registry status %d for %s", resp.StatusCode, name)
	}

	var pack Packument
	if err := json.NewDecoder(resp.Body).Decode(&pack); err != nil {
		return nil, fmt.Errorf("decode packument: %w", err)
	}
	if pack.Name == "" {
		pack.Name = name
	}

	c.packuments.Store(name, &pack)
	return &pack, nil
}

// FetchFile 返回已发布文件的字节。路径必须是包内相对路径；
// 越界路径在上层打包管线里已被 scope guard 拦截，这里只做兜底清理。
func (c *Client) FetchFile(ctx context.Context, name, version, path string) ([]byte, error) {
	clean := strings.TrimPrefix(path, "/")
	if clean == "" || strings.Contains(clean, "..") {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}

	if body, ok := c.readLocal(name, version, clean); ok {
		return body, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.endpoint(fmt.Sprintf("%s@%s", escapeName(name), version), clean), http.NoBody)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return io.ReadAll(resp.Body)
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s@%s/%s", ErrFileNotFound, name, version, clean)
	default:
		return nil, fmt.Errorf("registry status %d for %s@%s/%s", resp.StatusCode, name, version, clean)
	}
}

// readLocal 尝试读取本地安装副本，版本不匹配或越界时静默回退 registry。
func (c *Client) readLocal(name, version, clean string) ([]byte, bool) {
	if c.localRoot == "" {
		return nil, false
	}

	pkgRoot := filepath.Join(c.localRoot, filepath.FromSlash(name))
	if !c.localVersionMatches(pkgRoot, version) {
		return nil, false
	}

	filePath := filepath.Join(pkgRoot, filepath.FromSlash(clean))
	if !strings.HasPrefix(filePath, pkgRoot+string(filepath.Separator)) {
		return nil, false
	}

	body, err := os.ReadFile(filePath)
	if err != nil {
		return nil, false
	}
	return body, true
}

func (c *Client) localVersionMatches(pkgRoot, version string) bool {
	raw, err := os.ReadFile(filepath.Join(pkgRoot, "package.json"))
	if err != nil {
		return false
	}
	var manifest struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return false
	}
	return manifest.Version == version
}

// endpoint 以裸字符串拼接 URL，避免 JoinPath 对 %2F 的二次转义。
func (c *Client) endpoint(parts ...string) string {
	return strings.TrimSuffix(c.base.String(), "/") + "/" + strings.Join(parts, "/")
}

// escapeName 将 scoped 包名转换为 registry URL 段（@scope/name -> @scope%2Fname）。
func escapeName(name string) string {
	return strings.ReplaceAll(name, "/", "%2F")
}
