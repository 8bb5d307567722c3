package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// SourceKind 标识包文件的获取来源。当前仅支持 npm registry，
// 其余取值会在配置校验阶段直接失败。
type SourceKind string

const (
	SourceRegistry SourceKind = "registry"
	SourceRemote   SourceKind = "remote"
)

// GlobalConfig 描述全局运行时行为，整个进程共享同一份参数。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	RegistryURL     string   `mapstructure:"RegistryURL"`
	Source          string   `mapstructure:"Source"`
	Optimize        bool     `mapstructure:"Optimize"`
	WorkDir         string   `mapstructure:"WorkDir"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
}

// Config 是 TOML 文件映射的整体结构。Alias 表将裸导入名重映射到
// 另一个包名，在构建管线的 alias 阶段生效。
type Config struct {
	Global GlobalConfig      `mapstructure:",squash"`
	Alias  map[string]string `mapstructure:"Alias"`
}

// SourceKindValue 返回归一化后的来源类型（假定 Validate 已通过）。
func (g GlobalConfig) SourceKindValue() SourceKind {
	return SourceKind(strings.ToLower(strings.TrimSpace(g.Source)))
}

// NoLocalEnv 是禁用本地 node_modules 解析的环境开关名。
const NoLocalEnv = "ESM_HUB_NO_LOCAL"
