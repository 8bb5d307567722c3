// Package logging 配置 esm-hub 的结构化日志：logrus JSON 输出，按需接入
// lumberjack 滚动文件。日志文件不可用不阻止服务启动，降级 stdout 继续运行。
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/esm-hub/esm-hub/internal/config"
)

// InitLogger 根据全局配置构建进程唯一的 logger 实例。
func InitLogger(cfg config.GlobalConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("无法解析日志级别 %q: %w", cfg.LogLevel, err)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})

	output, fallbackErr := resolveOutput(cfg)
	logger.SetOutput(output)

	// 包级 logrus 与实例对齐，依赖库的全局日志走同一格式与输出。
	logrus.SetFormatter(logger.Formatter)
	logrus.SetOutput(logger.Out)
	logrus.SetLevel(level)

	if fallbackErr != nil {
		logger.WithFields(logrus.Fields{
			"action": "log_output_fallback",
			"path":   cfg.LogFilePath,
		}).Warn(fallbackErr.Error())
	}

	return logger, nil
}

// resolveOutput 决定日志去向：未配置文件路径走 stdout；配置了文件但目录
// 不可创建时降级 stdout，并把原因交给调用方记录。
func resolveOutput(cfg config.GlobalConfig) (io.Writer, error) {
	if cfg.LogFilePath == "" {
		return os.Stdout, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LogFilePath), 0o755); err != nil {
		return os.Stdout, fmt.Errorf("日志目录不可用，输出回退 stdout: %w", err)
	}

	return &lumberjack.Logger{
		Filename:   cfg.LogFilePath,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   cfg.LogCompress,
		LocalTime:  true,
	}, nil
}
