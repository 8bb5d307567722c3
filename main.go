package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/esm-hub/esm-hub/internal/bundler"
	"github.com/esm-hub/esm-hub/internal/cache"
	"github.com/esm-hub/esm-hub/internal/config"
	"github.com/esm-hub/esm-hub/internal/linker"
	"github.com/esm-hub/esm-hub/internal/logging"
	"github.com/esm-hub/esm-hub/internal/registry"
	"github.com/esm-hub/esm-hub/internal/server"
	"github.com/esm-hub/esm-hub/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["aliases"] = len(cfg.Alias)
		fields["registry"] = cfg.Global.RegistryURL
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → registry 客户端 → 磁盘缓存 → 构建器 → Fiber server，
	// 所有请求共享同一份缓存与定版记忆。
	client, err := registry.NewClient(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化 registry 客户端失败: %v\n", err)
		return 1
	}
	resolver := registry.NewResolver(client)

	store, err := cache.NewStore(cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}
	manager := cache.NewManager(store, logger)
	defer manager.Close()

	builder := bundler.NewBuilder(cfg, client, linker.New(), manager, logger)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["aliases"] = len(cfg.Alias)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["registry"] = cfg.Global.RegistryURL
	fields["optimize"] = cfg.Global.Optimize
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, resolver, builder, manager, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("esm-hub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 ESM_HUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("ESM_HUB_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(cfg *config.Config, resolver *registry.Resolver, builder *bundler.Builder, manager *cache.Manager, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:         logger,
		Resolver:       resolver,
		Builder:        builder,
		Cache:          manager,
		PipelineStages: builder.Pipeline().Names(),
		Optimize:       cfg.Global.Optimize,
		ListenPort:     port,
	})
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
