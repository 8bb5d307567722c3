package main

import (
	"bytes"
	"strings"
	"testing"
)

const validConfig = `ListenPort = 5000
StoragePath = "./storage"
RegistryURL = "https://registry.npmjs.org"
Source = "registry"
UpstreamTimeout = "30s"

[Alias]
underscore = "lodash"
`

func TestParseCLIFlagsPriority(t *testing.T) {
	t.Setenv("ESM_HUB_CONFIG", "/tmp/env.toml")

	opts, err := parseCLIFlags([]string{})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/env.toml" {
		t.Fatalf("应优先使用环境变量，得到 %s", opts.configPath)
	}

	opts, err = parseCLIFlags([]string{"--config", "/tmp/flag.toml"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/flag.toml" {
		t.Fatalf("flag 应高于环境变量，得到 %s", opts.configPath)
	}
}

func TestRunCheckConfigSuccess(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, validConfig), checkOnly: true})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d", code)
	}
}

func TestRunCheckConfigRejectsRemoteSource(t *testing.T) {
	useBufferWriters(t)
	remote := strings.Replace(validConfig, `Source = "registry"`, `Source = "remote"`, 1)
	code := run(cliOptions{configPath: configFixture(t, remote), checkOnly: true})
	if code == 0 {
		t.Fatal("remote 来源应在启动前被拒绝")
	}
}

func TestRunCheckConfigFailure(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: "/nonexistent/config.toml", checkOnly: true})
	if code == 0 {
		t.Fatal("无效配置应返回非零退出码")
	}
}

func TestRunVersionOutput(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{showVersion: true})
	if code != 0 {
		t.Fatalf("version 模式应成功退出，得到 %d", code)
	}
	if !strings.Contains(stdOut.(*bytes.Buffer).String(), "esm-hub") {
		t.Fatal("version 输出应包含 esm-hub 标识")
	}
}
