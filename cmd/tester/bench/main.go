package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"outproxy_nexus/internal/shared/config"
	"outproxy_nexus/internal/shared/logger"
	"outproxy_nexus/internal/shared/settings"
	manager "outproxy_nexus/proxypool"
	"outproxy_nexus/proxypool/model"
	"outproxy_nexus/proxypool/scraper"
	"outproxy_nexus/proxypool/transport"
	"outproxy_nexus/proxypool/validator"
)

const (
	defaultConfigDir = "configs"
	iniConfigName    = "outproxy.ini"
)

// bench 是一次性的测试工具: 抓取目录 (或使用命令行给出的端点), 测试并打印排名。
func main() {
	configDir := flag.String("configdir", defaultConfigDir, "Path to config directory")
	endpoints := flag.String("endpoints", "", "Comma separated endpoints to test instead of fetching the directory, e.g. exit.stormycloud.i2p:4444")
	limit := flag.Int("n", 0, "Maximum number of endpoints to test (0 = batch_size from settings)")
	asJSON := flag.Bool("json", false, "Print results as JSON")
	flag.Parse()

	fmt.Println("--- Outproxy Nexus - Benchmark Tester ---")
	// 1. 加载 outproxy.ini 获取主配置
	iniPath := filepath.Join(*configDir, iniConfigName)
	appConfig := config.Default()
	if err := config.LoadIni(appConfig, iniPath); err != nil {
		log.Printf("Could not load %s (%v), using defaults.", iniPath, err)
		appConfig = config.Default()
	}

	// 2. 根据主配置初始化日志系统
	if err := logger.Init(appConfig.LogConf); err != nil {
		log.Fatalf("Error initializing logger: %v", err)
	}

	// 3. 运行参数: 有 settings.json 就用它, 否则用默认值, 都不会写回磁盘
	probe := settings.DefaultProbeSettings()
	if data, err := os.ReadFile(filepath.Join(*configDir, "settings.json")); err == nil {
		sm, err := settings.NewSettingsManagerFromJSON(data)
		if err != nil {
			logger.Fatal().Err(err).Msg("Invalid settings.json")
		}
		probe = sm.Get().Probe
	}
	if *limit <= 0 {
		*limit = probe.BatchSize
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 4. 确定待测端点
	var eps []model.Endpoint
	if *endpoints != "" {
		for _, s := range strings.Split(*endpoints, ",") {
			ep, err := model.ParseEndpoint(s)
			if err != nil {
				logger.Fatal().Err(err).Msg("Invalid endpoint")
			}
			eps = append(eps, ep)
		}
	} else {
		sc, err := scraper.NewDirectoryScraper(appConfig.DirectoryConf, appConfig.OverlayConf)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create directory scraper")
		}
		eps, err = sc.Fetch(ctx)
		if err != nil {
			logger.Fatal().Err(err).Str("directory", appConfig.DirectoryConf.URL).Msg("Directory fetch failed")
		}
		logger.Info().Int("count", len(eps)).Msg("Fetched endpoints from directory.")
	}
	if len(eps) > *limit {
		eps = eps[:*limit]
	}

	// 5. 测试
	v := validator.NewValidator(transport.NewFactory(appConfig.OverlayConf), validator.Options{
		ReferenceURL: probe.ReferenceURL,
		MinBytes:     probe.MinBytes,
		MaxBytes:     probe.MaxBytes,
		UserAgent:    appConfig.DirectoryConf.UserAgent,
	})
	measurements, err := v.RunBatch(ctx, eps, probe.Concurrency, probe.Timeout())
	if err != nil {
		logger.Fatal().Err(err).Msg("Benchmark failed")
	}
	results := manager.Summarize(measurements)

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			log.Fatalf("encode: %v", err)
		}
		return
	}
	printTable(results)
}

func printTable(results []manager.TestResult) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tENDPOINT\tRESULT\tTHROUGHPUT\tLATENCY")
	for i, r := range results {
		outcome := "ok"
		if !r.Success {
			outcome = r.Failure.String()
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%.1f KiB/s\t%d ms\n", i+1, r.Endpoint.Key(), outcome, r.Throughput/1024, r.LatencyMs)
	}
	tw.Flush()
}
