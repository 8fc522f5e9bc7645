package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"harvest/internal/asset"
	"harvest/internal/bulkfile"
	"harvest/internal/config"
	"harvest/internal/gateway/binance"
	"harvest/internal/gateway/database"
	"harvest/internal/ingest"
	"harvest/internal/logger"
	"harvest/internal/transport/http/admin"
)

func main() {
	configPath := flag.String("config", "harvest.toml", "配置文件路径")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Errorf("加载配置失败: %v", err)
		os.Exit(1)
	}
	logger.SetLevelByName(cfg.LogLevel)

	store, err := database.Open(cfg.DBPath)
	if err != nil {
		logger.Errorf("打开数据库失败: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	assets := make([]asset.Asset, 0, len(cfg.Assets))
	for _, a := range cfg.Assets {
		assets = append(assets, asset.Asset{Ticker: a.Ticker, Tier: a.Tier})
	}
	registry, err := asset.NewRegistry(assets)
	if err != nil {
		logger.Errorf("构建标的注册表失败: %v", err)
		os.Exit(1)
	}

	source, err := binance.New(cfg.BinanceConfig())
	if err != nil {
		logger.Errorf("初始化 Binance 数据源失败: %v", err)
		os.Exit(1)
	}
	defer source.Close()

	svc, err := ingest.NewService(ingest.ServiceConfig{
		Jobs:     store,
		Files:    store,
		Series:   store,
		Coverage: store,
		Gaps:     store,
		Registry: registry,
		Source:   source,
		BulkIndex: func(ctx context.Context) (map[string][]bulkfile.FileRef, error) {
			return bulkfile.ScanDir(cfg.BulkDir)
		},
		OpenTimes:    store,
		Retry:        cfg.RetryPolicy(),
		Workers:      cfg.Workers,
		OpTimeout:    cfg.OpTimeout(),
		GapRetention: cfg.GapRetention(),
	})
	if err != nil {
		logger.Errorf("初始化摄取服务失败: %v", err)
		os.Exit(1)
	}

	server, err := admin.NewHTTPServer(admin.HTTPConfig{
		Addr:   cfg.HTTPAddr,
		Router: admin.NewRouter(svc, source),
	})
	if err != nil {
		logger.Errorf("初始化 HTTP 服务失败: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx); err != nil {
		logger.Errorf("HTTP 服务异常退出: %v", err)
		os.Exit(1)
	}
	logger.Infof("已退出")
}
