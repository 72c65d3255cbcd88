package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"

	"github.com/lk2023060901/jiscord-gateway/application"
	"github.com/lk2023060901/jiscord-gateway/pkg/log"
)

// 配置文件查找顺序：./config.yaml、GATEWAY_CONFIG_FILE_PATH、--config <path>。
func main() {
	if err := application.InitGlobalLoggerFromEnv(); err != nil {
		log.Error("init logger failed", zap.Error(err))
		os.Exit(1)
	}

	cfg, v, err := application.LoadConfig(os.Args[1:])
	if err != nil {
		log.Error("load config failed", zap.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.New(cfg, v).Run(ctx); err != nil {
		log.Error("gateway exited with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}
