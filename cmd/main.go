package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/istar1978/freeswitch-ai-robot/internal/app"
	"github.com/istar1978/freeswitch-ai-robot/internal/config"
	"github.com/istar1978/freeswitch-ai-robot/internal/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	var log = logger.New(cfg.Log.Level)
	if cfg.Log.Console {
		log = logger.NewConsole(cfg.Log.Level)
	}
	log.Info().Str("instance", cfg.FreeSWITCH.InstanceID).Msg("FreeSWITCH AI机器人启动中")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("初始化失败")
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("运行失败")
	}
	log.Info().Msg("已退出")
}
