package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"bastion-backend/pkg/config"
	"bastion-backend/pkg/logger"
	"bastion-backend/pkg/server"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	workDir, err := os.Getwd()
	if err != nil {
		log.Fatalf("Failed to resolve working directory: %v", err)
	}

	cfg, err := config.LoadServerConfig(*configPath, workDir)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	lg := logger.New(cfg.Log.Debug, cfg.Log.File)

	srv, err := server.New(cfg, lg.Base())
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	if err := srv.Stop(); err != nil {
		log.Fatalf("Failed to stop server: %v", err)
	}
}
