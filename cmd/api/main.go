package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/arklim/social-platform-verification/internal/infra/app"
	"github.com/arklim/social-platform-verification/internal/infra/config"
)

func main() {
	envFile := flag.String("env-file", ".env", "optional dotenv file loaded before the environment is read")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		log.Printf("ignoring env file %s: %v", *envFile, err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orchestrator, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to init verification service: %v", err)
	}

	if err := orchestrator.Run(ctx); err != nil {
		log.Printf("verification service stopped: %v", err)
		os.Exit(1)
	}
}
