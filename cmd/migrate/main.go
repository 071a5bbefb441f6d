package main

import (
	"errors"
	"flag"
	"log"

	"github.com/joho/godotenv"

	"github.com/arklim/social-platform-verification/internal/infra/config"
	"github.com/arklim/social-platform-verification/internal/infra/database"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up or down")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := database.RunMigrations(cfg.Postgres.DSN(), *direction); err != nil && !errors.Is(err, database.ErrNoChange) {
		log.Fatalf("migrations failed: %v", err)
	}
	log.Printf("migrations applied (%s)", *direction)
}
