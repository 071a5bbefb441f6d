// Command devtoken mints owner bearer tokens from the local development key directory.
package main

import (
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/arklim/social-platform-verification/internal/infra/config"
	"github.com/arklim/social-platform-verification/internal/infra/security"
)

func main() {
	userID := flag.String("user", "", "owner user id to embed in the token")
	kid := flag.String("kid", "dev", "key id of the signing key (file name without extension)")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	scopes := flag.String("scopes", "verification:write", "comma separated scopes")
	flag.Parse()

	if strings.TrimSpace(*userID) == "" {
		log.Fatal("-user is required")
	}

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.App.Env == "production" || cfg.App.Env == "staging" {
		log.Fatalf("refusing to mint tokens in %s", cfg.App.Env)
	}

	provider, err := security.NewKeyProvider(cfg.App.Env, cfg.JWT.KeyDirectory)
	if err != nil {
		log.Fatalf("failed to load keys: %v", err)
	}
	manager := security.NewJWTManager(provider, security.JWTManagerOptions{
		Issuer:   cfg.JWT.Issuer,
		Audience: cfg.JWT.Audience,
		Leeway:   cfg.JWT.Leeway,
	})

	var audience []string
	if cfg.JWT.Audience != "" {
		audience = []string{cfg.JWT.Audience}
	}

	token, err := manager.SignOwnerToken(*kid, security.OwnerTokenOptions{
		UserID:   *userID,
		Scopes:   strings.Split(*scopes, ","),
		Issuer:   cfg.JWT.Issuer,
		Audience: audience,
		TTL:      *ttl,
	})
	if err != nil {
		log.Fatalf("failed to sign token: %v", err)
	}

	fmt.Println(token)
}
