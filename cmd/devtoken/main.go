package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/garyvish82-droid/hoodcup/internal/config"
	"github.com/garyvish82-droid/hoodcup/internal/pkg/jwt"
)

// devtoken mints access tokens signed with JWT_SECRET for local testing of
// the staff terminal and customer endpoints.
func main() {
	var (
		subject string
		role    string
		ttl     time.Duration
	)
	flag.StringVar(&subject, "sub", "terminal-dev", "Token subject (terminal name or customer account id)")
	flag.StringVar(&role, "role", jwt.RoleStaff, "Role: staff or customer")
	flag.DurationVar(&ttl, "ttl", 0, "Token lifetime (default JWT_ACCESS_TTL)")
	flag.Parse()

	cfg := config.Load()
	if cfg.IsProduction() {
		log.Fatal("devtoken refuses to run with ENV=production")
	}

	if role != jwt.RoleStaff && role != jwt.RoleCustomer {
		log.Fatalf("Unknown role %q", role)
	}
	if subject == "" {
		log.Fatal("Subject is required")
	}
	if ttl <= 0 {
		ttl = cfg.JWTAccessTTL
	}

	token, err := jwt.NewService(cfg.JWTSecret, ttl).GenerateAccessToken(subject, role)
	if err != nil {
		log.Fatalf("Failed to sign token: %v", err)
	}

	fmt.Fprintf(os.Stderr, "sub=%s role=%s expires=%s\n", subject, role, time.Now().Add(ttl).Format(time.RFC3339))
	fmt.Println(token)
}
