package main

import (
	"flag"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/smarttransit/rideshare-booking/internal/config"
	"github.com/smarttransit/rideshare-booking/pkg/jwt"
)

// issue-token mints an access token signed with JWT_SECRET for local testing
// against the booking API. Production tokens come from the identity service.
func main() {
	userFlag := flag.String("user", "", "user id (random when empty)")
	email := flag.String("email", "", "email claim")
	roles := flag.String("roles", "passenger", "comma-separated roles")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Server.Environment == "production" {
		log.Fatal("Refusing to mint tokens in production")
	}

	userID := uuid.New()
	if *userFlag != "" {
		if userID, err = uuid.Parse(*userFlag); err != nil {
			log.Fatalf("Invalid user id: %v", err)
		}
	}

	var roleList []string
	for _, r := range strings.Split(*roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roleList = append(roleList, r)
		}
	}

	token, err := jwt.NewService(cfg.JWT.Secret, cfg.JWT.AccessTokenExpiry).GenerateAccessToken(userID, *email, roleList)
	if err != nil {
		log.Fatalf("Failed to generate token: %v", err)
	}

	fmt.Printf("USER_ID=%s\n", userID)
	fmt.Printf("TOKEN=%s\n", token)
}
