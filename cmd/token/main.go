package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"chatcore/internal/auth"
	"chatcore/internal/config"
)

func main() {
	if len(os.Args) < 2 || len(os.Args) > 3 {
		fmt.Println("Usage: token <user-id> [role]")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	as, err := auth.NewAuthService(ctx, auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		TokenExpiry: cfg.TokenExpiry,
		Issuer:      cfg.TokenIssuer,
	})
	if err != nil {
		fmt.Printf("Error creating auth service: %v\n", err)
		os.Exit(1)
	}

	var role string
	if len(os.Args) == 3 {
		role = os.Args[2]
	}
	token, expiry, err := as.Issue(os.Args[1], role)
	if err != nil {
		fmt.Printf("Error issuing token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expiry.Format(time.RFC3339))
}
