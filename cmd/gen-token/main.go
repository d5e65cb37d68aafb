package main

import (
	"fmt"
	"log"
	"os"

	"github.com/edvisortech/voice-bridge/pkg/auth"
	"github.com/edvisortech/voice-bridge/pkg/env"
)

// Mints a service token for the internal ops API. Intended for the CRM
// backend deploy pipeline and for manual curl sessions.
func main() {
	cfg, err := env.Load(".env")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET is not set")
	}

	serviceID := "crm-backend"
	role := "operator"
	if len(os.Args) > 1 {
		serviceID = os.Args[1]
	}
	if len(os.Args) > 2 {
		role = os.Args[2]
	}

	token, expiresAt, err := auth.GenerateServiceToken(
		serviceID, role, cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience, 60)
	if err != nil {
		log.Fatalf("Failed to generate token: %v", err)
	}

	fmt.Printf("✅ Token generated!\n")
	fmt.Printf("   Service: %s\n", serviceID)
	fmt.Printf("   Role: %s\n", role)
	fmt.Printf("   Expires: %s\n", expiresAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("\nAuthorization: Bearer %s\n", token)
}
