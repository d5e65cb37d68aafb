package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/edvisortech/voice-bridge/pkg/carrier"
	"github.com/edvisortech/voice-bridge/pkg/env"
	"github.com/edvisortech/voice-bridge/pkg/validation"
)

// Places an outbound voicebot call through the carrier, connecting the
// answered leg to the bridge. Useful for end-to-end smoke tests.
func main() {
	if len(os.Args) < 2 {
		log.Fatalf("Usage: go run cmd/make-call/main.go <phone_number>")
	}

	cfg, err := env.Load(".env")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	target, err := validation.NormalizeE164(os.Args[1])
	if err != nil {
		log.Fatalf("Invalid phone number: %v", err)
	}

	if cfg.ExotelAccountSID == "" || cfg.ExotelAPIKey == "" {
		log.Fatalf("Carrier credentials not configured (EXOTEL_ACCOUNT_SID, EXOTEL_API_KEY, EXOTEL_API_TOKEN)")
	}

	fmt.Println("========================================")
	fmt.Printf("Placing call to %s\n", target)
	fmt.Println("========================================")

	client := carrier.NewClient(
		cfg.ExotelSubdomain,
		cfg.ExotelAccountSID,
		cfg.ExotelAPIKey,
		cfg.ExotelAPIToken,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var callbackURL string
	if cfg.BridgeBaseURL != "" {
		callbackURL = cfg.BridgeBaseURL + "/webhooks/carrier"
	}

	resp, err := client.ConnectCall(ctx, carrier.ConnectCallRequest{
		To:          target,
		CallerID:    cfg.ExotelExophone,
		CallbackURL: callbackURL,
	})
	if err != nil {
		log.Fatalf("Call failed: %v", err)
	}

	fmt.Println()
	fmt.Printf("Call SID:  %s\n", resp.Call.Sid)
	fmt.Printf("Status:    %s\n", resp.Call.Status)
	fmt.Printf("Direction: %s\n", resp.Call.Direction)
	fmt.Println()
	fmt.Println("Watch the bridge logs for the media stream connection.")
}
