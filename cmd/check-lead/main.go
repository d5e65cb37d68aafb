package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/edvisortech/voice-bridge/internal/bridge"
	"github.com/edvisortech/voice-bridge/pkg/env"
	"github.com/edvisortech/voice-bridge/pkg/mongo"
)

// Shows what lead context a caller phone number would resolve to,
// without placing a call. Handy when the agent greets someone by the
// wrong name.
func main() {
	if len(os.Args) < 2 {
		log.Fatalf("Usage: go run cmd/check-lead/main.go <phone_number>")
	}
	phone := os.Args[1]

	cfg, err := env.Load(".env")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	mongoClient, err := mongo.NewClient(cfg.MongoURI, cfg.DBName)
	if err != nil {
		log.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mongoClient.Disconnect(ctx)
	}()

	fmt.Println("========================================")
	fmt.Printf("Lead lookup for %s\n", phone)
	fmt.Println("========================================")
	fmt.Println()

	candidates := bridge.PhoneCandidates(phone)
	fmt.Println("Lookup candidates:")
	for _, c := range candidates {
		fmt.Printf("  %s\n", c)
	}
	fmt.Println()

	resolver := bridge.NewResolver(
		bridge.NewMongoLeadStore(mongoClient),
		cfg.LookupTimeoutMs,
		cfg.LookupWorkers,
		zap.NewNop(),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	leadCtx := resolver.Resolve(ctx, phone, nil)
	fmt.Println("Resolved context:")
	for k, v := range leadCtx {
		fmt.Printf("  %-22s %q\n", k, v)
	}
}
