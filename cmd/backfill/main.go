package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/wnt/oracle/internal/config"
	"github.com/wnt/oracle/internal/store"
)

// backfill seeds the K_wallet and token-scorer queues directly against
// the database, for priming a fresh deployment without going through
// the admin HTTP API (spec §6 "POST /api/v1/admin/k-wallet/backfill",
// same semantics, direct-to-store).
func main() {
	envFile := flag.String("envFile", ".env", "Path to .env file")
	walletsFlag := flag.String("wallets", "", "Comma-separated wallet addresses to enqueue for K_wallet scoring")
	mintsFlag := flag.String("mints", "", "Comma-separated token mints to enqueue for token scoring")
	priority := flag.Int("priority", 1, "Queue priority for enqueued items")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		fmt.Printf("no .env file found at %s, using environment variables\n", *envFile)
	}

	wallets := splitNonEmpty(*walletsFlag)
	mints := splitNonEmpty(*mintsFlag)
	if len(wallets) == 0 && len(mints) == 0 {
		fmt.Println("Usage: backfill -wallets <addr1,addr2,...> -mints <mint1,mint2,...>")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("invalid configuration: %v\n", err)
		os.Exit(1)
	}

	db, err := store.Connect(cfg.DBPath)
	if err != nil {
		fmt.Printf("failed to open database: %v\n", err)
		os.Exit(1)
	}
	s := store.New(db)
	ctx := context.Background()

	walletCount := 0
	for _, addr := range wallets {
		if err := s.EnqueueKWallet(ctx, addr, *priority); err != nil {
			fmt.Printf("failed to enqueue wallet %s: %v\n", addr, err)
			continue
		}
		walletCount++
	}

	mintCount := 0
	for _, mint := range mints {
		if err := s.EnqueueToken(ctx, mint, *priority); err != nil {
			fmt.Printf("failed to enqueue mint %s: %v\n", mint, err)
			continue
		}
		mintCount++
	}

	fmt.Printf("enqueued %d/%d wallets and %d/%d mints\n", walletCount, len(wallets), mintCount, len(mints))
}

func splitNonEmpty(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
