package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/coursebridge/assignments-backend/internal/app"
)

func main() {
	_ = godotenv.Load()

	application, err := app.New()
	if err != nil {
		fmt.Printf("init app: %v\n", err)
		os.Exit(1)
	}
	defer application.Close()

	res, err := application.Services.Sweeps.ClearExpiredPII(context.Background())
	if err != nil {
		fmt.Printf("clear pii sweep: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("scanned=%d cleared=%d failed=%d\n", res.Scanned, res.Cleared, res.Failed)
	if res.Failed > 0 {
		os.Exit(1)
	}
}
