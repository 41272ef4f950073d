package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/coursebridge/assignments-backend/internal/app"
)

func main() {
	_ = godotenv.Load()

	var dryRun bool
	flag.BoolVar(&dryRun, "dry-run", false, "log expiration verdicts without committing")
	flag.Parse()

	application, err := app.New()
	if err != nil {
		fmt.Printf("init app: %v\n", err)
		os.Exit(1)
	}
	defer application.Close()

	res, err := application.Services.Sweeps.ExpireAssignments(context.Background(), dryRun)
	if err != nil {
		fmt.Printf("expire sweep: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("configurations=%d scanned=%d expired=%d pii_cleared=%d failed=%d dry_run=%v\n",
		res.Configurations, res.Scanned, res.Expired, res.PIICleared, res.Failed, dryRun)
	if res.Failed > 0 {
		os.Exit(1)
	}
}
