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
	var days int
	flag.BoolVar(&dryRun, "dry-run", false, "log nudge candidates without enqueueing emails")
	flag.IntVar(&days, "days-before-start", 30, "nudge courses starting exactly this many days out")
	flag.Parse()

	if days <= 0 {
		fmt.Println("days-before-start must be positive")
		os.Exit(1)
	}

	application, err := app.New()
	if err != nil {
		fmt.Printf("init app: %v\n", err)
		os.Exit(1)
	}
	defer application.Close()

	res, err := application.Services.Sweeps.NudgeAssignments(context.Background(), days, dryRun)
	if err != nil {
		fmt.Printf("nudge sweep: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("configurations=%d scanned=%d nudged=%d failed=%d days_before_start=%d dry_run=%v\n",
		res.Configurations, res.Scanned, res.Nudged, res.Failed, days, dryRun)
	if res.Failed > 0 {
		os.Exit(1)
	}
}
