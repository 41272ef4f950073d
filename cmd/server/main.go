package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

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

	application.Start()
	application.Log.Info("assignments service running")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	sig := <-stop
	application.Log.Info("shutting down", "signal", sig.String())
	application.Close()
}
