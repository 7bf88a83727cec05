package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/colloquyhq/colloquy-live/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	defer stop()

	a, err := app.New(ctx, nil)
	if err != nil {
		log.Fatalf("init: %v", err)
	}

	if err := a.Run(); err != nil {
		log.Fatalf("run: %v", err)
	}
}
