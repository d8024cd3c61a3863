package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/yungbote/dalston/internal/app"
)

func main() {
	a, err := app.New()
	if err != nil {
		fmt.Printf("Failed to initialize app: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		a.Log.Error("failed to start background components", "error", err)
		os.Exit(1)
	}

	go func() {
		<-ctx.Done()
		a.Log.Info("shutting down")
		_ = a.Close()
	}()

	addr := ":" + a.Cfg.Port
	a.Log.Info("server listening", "addr", addr)
	if err := a.Run(addr); err != nil {
		a.Log.Warn("server stopped", "error", err)
	}
}
