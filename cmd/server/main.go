package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/calliopebot/calliope/internal/app"
)

func main() {
	a, err := app.New()
	if err != nil {
		fmt.Printf("failed to start: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	a.Start()

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Run(a.Cfg.Addr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			a.Log.Error("server stopped", "error", err.Error())
			os.Exit(1)
		}
	case sig := <-sigCh:
		a.Log.Info("shutting down", "signal", sig.String())
	}
}
