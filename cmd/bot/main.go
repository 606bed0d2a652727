package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "time/tzdata"

	"github.com/BruceKZ/cfreminder-bot/internal/app"
	logx "github.com/BruceKZ/cfreminder-bot/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to config (.json, .yaml, .yml); empty uses CFBOT_* environment only")
	flag.Parse()

	// Used until the configured logger exists, and for fatal exits.
	boot := logx.NewConsole(os.Getenv("CFBOT_LOG_LEVEL")).With(logx.String("comp", "main"))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		boot.Error("startup failed", logx.Err(err), logx.String("config", cfgPath))
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		boot.Error("start failed", logx.Err(err))
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = a.Stop(stopCtx, app.StopFatalError)
		stopCancel()
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	reason := app.StopSignal
	if ctx.Err() == nil {
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	err = errors.Join(a.Err(), a.Stop(stopCtx, reason))
	if reason == app.StopFatalError && err != nil {
		boot.Error("stopped on fatal error", logx.Err(err))
		stopCancel()
		os.Exit(1)
	}
}
