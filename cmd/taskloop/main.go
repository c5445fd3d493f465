package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"taskloop/internal/app"
	"taskloop/internal/demo"
	logx "taskloop/pkg/logx"
	"taskloop/pkg/systemd"
)

func main() {
	var cfgPath, demoName string
	flag.StringVar(&cfgPath, "config", "", "path to config (json or yaml); empty runs on defaults")
	flag.StringVar(&demoName, "demo", "none", "run a demo and exit: "+strings.Join(demo.Names(), "|")+"|none")
	flag.Parse()

	sigCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(sigCtx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}
	log := a.Logger()
	if _, err := systemd.Ready(); err != nil {
		log.Warn("sd_notify ready failed", logx.Err(err))
	}
	_, _ = systemd.Status("running")

	reason, runErr := run(sigCtx, a, demoName)
	if reason == app.StopFatalError {
		log.Error("fatal error", logx.Err(runErr))
	}

	_, _ = systemd.Status("stopping: " + string(reason))
	_, _ = systemd.Stopping()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if runErr != nil {
		os.Exit(1)
	}
}

// run blocks until a signal arrives, the app fails or the demo finishes.
func run(sigCtx context.Context, a *app.App, demoName string) (app.StopReason, error) {
	runCtx, stop := context.WithCancel(sigCtx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error { return systemd.Watchdog(gctx) })

	demoDone := false
	if name := strings.TrimSpace(demoName); name != "" && name != "none" {
		g.Go(func() error {
			defer stop()
			if err := demo.Run(gctx, name, a.Engine(), os.Stdout, demo.Options{}); err != nil {
				return fmt.Errorf("demo %s: %w", name, err)
			}
			demoDone = true
			return nil
		})
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-a.Done():
			stop()
			return a.Err()
		}
	})

	err := g.Wait()
	switch {
	case err != nil && !errors.Is(err, context.Canceled):
		return app.StopFatalError, err
	case sigCtx.Err() != nil:
		return app.StopSignal, nil
	case demoDone:
		return app.StopDemoDone, nil
	default:
		return app.StopAppStop, nil
	}
}
