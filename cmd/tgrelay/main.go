package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"tgrelay/internal/app"
	"tgrelay/internal/config"
	"tgrelay/internal/relay"
	logx "tgrelay/pkg/logx"
	"tgrelay/pkg/systemd"
)

const stopTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	var (
		cfgPath    string
		sends      []string
		stdin      bool
		unbuffered bool
		check      bool
	)
	fs := pflag.NewFlagSet("tgrelay", pflag.ContinueOnError)
	fs.StringVarP(&cfgPath, "config", "c", "./tgrelay.yaml", "path to config (yaml or json)")
	fs.StringArrayVarP(&sends, "send", "s", nil, "send a message and exit (repeatable)")
	fs.BoolVar(&stdin, "stdin", false, "send one message per stdin line and exit")
	fs.BoolVarP(&unbuffered, "unbuffered", "u", false, "flush after every message")
	fs.BoolVar(&check, "check", false, "validate the config and exit")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	if check {
		if _, err := config.NewConfigManager(cfgPath).Load(); err != nil {
			fmt.Fprintln(os.Stderr, "config:", err)
			return 1
		}
		fmt.Println("config ok:", cfgPath)
		return 0
	}

	if len(sends) > 0 || stdin {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return oneShot(ctx, cfgPath, sends, stdin, !unbuffered)
	}
	return daemon(cfgPath)
}

func oneShot(ctx context.Context, cfgPath string, sends []string, stdin, buffered bool) int {
	a, err := app.New(cfgPath, app.WithOneShot())
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		return 1
	}

	var errs []error
	for _, text := range sends {
		if res := a.Notify(ctx, text, buffered); res.Outcome == relay.Failed {
			errs = append(errs, res.Err)
		}
	}
	if stdin {
		if _, err := a.ReadLines(ctx, os.Stdin, buffered); err != nil {
			errs = append(errs, err)
		}
	}
	if res := a.Flush(ctx); res.Outcome == relay.Failed {
		errs = append(errs, res.Err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	if err := a.Stop(stopCtx, app.StopOneShot); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		fmt.Fprintln(os.Stderr, "send failed:", err)
		return 1
	}
	return 0
}

func daemon(cfgPath string) int {
	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}
	log := a.Logger()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	if err := a.Start(context.Background()); err != nil {
		log.Error("start failed", logx.Err(err))
		return 1
	}
	if ok, err := systemd.Ready(); err != nil {
		log.Warn("sd_notify READY failed", logx.Err(err))
	} else if ok {
		log.Debug("notified systemd: ready")
	}

	var reason app.StopReason
	select {
	case s := <-sig:
		reason = app.StopSIGINT
		if s == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}
	_, _ = systemd.Stopping()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	stopErr := a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}
	if stopErr != nil {
		return 1
	}
	return 0
}
