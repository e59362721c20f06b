package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Ar7hurz1nh0/reverse-proxy/internal/config"
	"github.com/Ar7hurz1nh0/reverse-proxy/internal/obs"
	"github.com/jpillora/backoff"
)

func main() {
	flag.Parse()
	if flags.Debug {
		obs.EnableDebug(true)
	}
	cfg, err := config.LoadStarter(flags.ConfigPath)
	if err != nil {
		obs.Error("config.load", obs.Fields{"err": err.Error(), "path": flags.ConfigPath})
		os.Exit(1)
	}
	obs.Info("starter.start", obs.Fields{"redirector": cfg.RedirectTo.String(), "ports": cfg.Ports()})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A changed config file is picked up for the next connect cycle; a live
	// control session is never disturbed.
	var current atomic.Pointer[config.Starter]
	current.Store(cfg)
	if err := config.Watch(ctx, flags.ConfigPath, func() {
		fresh, err := config.LoadStarter(flags.ConfigPath)
		if err != nil {
			obs.Error("config.reload", obs.Fields{"err": err.Error(), "path": flags.ConfigPath})
			return
		}
		current.Store(fresh)
		obs.Info("config.reloaded", obs.Fields{"ports": fresh.Ports()})
	}); err != nil {
		obs.Warn("config.watch", obs.Fields{"err": err.Error()})
	}

	retry := &backoff.Backoff{
		Min:    time.Duration(cfg.ReconnectDelaySeconds) * time.Second,
		Max:    time.Duration(cfg.ReconnectMaxSeconds) * time.Second,
		Jitter: true,
	}
	for ctx.Err() == nil {
		c := current.Load()
		started := time.Now()
		err := runOnce(ctx, c)
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			obs.Error("control.session", obs.Fields{"err": err.Error()})
		}
		// A session that held for a while was a working connection, so the
		// next failure starts from the base delay again.
		if time.Since(started) > time.Minute {
			retry.Reset()
		}
		d := retry.Duration()
		obs.ReconnectsTotal.Inc()
		obs.Info("control.reconnect", obs.Fields{"wait": d.String()})
		select {
		case <-time.After(d):
		case <-ctx.Done():
		}
	}
	obs.Info("starter.shutdown.complete", obs.Fields{})
}
