package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/Ar7hurz1nh0/reverse-proxy/internal/config"
	"github.com/Ar7hurz1nh0/reverse-proxy/internal/obs"
	"github.com/Ar7hurz1nh0/reverse-proxy/internal/ratelimit"
)

func main() {
	flag.Parse()
	if flags.Debug {
		obs.EnableDebug(true)
	}
	cfg, err := config.LoadRedirector(flags.ConfigPath)
	if err != nil {
		obs.Error("config.load", obs.Fields{"err": err.Error(), "path": flags.ConfigPath})
		os.Exit(1)
	}
	obs.Info("redirector.start", obs.Fields{"listen": cfg.Listen, "metrics": flags.MetricsAddr})

	store, err := newSessionStore(flags.RedisAddr, flags.RedisPassword, flags.RedisDB)
	if err != nil {
		obs.Error("state.init", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrlLn, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Listen))
	if err != nil {
		obs.Error("listen.control", obs.Fields{"err": err.Error(), "port": cfg.Listen})
		os.Exit(1)
	}
	defer ctrlLn.Close()

	go startMetricsServer(flags.MetricsAddr, store)

	var limiter *ratelimit.AcceptLimiter
	if cfg.AcceptRate > 0 {
		limiter = ratelimit.NewAcceptLimiter(cfg.AcceptRate, cfg.AcceptBurst)
	}

	go func() {
		<-ctx.Done()
		obs.Info("redirector.shutdown.signal", obs.Fields{})
		store.setClosing(true)
		_ = ctrlLn.Close()
	}()

	store.setReady(true)
	obs.Info("redirector.ready", obs.Fields{})

	// One control session at a time; a new connection is handled only after
	// the previous session has torn down.
	for {
		conn, err := ctrlLn.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				obs.Error("accept.control.timeout", obs.Fields{"err": err.Error()})
				continue
			}
			obs.Error("accept.control", obs.Fields{"err": err.Error()})
			break
		}
		runControl(ctx, conn, cfg, store, limiter)
	}
	obs.Info("redirector.shutdown.complete", obs.Fields{})
}
