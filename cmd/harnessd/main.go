// harnessd runs a harness with the WebSocket bridge exposed, so a browser or
// external load driver can join the simulated fleet during debugging.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"loomboard/harness"
	"loomboard/harness/internal/config"
	"loomboard/harness/internal/logging"
	"loomboard/harness/internal/wsbridge"
)

func main() {
	addr := flag.String("addr", ":8089", "listen address for the bridge endpoint")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	level, _ := logging.ParseLevel(cfg.Logging.Level)
	logger := logging.New(level, os.Stdout)
	logging.ReplaceGlobals(logger)

	h, err := harness.New(harness.Options{Config: cfg, Logger: logger})
	if err != nil {
		logger.Error("harness wiring failed", logging.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := h.Start(ctx); err != nil {
		logger.Error("harness start failed", logging.Error(err))
		os.Exit(1)
	}

	bridge := wsbridge.New(h.Broker(), wsbridge.Options{Logger: logger})
	mux := http.NewServeMux()
	bridge.Attach(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "ok")
	})

	server := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = server.Shutdown(context.Background())
	}()

	logger.Info("bridge listening", logging.String("addr", *addr), logging.String(logging.RunIDField, h.RunID()))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("bridge server failed", logging.Error(err))
	}
	if err := h.Stop(); err != nil {
		logger.Error("harness stop failed", logging.Error(err))
	}
}
