package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/sonirico/libstem"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	addr := flag.String("addr", "", "listen address, overrides hub.addr")
	flag.Parse()

	cfg := libstem.DefaultConfig()
	if *configPath != "" {
		loaded, err := libstem.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot load config: %s\n", err)
			os.Exit(1)
		}
		cfg = *loaded
	}
	if *addr != "" {
		cfg.Hub.Addr = *addr
	}

	logger, err := libstem.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log config: %s\n", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scope := libstem.NewMemoryStorage()
	defer scope.Close()

	hub := libstem.NewHub(
		cfg.Hub,
		scope,
		libstem.WithHubLogger(logger),
		libstem.WithHubMetrics(libstem.NewMetrics(reg), reg),
	)

	if err := hub.ListenAndServe(ctx); err != nil {
		logger.Errorf("hub stopped: %s", err)
		os.Exit(1)
	}
}
