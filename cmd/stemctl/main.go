package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/sonirico/libstem"
)

const usage = `usage: stemctl [-config file] <command> [args]

commands:
  emit <event> [arg...]   emit event; each arg is parsed as JSON, falling back to a string
  listen <event...>       print every delivery of the given events until interrupted
`

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	timeout := flag.Duration("timeout", 5*time.Second, "how long to wait for the hub to connect and to ack a write")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 {
		flag.Usage()
		os.Exit(2)
	}

	cfg := libstem.DefaultConfig()
	if *configPath != "" {
		loaded, err := libstem.LoadConfig(*configPath)
		if err != nil {
			fatalf("cannot load config: %s", err)
		}
		cfg = *loaded
	}

	logger, err := libstem.NewLogger(cfg.Log)
	if err != nil {
		fatalf("invalid log config: %s", err)
	}

	if cfg.Storage.Remote.ConnectTimeout <= 0 {
		cfg.Storage.Remote.ConnectTimeout = *timeout
	}
	if cfg.Storage.Remote.WriteTimeout <= 0 {
		cfg.Storage.Remote.WriteTimeout = *timeout
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storage, err := libstem.OpenStorage(ctx, cfg.Storage, logger)
	if err != nil {
		fatalf("cannot open %s storage: %s", cfg.Storage.Driver, err)
	}
	defer storage.Close()

	emitter, err := libstem.New(ctx, storage, append(
		libstem.EmitterOptions(cfg.Emitter),
		libstem.WithLogger(logger),
	)...)
	if err != nil {
		fatalf("cannot create emitter: %s", err)
	}
	defer emitter.Close()

	switch args[0] {
	case "emit":
		// remote writes return once the hub acked them
		err = emitter.Emit(args[1], parseArgs(args[2:])...)
	case "listen":
		listen(ctx, emitter, args[1:])
	default:
		flag.Usage()
		os.Exit(2)
	}

	if err != nil {
		fatalf("%s", errors.Wrap(err, args[0]))
	}
}

func listen(ctx context.Context, e *libstem.StorageEmitter, events []string) {
	name := color.New(color.FgCyan, color.Bold).SprintFunc()
	ts := color.New(color.Faint).SprintFunc()

	for _, event := range events {
		event := event
		e.OnFunc(event, func(args libstem.Args) {
			values, err := args.Values()
			if err != nil {
				color.Red("%s: cannot decode args: %s", event, err)
				return
			}
			fmt.Printf("%s %s %v\n", ts(time.Now().Format(time.RFC3339)), name(event), values)
		})
	}

	color.Green("listening on %v", events)
	<-ctx.Done()
}

func parseArgs(raw []string) []any {
	args := make([]any, 0, len(raw))
	for _, r := range raw {
		var v any
		if err := jsoniter.ConfigCompatibleWithStandardLibrary.UnmarshalFromString(r, &v); err != nil {
			v = r
		}
		args = append(args, v)
	}
	return args
}

func fatalf(format string, args ...any) {
	color.Red(format, args...)
	os.Exit(1)
}
