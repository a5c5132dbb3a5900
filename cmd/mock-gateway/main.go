// mock-gateway runs the development gateway: it issues connect challenges,
// verifies device signatures, echoes chat messages back as streamed deltas
// and loops uplink audio back as downlink audio.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/mbocsi/glassbridge/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		opts     server.GatewayOptions
		logLevel string
	)
	flagSet := pflag.NewFlagSet("mock-gateway", pflag.ContinueOnError)
	flagSet.StringVar(&opts.Addr, "addr", ":18789", "listen address")
	flagSet.StringVar(&opts.Password, "password", "", "require this gateway password")
	flagSet.StringVar(&opts.ChatPath, "chat-path", server.DefaultChatPath, "chat websocket path")
	flagSet.StringVar(&opts.MediaPath, "media-path", server.DefaultMediaPath, "media websocket path")
	flagSet.IntVar(&opts.MaxClients, "max-clients", 16, "maximum simultaneous sockets")
	flagSet.DurationVar(&opts.MaxSkew, "max-skew", server.DefaultMaxSkew, "accepted signature clock skew")
	flagSet.BoolVar(&opts.Advertise, "advertise", false, "announce the gateway over mDNS")
	flagSet.StringVar(&opts.Instance, "instance", "glassbridge", "mDNS instance name")
	flagSet.StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return server.NewGateway(opts).Run(ctx)
}
