package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/pflag"

	"github.com/mbocsi/glassbridge/mcp"
)

func runMCP(ctx context.Context, args []string) error {
	var common commonFlags
	fs := pflag.NewFlagSet("mcp", pflag.ContinueOnError)
	common.register(fs)
	if done, err := parseFlags(fs, args); done || err != nil {
		return err
	}
	cfg, err := common.load(fs)
	if err != nil {
		return err
	}

	c, err := newChatClient(cfg)
	if err != nil {
		return err
	}
	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer c.Disconnect()
	slog.Info("Chat client connected", "url", cfg.Gateway.ChatEndpoint().Redacted())

	srv := mcp.NewMCPServer("glassbridge", version)
	mcp.NewChatBridge(c, srv, mcp.BridgeOptions{})
	return srv.Run()
}
