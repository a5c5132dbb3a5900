// glassbridge connects a glasses client to an agent gateway.
//
// Commands:
//
//	chat     interactive chat over the gateway's JSON channel
//	stream   stream camera frames and microphone audio from files
//	mcp      expose the chat connection as MCP tools on stdio
//	keygen   create or show the device identity
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/mbocsi/glassbridge/client"
	"github.com/mbocsi/glassbridge/config"
	"github.com/mbocsi/glassbridge/identity"
)

const version = "0.1.0"

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, args []string) error
}

var commands = []command{
	{"chat", "interactive chat with the agent", runChat},
	{"stream", "stream camera frames and microphone audio from files", runStream},
	{"mcp", "serve the chat connection as MCP tools on stdio", runMCP},
	{"keygen", "create or show the device identity", runKeygen},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:])
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage(os.Stderr)
		return nil
	}
	if args[0] == "--version" || args[0] == "version" {
		fmt.Println("glassbridge", version)
		return nil
	}
	for _, cmd := range commands {
		if cmd.name == args[0] {
			return cmd.run(ctx, args[1:])
		}
	}
	printUsage(os.Stderr)
	return fmt.Errorf("unknown command %q", args[0])
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "Usage:\n  glassbridge <command> [flags]\n\nCommands:\n")
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %-8s %s\n", cmd.name, cmd.summary)
	}
	fmt.Fprintf(w, "\nRun 'glassbridge <command> --help' for command flags.\n")
}

// commonFlags are accepted by every command. A flag only overrides the
// config file when it is given explicitly.
type commonFlags struct {
	configPath string
	host       string
	port       int
	password   string
	secure     bool
	discover   bool
	stateDir   string
	logLevel   string
	logFormat  string
}

func (f *commonFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.configPath, "config", "c", "", "config file (default $"+config.EnvConfig+")")
	fs.StringVar(&f.host, "host", "", "gateway host")
	fs.IntVar(&f.port, "port", 0, "gateway port")
	fs.StringVar(&f.password, "password", "", "gateway password")
	fs.BoolVar(&f.secure, "secure", false, "use wss://")
	fs.BoolVar(&f.discover, "discover", false, "find the gateway over mDNS")
	fs.StringVar(&f.stateDir, "state-dir", "", "directory holding the device key")
	fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	fs.StringVar(&f.logFormat, "log-format", "", "text or json")
}

// load reads the config, applies explicit flags, validates, and installs
// the default logger.
func (f *commonFlags) load(fs *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if fs.Changed("host") {
		cfg.Gateway.Host = f.host
	}
	if fs.Changed("port") {
		cfg.Gateway.Port = f.port
	}
	if fs.Changed("password") {
		cfg.Gateway.Password = f.password
	}
	if fs.Changed("secure") {
		cfg.Gateway.Secure = f.secure
	}
	if fs.Changed("discover") {
		cfg.Gateway.Discover = f.discover
	}
	if fs.Changed("state-dir") {
		cfg.Identity.StateDir = f.stateDir
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if fs.Changed("log-format") {
		cfg.Log.Format = f.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	setupLogging(cfg.Log, os.Stderr)
	return cfg, nil
}

// parseFlags parses args into fs. It returns done when help was printed.
func parseFlags(fs *pflag.FlagSet, args []string) (done bool, err error) {
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return true, nil
		}
		return false, err
	}
	if fs.NArg() > 0 {
		return false, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	return false, nil
}

// setupLogging writes to w, never stdout, which belongs to chat output and
// the MCP stdio channel.
func setupLogging(lc config.LogConfig, w io.Writer) {
	level, _ := lc.SlogLevel()
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if lc.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func loadIdentity(cfg *config.Config) (*identity.Identity, error) {
	store := identity.NewFileKeyStore(cfg.Identity.KeyDir())
	id, created, err := identity.LoadOrCreate(store, cfg.Identity.Service, cfg.Identity.Account)
	if err != nil {
		return nil, err
	}
	if created {
		slog.Info("Created device identity", "device_id", id.DeviceID(), "dir", cfg.Identity.KeyDir())
	}
	return id, nil
}

// resolveGateway fills in the gateway address from mDNS when no host is
// configured or discovery is requested. Configured paths and password are
// kept unless the advertisement names a path.
func resolveGateway(g config.GatewayConfig) (config.GatewayConfig, error) {
	if g.Host != "" && !g.Discover {
		return g, nil
	}
	ep, err := client.DiscoverGateway(5 * time.Second)
	if err != nil {
		return g, fmt.Errorf("gateway discovery failed: %w", err)
	}
	return mergeDiscovered(g, ep), nil
}

func mergeDiscovered(g config.GatewayConfig, ep client.Endpoint) config.GatewayConfig {
	g.Host = ep.Host
	g.Port = ep.Port
	if ep.Path != "" {
		g.ChatPath = ep.Path
	}
	g.Secure = g.Secure || ep.Secure
	return g
}

// newChatClient builds an unconnected chat client from cfg.
func newChatClient(cfg *config.Config) (*client.Client, error) {
	id, err := loadIdentity(cfg)
	if err != nil {
		return nil, err
	}
	gateway, err := resolveGateway(cfg.Gateway)
	if err != nil {
		return nil, err
	}
	cfg.Gateway = gateway

	mux := client.NewMux(client.MuxConfig{WriteTimeout: cfg.Client.WriteTimeout.Std()})
	return client.NewClient(mux, id, client.Config{
		Endpoint:         gateway.ChatEndpoint(),
		Platform:         cfg.Client.Platform,
		SessionKey:       cfg.Client.SessionKey,
		HandshakeTimeout: cfg.Client.HandshakeTimeout.Std(),
		RequestTimeout:   cfg.Client.RequestTimeout.Std(),
	}), nil
}
