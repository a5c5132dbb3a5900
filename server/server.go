// Package server is a development gateway: it speaks the same challenge,
// request and media framing as a production gateway so the client, session
// and CLI can be exercised end to end without one.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/mbocsi/glassbridge/clock"
)

const (
	DefaultChatPath  = "/ws"
	DefaultMediaPath = "/media"
	DefaultMaxSkew   = 2 * time.Minute
)

type GatewayOptions struct {
	Addr       string // listen address, e.g. ":18789"
	Password   string // optional; accepted from the URL query or auth.password
	ChatPath   string
	MediaPath  string
	MaxClients int           // default 16
	MaxSkew    time.Duration // accepted distance between signedAt and now

	Advertise bool   // announce the chat endpoint over mDNS
	Instance  string // mDNS instance name, default "glassbridge"

	// Reply produces the streamed answer to a chat message, one chunk per
	// delta event. The default echoes the message back.
	Reply func(message string) []string

	Clock clock.Clock
}

type Gateway struct {
	options  GatewayOptions
	registry *PeerRegistry
	clock    clock.Clock
	started  time.Time

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	mdns     *mdns.Server
}

func NewGateway(opts GatewayOptions) *Gateway {
	if opts.ChatPath == "" {
		opts.ChatPath = DefaultChatPath
	}
	if opts.MediaPath == "" {
		opts.MediaPath = DefaultMediaPath
	}
	if opts.MaxClients <= 0 {
		opts.MaxClients = 16
	}
	if opts.MaxSkew <= 0 {
		opts.MaxSkew = DefaultMaxSkew
	}
	if opts.Instance == "" {
		opts.Instance = "glassbridge"
	}
	if opts.Reply == nil {
		opts.Reply = EchoReply
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Gateway{
		options:  opts,
		registry: NewPeerRegistry(),
		clock:    opts.Clock,
		started:  opts.Clock.Now(),
	}
}

// EchoReply streams "You said: <message>" a word at a time.
func EchoReply(message string) []string {
	return strings.SplitAfter("You said: "+message, " ")
}

// Listen binds the listen address. Start calls it when needed; calling it
// first lets the caller learn the bound port.
func (g *Gateway) Listen() (net.Addr, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener != nil {
		return g.listener.Addr(), nil
	}
	l, err := net.Listen("tcp", g.options.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", g.options.Addr, err)
	}
	g.listener = l
	return l.Addr(), nil
}

// Start serves until Shutdown is called.
func (g *Gateway) Start() error {
	addr, err := g.Listen()
	if err != nil {
		return err
	}

	g.mu.Lock()
	g.server = &http.Server{Handler: g.Handler()}
	srv, l := g.server, g.listener
	g.mu.Unlock()

	if g.options.Advertise {
		port := addr.(*net.TCPAddr).Port
		zone, err := Advertise(g.options.Instance, port, g.options.ChatPath, false)
		if err != nil {
			slog.Warn("Failed to advertise gateway over mDNS", "error", err)
		} else {
			g.mu.Lock()
			g.mdns = zone
			g.mu.Unlock()
		}
	}

	slog.Info("Starting gateway", "addr", addr.String(), "chat_path", g.options.ChatPath, "media_path", g.options.MediaPath)
	err = srv.Serve(l)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Run starts the gateway and shuts it down when ctx ends.
func (g *Gateway) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- g.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	slog.Info("Shutting down gateway")
	if err := g.Shutdown(); err != nil {
		slog.Error("There was an error when shutting down the gateway", "error", err.Error())
	}
	return <-errCh
}

func (g *Gateway) Shutdown() error {
	g.mu.Lock()
	srv, l, zone := g.server, g.listener, g.mdns
	g.server, g.listener, g.mdns = nil, nil, nil
	g.mu.Unlock()

	if zone != nil {
		if err := zone.Shutdown(); err != nil {
			slog.Warn("Failed to stop mDNS responder", "error", err)
		}
	}
	for _, peer := range g.registry.List() {
		peer.conn.Close()
	}
	if srv != nil {
		return srv.Close()
	}
	if l != nil {
		return l.Close()
	}
	return nil
}

// Peers returns a snapshot of every connected socket.
func (g *Gateway) Peers() []PeerMetadata {
	peers := g.registry.List()
	out := make([]PeerMetadata, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.Meta())
	}
	return out
}
