package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/mbocsi/glassbridge/client"
)

func runChat(ctx context.Context, args []string) error {
	var common commonFlags
	var message string
	var linger time.Duration

	fs := pflag.NewFlagSet("chat", pflag.ContinueOnError)
	common.register(fs)
	fs.StringVarP(&message, "message", "m", "", "send one message, print the reply and exit")
	fs.DurationVar(&linger, "linger", 2*time.Second, "how long to keep printing after input ends")
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
	slog.Info("Connecting", "url", cfg.Gateway.ChatEndpoint().Redacted(), "device_id", c.Identity().DeviceID())
	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer c.Disconnect()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lost := make(chan struct{})
	go func() {
		if err := c.WaitForState(ctx, client.StateDisconnected); err == nil {
			close(lost)
		}
	}()

	printer := &transcriptPrinter{w: os.Stdout}
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		printTranscript(ctx, c.Transcript(), printer)
	}()

	var lines <-chan string
	if message != "" {
		one := make(chan string, 1)
		one <- message
		close(one)
		lines = one
	} else {
		lines = readLines(os.Stdin)
	}

	err = chatLoop(ctx, c, lines, lost)
	if err == nil {
		waitQuiet(ctx, c.Transcript(), linger, lost)
	}
	cancel()
	<-printed
	printer.flush(c.Transcript().Messages())
	return err
}

// chatLoop sends each input line until input ends, the connection drops, or
// ctx is cancelled.
func chatLoop(ctx context.Context, c *client.Client, lines <-chan string, lost <-chan struct{}) error {
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if err := c.SendChat(line); err != nil {
				slog.Warn("Failed to send message", "error", err)
			}
		case <-lost:
			return fmt.Errorf("connection to gateway closed")
		case <-ctx.Done():
			return nil
		}
	}
}

// waitQuiet returns once the transcript has not changed for quiet.
func waitQuiet(ctx context.Context, t *client.Transcript, quiet time.Duration, lost <-chan struct{}) {
	if quiet <= 0 {
		return
	}
	timer := time.NewTimer(quiet)
	defer timer.Stop()
	for {
		select {
		case <-t.Changed():
			timer.Reset(quiet)
		case <-timer.C:
			return
		case <-lost:
			return
		case <-ctx.Done():
			return
		}
	}
}

func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			slog.Warn("Failed to read input", "error", err)
		}
	}()
	return lines
}

func printTranscript(ctx context.Context, t *client.Transcript, p *transcriptPrinter) {
	for {
		changed := t.Changed()
		p.print(t.Messages())
		select {
		case <-changed:
		case <-ctx.Done():
			return
		}
	}
}

// transcriptPrinter writes agent messages as they grow. User messages are
// not echoed since the user just typed them.
type transcriptPrinter struct {
	w       io.Writer
	shown   int  // messages fully printed
	partial int  // bytes printed of msgs[shown]
	open    bool // msgs[shown] has been started
}

func (p *transcriptPrinter) print(msgs []client.ChatMessage) {
	for p.shown < len(msgs) {
		m := msgs[p.shown]
		if m.Role == client.RoleUser {
			p.shown++
			continue
		}
		if !p.open {
			fmt.Fprint(p.w, "agent> ")
			p.open = true
		}
		if p.partial < len(m.Text) {
			fmt.Fprint(p.w, m.Text[p.partial:])
			p.partial = len(m.Text)
		}
		if m.Streaming && p.shown == len(msgs)-1 {
			return
		}
		p.endLine()
	}
}

func (p *transcriptPrinter) endLine() {
	fmt.Fprintln(p.w)
	p.shown++
	p.partial = 0
	p.open = false
}

// flush prints whatever is left, ending an open line.
func (p *transcriptPrinter) flush(msgs []client.ChatMessage) {
	p.print(msgs)
	if p.open {
		p.endLine()
	}
}
