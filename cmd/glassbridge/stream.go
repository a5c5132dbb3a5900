package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/mbocsi/glassbridge/client"
	"github.com/mbocsi/glassbridge/session"
)

func runStream(ctx context.Context, args []string) error {
	var (
		common        commonFlags
		framesDir     string
		frameInterval time.Duration
		loop          bool
		micPath       string
		speakerPath   string
		glasses       bool
		withChat      bool
		duration      time.Duration
	)

	fs := pflag.NewFlagSet("stream", pflag.ContinueOnError)
	common.register(fs)
	fs.StringVar(&framesDir, "frames", "", "directory of JPEG frames to send as camera video")
	fs.DurationVar(&frameInterval, "frame-interval", 100*time.Millisecond, "capture rate of the frame directory")
	fs.BoolVar(&loop, "loop", false, "replay the frames forever")
	fs.StringVar(&micPath, "mic", "", "raw 16kHz mono s16le PCM file to send as microphone audio")
	fs.StringVar(&speakerPath, "speaker", "downlink.pcm", "file receiving the agent's audio")
	fs.BoolVar(&glasses, "glasses", true, "report the glasses as connected")
	fs.BoolVar(&withChat, "chat", false, "also authenticate on the chat socket and print agent messages")
	fs.DurationVar(&duration, "duration", 0, "stop after this long (default: until interrupted)")
	if done, err := parseFlags(fs, args); done || err != nil {
		return err
	}
	cfg, err := common.load(fs)
	if err != nil {
		return err
	}
	gateway, err := resolveGateway(cfg.Gateway)
	if err != nil {
		return err
	}
	cfg.Gateway = gateway

	scfg := session.Config{
		Endpoint:             gateway.MediaEndpoint(),
		Transport:            client.NewMux(client.MuxConfig{WriteTimeout: cfg.Client.WriteTimeout.Std()}),
		Player:               &session.PCMFilePlayer{Path: speakerPath},
		Hardware:             session.NewStaticHardware(glasses),
		VideoInterval:        cfg.Session.VideoInterval.Std(),
		HardwarePollInterval: cfg.Session.HardwarePollInterval.Std(),
	}
	if framesDir != "" {
		frames, err := session.NewDirFrameSource(framesDir, frameInterval, loop, nil)
		if err != nil {
			return err
		}
		defer frames.Close()
		scfg.Frames = frames
	}
	if micPath != "" {
		scfg.Microphone = &session.PCMFileMicrophone{Path: micPath}
	}

	if withChat {
		c, err := newChatClient(cfg)
		if err != nil {
			return err
		}
		if err := c.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect chat socket: %w", err)
		}
		defer c.Disconnect()
		scfg.Text = c

		printer := &transcriptPrinter{w: os.Stdout}
		printCtx, stopPrinting := context.WithCancel(ctx)
		defer stopPrinting()
		go printTranscript(printCtx, c.Transcript(), printer)
	}

	s, err := session.New(scfg)
	if err != nil {
		return err
	}
	slog.Info("Starting media session", "url", scfg.Endpoint.Redacted())
	if err := s.Start(ctx); err != nil {
		return err
	}

	var timeout <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-ctx.Done():
	case <-timeout:
	case <-s.Done():
		slog.Warn("Media session ended", "error", s.Err())
	}
	s.Stop()

	status, err := json.MarshalIndent(s.Status(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, string(status))
	return nil
}
