// Package session streams camera frames and microphone audio to the gateway
// over one multiplexed socket and plays the synthesized voice that comes
// back.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbocsi/glassbridge/client"
	"github.com/mbocsi/glassbridge/clock"
	"github.com/mbocsi/glassbridge/proto"
	"golang.org/x/sync/errgroup"
)

const DefaultHardwarePollInterval = time.Second

var (
	ErrTransportClosed = errors.New("media transport closed")
	ErrAlreadyActive   = errors.New("session already active")
)

// FrameSource delivers encoded camera frames (JPEG).
type FrameSource interface {
	Frames() <-chan []byte
}

// Microphone captures raw PCM. The channel is closed when capture ends.
type Microphone interface {
	Start(ctx context.Context) (<-chan []byte, error)
	Stop()
}

// Player plays PCM received from the gateway.
type Player interface {
	Start() error
	Play(pcm []byte)
	Stop()
}

// Hardware is the glasses registration. Connected is polled unless the
// implementation also satisfies HardwareNotifier.
type Hardware interface {
	Start() error
	Stop()
	Connected() bool
}

type HardwareNotifier interface {
	ConnectedChanges() <-chan bool
}

// Transport is the part of client.Mux a session uses.
type Transport interface {
	Connect(ctx context.Context, ep client.Endpoint) error
	Disconnect()
	SendBinary(t proto.FrameType, payload []byte) error
	Recv() <-chan client.Message
	State() client.ConnectionState
}

// TextHandler receives JSON text that arrives on the media socket.
// *client.Client satisfies it.
type TextHandler interface {
	HandleText(data []byte)
}

type Config struct {
	Endpoint  client.Endpoint
	Transport Transport

	Frames     FrameSource // optional
	Microphone Microphone  // optional
	Player     Player
	Hardware   Hardware    // optional
	Text       TextHandler // optional

	VideoInterval        time.Duration // default 1s
	HardwarePollInterval time.Duration // default 1s

	Clock clock.Clock
}

type Status struct {
	Active            bool   `json:"active"`
	GlassesConnected  bool   `json:"glasses_connected"`
	FramesSent        uint64 `json:"frames_sent"`
	FramesDropped     uint64 `json:"frames_dropped"`
	AudioChunksSent   uint64 `json:"audio_chunks_sent"`
	AudioChunksPlayed uint64 `json:"audio_chunks_played"`
}

// Session brackets one streaming run: Start brings up transport, playback,
// capture and hardware in that order; Stop takes them down again.
type Session struct {
	cfg   Config
	clock clock.Clock

	mu       sync.Mutex
	run      *run // current run, nil when inactive
	last     *run
	starting bool // a Start is connecting; mu is not held while it dials

	glasses       atomic.Bool
	framesSent    atomic.Uint64
	framesDropped atomic.Uint64
	audioSent     atomic.Uint64
	audioPlayed   atomic.Uint64
}

// run is the state of one Start..Stop cycle.
type run struct {
	cancel     context.CancelFunc
	done       chan struct{}
	err        error
	micOn      bool
	hardwareOn bool
	release    sync.Once
}

func New(cfg Config) (*Session, error) {
	if cfg.Transport == nil {
		return nil, errors.New("session requires a transport")
	}
	if cfg.Player == nil {
		return nil, errors.New("session requires an audio player")
	}
	if cfg.VideoInterval <= 0 {
		cfg.VideoInterval = DefaultVideoInterval
	}
	if cfg.HardwarePollInterval <= 0 {
		cfg.HardwarePollInterval = DefaultHardwarePollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Session{cfg: cfg, clock: cfg.Clock}, nil
}

// Start connects the media socket and begins streaming. A playback failure
// aborts the start and leaves the transport disconnected; microphone and
// hardware failures are logged and the session runs without them. Start
// returns ErrAlreadyActive while another Start is still connecting.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.run != nil || s.starting {
		s.mu.Unlock()
		return ErrAlreadyActive
	}
	s.starting = true
	s.mu.Unlock()

	if err := s.cfg.Transport.Connect(ctx, s.cfg.Endpoint); err != nil {
		s.finishStart(nil)
		return fmt.Errorf("failed to connect media transport: %w", err)
	}

	if err := s.cfg.Player.Start(); err != nil {
		s.cfg.Transport.Disconnect()
		s.finishStart(nil)
		return fmt.Errorf("failed to start audio playback: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{cancel: cancel, done: make(chan struct{})}

	var audio <-chan []byte
	if s.cfg.Microphone != nil {
		ch, err := s.cfg.Microphone.Start(runCtx)
		if err != nil {
			slog.Warn("Microphone unavailable, continuing without voice input", "error", err)
		} else {
			audio = ch
			r.micOn = true
		}
	}

	if s.cfg.Hardware != nil {
		if err := s.cfg.Hardware.Start(); err != nil {
			slog.Warn("Failed to register glasses", "error", err)
		} else {
			r.hardwareOn = true
		}
	}

	s.resetCounters()
	throttle := NewVideoThrottle(s.cfg.VideoInterval, s.clock)
	s.finishStart(r)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.pumpDownlink(gctx, s.cfg.Transport.Recv()) })
	if s.cfg.Frames != nil {
		g.Go(func() error { return s.pumpVideo(gctx, s.cfg.Frames.Frames(), throttle) })
	}
	if audio != nil {
		g.Go(func() error { return s.pumpAudio(gctx, audio) })
	}
	if r.hardwareOn {
		g.Go(func() error { return s.watchHardware(gctx) })
	}

	go func() {
		err := g.Wait()
		s.mu.Lock()
		r.err = err
		s.mu.Unlock()

		if errors.Is(err, ErrTransportClosed) {
			slog.Warn("Media transport lost, ending session")
			s.end(r)
		}
		close(r.done)
	}()

	slog.Info("Session started",
		"endpoint", s.cfg.Endpoint.Redacted(),
		"microphone", r.micOn,
		"hardware", r.hardwareOn,
	)
	return nil
}

// finishStart ends the starting phase, installing r as the current run
// when it is not nil.
func (s *Session) finishStart(r *run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starting = false
	if r != nil {
		s.run, s.last = r, r
	}
}

// Stop ends the session and waits for every pump to exit. Calling it on an
// inactive session does nothing.
func (s *Session) Stop() {
	s.mu.Lock()
	r := s.run
	s.run = nil
	s.mu.Unlock()
	if r == nil {
		return
	}

	r.cancel()
	<-r.done
	s.releaseRun(r)
	slog.Info("Session stopped", "status", s.Status())
}

func (s *Session) end(r *run) {
	s.mu.Lock()
	if s.run == r {
		s.run = nil
	}
	s.mu.Unlock()
	r.cancel()
	s.releaseRun(r)
}

func (s *Session) releaseRun(r *run) {
	r.release.Do(func() {
		if r.hardwareOn {
			s.cfg.Hardware.Stop()
		}
		if r.micOn {
			s.cfg.Microphone.Stop()
		}
		s.cfg.Player.Stop()
		s.cfg.Transport.Disconnect()
		s.glasses.Store(false)
	})
}

// Done is closed when the most recent run ends, whether by Stop or by the
// transport going away. Before the first Start it returns a closed channel.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.last.done
}

// Err reports why the most recent run ended: ErrTransportClosed when the
// socket went away, nil after Stop or while still running.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	return s.last.err
}

func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run != nil
}

func (s *Session) Status() Status {
	return Status{
		Active:            s.Active(),
		GlassesConnected:  s.glasses.Load(),
		FramesSent:        s.framesSent.Load(),
		FramesDropped:     s.framesDropped.Load(),
		AudioChunksSent:   s.audioSent.Load(),
		AudioChunksPlayed: s.audioPlayed.Load(),
	}
}

func (s *Session) resetCounters() {
	s.framesSent.Store(0)
	s.framesDropped.Store(0)
	s.audioSent.Store(0)
	s.audioPlayed.Store(0)
}

func (s *Session) pumpVideo(ctx context.Context, frames <-chan []byte, throttle *VideoThrottle) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-frames:
			if !ok {
				slog.Info("Camera frame source closed")
				return nil
			}
			if !throttle.Allow() {
				s.framesDropped.Add(1)
				continue
			}
			if err := s.cfg.Transport.SendBinary(proto.FrameVideo, frame); err != nil {
				slog.Debug("Dropped video frame", "size", len(frame), "error", err)
				continue
			}
			s.framesSent.Add(1)
		}
	}
}

func (s *Session) pumpAudio(ctx context.Context, audio <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case pcm, ok := <-audio:
			if !ok {
				slog.Info("Microphone capture ended")
				return nil
			}
			if err := s.cfg.Transport.SendBinary(proto.FrameAudio, pcm); err != nil {
				slog.Debug("Dropped audio chunk", "size", len(pcm), "error", err)
				continue
			}
			s.audioSent.Add(1)
		}
	}
}

// pumpDownlink plays inbound binary as-is and hands text to the TextHandler.
func (s *Session) pumpDownlink(ctx context.Context, recv <-chan client.Message) error {
	if recv == nil {
		return ErrTransportClosed
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-recv:
			if !ok {
				return ErrTransportClosed
			}
			switch msg.Kind {
			case client.BinaryMessage:
				s.cfg.Player.Play(msg.Data)
				s.audioPlayed.Add(1)
			case client.TextMessage:
				if s.cfg.Text != nil {
					s.cfg.Text.HandleText(msg.Data)
				} else {
					slog.Debug("Ignoring text on media socket", "size", len(msg.Data))
				}
			}
		}
	}
}

func (s *Session) watchHardware(ctx context.Context) error {
	hw := s.cfg.Hardware
	s.setGlasses(hw.Connected())

	if n, ok := hw.(HardwareNotifier); ok {
		changes := n.ConnectedChanges()
		for {
			select {
			case <-ctx.Done():
				return nil
			case connected, ok := <-changes:
				if !ok {
					return nil
				}
				s.setGlasses(connected)
			}
		}
	}

	ticker := s.clock.NewTicker(s.cfg.HardwarePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.setGlasses(hw.Connected())
		}
	}
}

func (s *Session) setGlasses(connected bool) {
	if s.glasses.Swap(connected) != connected {
		slog.Info("Glasses connection changed", "connected", connected)
	}
}
