package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbocsi/glassbridge/clock"
)

// DirFrameSource replays the JPEG files in a directory, in name order, one
// per interval. With Loop set it starts over after the last file.
type DirFrameSource struct {
	files    []string
	interval time.Duration
	loop     bool
	clock    clock.Clock

	once   sync.Once
	frames chan []byte
	stop   chan struct{}
	closed sync.Once
}

func NewDirFrameSource(dir string, interval time.Duration, loop bool, clk clock.Clock) (*DirFrameSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no JPEG frames in %s", dir)
	}
	sort.Strings(files)

	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &DirFrameSource{
		files:    files,
		interval: interval,
		loop:     loop,
		clock:    clk,
		frames:   make(chan []byte),
		stop:     make(chan struct{}),
	}, nil
}

// Frames starts playback on first call. The channel is closed after the last
// frame unless looping, or when Close is called.
func (d *DirFrameSource) Frames() <-chan []byte {
	d.once.Do(func() { go d.run() })
	return d.frames
}

func (d *DirFrameSource) Close() {
	d.closed.Do(func() { close(d.stop) })
}

func (d *DirFrameSource) run() {
	defer close(d.frames)
	ticker := d.clock.NewTicker(d.interval)
	defer ticker.Stop()

	for i := 0; ; i++ {
		if i == len(d.files) {
			if !d.loop {
				return
			}
			i = 0
		}
		select {
		case <-d.stop:
			return
		case <-ticker.C:
		}

		data, err := os.ReadFile(d.files[i])
		if err != nil {
			slog.Warn("Failed to read frame", "file", d.files[i], "error", err)
			continue
		}
		select {
		case d.frames <- data:
		case <-d.stop:
			return
		}
	}
}

// PCMFileMicrophone streams a raw PCM file in fixed-size chunks, paced like
// a live capture.
type PCMFileMicrophone struct {
	Path      string
	ChunkSize int           // bytes per chunk, default 3200 (100ms of 16kHz mono s16)
	Interval  time.Duration // time per chunk, default 100ms
	Clock     clock.Clock

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (m *PCMFileMicrophone) Start(ctx context.Context) (<-chan []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return nil, errors.New("microphone already started")
	}

	f, err := os.Open(m.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open PCM input: %w", err)
	}
	chunkSize := m.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 3200
	}
	interval := m.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	clk := m.Clock
	if clk == nil {
		clk = clock.Real()
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan []byte)
	done := make(chan struct{})
	m.cancel, m.done = cancel, done

	go func() {
		defer close(done)
		defer close(out)
		defer f.Close()
		ticker := clk.NewTicker(interval)
		defer ticker.Stop()

		for {
			buf := make([]byte, chunkSize)
			n, err := io.ReadFull(f, buf)
			if n > 0 {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
				select {
				case out <- buf[:n]:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
					slog.Warn("Failed to read PCM input", "path", m.Path, "error", err)
				}
				return
			}
		}
	}()
	return out, nil
}

func (m *PCMFileMicrophone) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// PCMFilePlayer writes received audio to a file, replacing its contents.
type PCMFilePlayer struct {
	Path string

	mu      sync.Mutex
	f       *os.File
	written int64
}

func (p *PCMFilePlayer) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.f != nil {
		return nil
	}
	f, err := os.OpenFile(p.Path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open PCM output: %w", err)
	}
	p.f = f
	p.written = 0
	return nil
}

func (p *PCMFilePlayer) Play(pcm []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.f == nil {
		return
	}
	n, err := p.f.Write(pcm)
	p.written += int64(n)
	if err != nil {
		slog.Warn("Failed to write PCM output", "path", p.Path, "error", err)
	}
}

func (p *PCMFilePlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.f == nil {
		return
	}
	if err := p.f.Close(); err != nil {
		slog.Warn("Failed to close PCM output", "path", p.Path, "error", err)
	}
	slog.Debug("Closed PCM output", "path", p.Path, "bytes", p.written)
	p.f = nil
}

// StaticHardware stands in for glasses that are always (or never) there.
type StaticHardware struct {
	connected atomic.Bool
}

func NewStaticHardware(connected bool) *StaticHardware {
	h := &StaticHardware{}
	h.connected.Store(connected)
	return h
}

func (h *StaticHardware) Start() error { return nil }

func (h *StaticHardware) Stop() {}

func (h *StaticHardware) Connected() bool { return h.connected.Load() }

func (h *StaticHardware) SetConnected(c bool) { h.connected.Store(c) }
