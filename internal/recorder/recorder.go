// Package recorder films a run. While the lifecycle bracket is held it takes
// screenshots at a fixed rate, draws the automation's cursor onto them and,
// when the bracket is released, writes the segment as an animated GIF.
package recorder

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/v0xg/demopilot/internal/browser"
	"github.com/v0xg/demopilot/internal/lifecycle"
	"go.uber.org/zap"
)

// Capturer takes one screenshot of the page
type Capturer interface {
	Screenshot(ctx context.Context) (image.Image, error)
}

// CaptureFunc adapts a function to Capturer
type CaptureFunc func(ctx context.Context) (image.Image, error)

func (f CaptureFunc) Screenshot(ctx context.Context) (image.Image, error) { return f(ctx) }

// Options configures recording
type Options struct {
	Output    string // GIF path; later segments of the same tab get a numeric suffix
	FPS       int
	MaxWidth  uint
	MaxFrames int // Frames kept per segment; older frames are dropped
}

// DefaultOptions returns the stock recording settings
func DefaultOptions() Options {
	return Options{Output: "demo.gif", FPS: 10, MaxWidth: 800, MaxFrames: 1200}
}

type frame struct {
	img    image.Image
	cursor Cursor
}

// Recorder is the visual feedback that records a run. One recorder serves
// one tab across page loads; each Init/Destroy pair produces one file.
type Recorder struct {
	capture Capturer
	opts    Options
	logger  *zap.Logger

	mu       sync.Mutex
	frames   []frame
	cursor   Cursor
	clicks   int // Frames still to show the click ripple
	segment  int
	cancel   context.CancelFunc
	done     chan struct{}
	captured []string
}

var (
	_ lifecycle.Feedback      = (*Recorder)(nil)
	_ browser.PointerObserver = (*Recorder)(nil)
)

// New creates a recorder taking screenshots through capture
func New(capture Capturer, opts Options, logger *zap.Logger) *Recorder {
	def := DefaultOptions()
	if opts.Output == "" {
		opts.Output = def.Output
	}
	if opts.FPS <= 0 {
		opts.FPS = def.FPS
	}
	if opts.MaxFrames <= 0 {
		opts.MaxFrames = def.MaxFrames
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{capture: capture, opts: opts, logger: logger.Named("recorder")}
}

// Pointer records where the automation points. A click shows a ripple for
// about a third of a second.
func (r *Recorder) Pointer(x, y int, kind browser.CursorKind, click bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursor = Cursor{X: x, Y: y, Kind: kind}
	if click {
		r.clicks = max(r.opts.FPS/3, 3)
	}
}

// Init starts capturing frames
func (r *Recorder) Init(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.done = make(chan struct{})
	r.frames = r.frames[:0]
	go r.loop(ctx, r.done)
	return nil
}

// Destroy stops capturing and writes the segment
func (r *Recorder) Destroy(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	r.mu.Lock()
	frames := r.frames
	r.frames = nil
	r.segment++
	path := segmentPath(r.opts.Output, r.segment)
	r.mu.Unlock()

	if len(frames) == 0 {
		r.logger.Debug("Nothing recorded")
		return nil
	}

	start := time.Now()
	if err := r.write(path, frames); err != nil {
		return err
	}
	r.mu.Lock()
	r.captured = append(r.captured, path)
	r.mu.Unlock()
	r.logger.Info("Recording written",
		zap.String("path", path),
		zap.Int("frames", len(frames)),
		zap.Duration("took", time.Since(start)))
	return nil
}

// Files lists the recordings written so far
func (r *Recorder) Files() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.captured...)
}

func (r *Recorder) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Second / time.Duration(r.opts.FPS))
	defer ticker.Stop()

	for {
		r.grab(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Recorder) grab(ctx context.Context) {
	img, err := r.capture.Screenshot(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Debug("Screenshot failed", zap.Error(err))
		}
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.cursor
	if r.clicks > 0 {
		c.Click = true
		r.clicks--
	}
	if len(r.frames) >= r.opts.MaxFrames {
		r.frames = r.frames[1:]
	}
	r.frames = append(r.frames, frame{img: img, cursor: c})
}

func (r *Recorder) write(path string, frames []frame) error {
	images := make([]image.Image, len(frames))
	for i, f := range frames {
		images[i] = drawCursor(f.img, f.cursor)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create recording: %w", err)
	}
	if err := encodeGIF(f, images, r.opts.FPS, r.opts.MaxWidth); err != nil {
		f.Close()
		return fmt.Errorf("encode recording: %w", err)
	}
	return f.Close()
}

// segmentPath names the n-th recording: demo.gif, demo-2.gif, ...
func segmentPath(output string, n int) string {
	if n <= 1 {
		return output
	}
	ext := filepath.Ext(output)
	return fmt.Sprintf("%s-%d%s", strings.TrimSuffix(output, ext), n, ext)
}
