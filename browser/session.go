package browser

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"renderexport/ffmpeg"
	"renderexport/logger"
	"renderexport/pipeline"
)

const screencastQuality = 90

// Session is a launched browser. It satisfies pipeline.Session.
type Session struct {
	tab         context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
	runner      *ffmpeg.Runner
	log         *logger.Logger

	mu        sync.Mutex
	rec       *recording
	listening bool
	closed    bool
}

// run executes actions on the tab, bounded by ctx as well as the session.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.tab)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	return err
}

func (s *Session) SetViewport(ctx context.Context, vp pipeline.Viewport) error {
	return s.run(ctx, chromedp.EmulateViewport(int64(vp.Width), int64(vp.Height), chromedp.EmulateScale(vp.Scale)))
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	return s.run(ctx, chromedp.Navigate(url))
}

// StartCapture begins the screencast and an encoder writing to outputPath.
func (s *Session) StartCapture(ctx context.Context, outputPath string, fps int) error {
	if fps < 1 {
		return fmt.Errorf("invalid frame rate %d", fps)
	}

	s.mu.Lock()
	if s.rec != nil {
		s.mu.Unlock()
		return errors.New("capture already running")
	}
	s.mu.Unlock()

	// Seed with a screenshot so the video starts on the rendered page
	// rather than waiting for the first screencast frame.
	var first []byte
	if err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		first, err = page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatJpeg).
			WithQuality(screencastQuality).
			Do(ctx)
		return err
	})); err != nil {
		return fmt.Errorf("initial frame: %w", err)
	}

	enc, err := s.runner.NewEncoder(s.tab, outputPath, fps)
	if err != nil {
		return err
	}
	rec := newRecording(enc, first, fps)

	s.mu.Lock()
	s.rec = rec
	if !s.listening {
		s.listening = true
		chromedp.ListenTarget(s.tab, s.onEvent)
	}
	s.mu.Unlock()

	if err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return page.StartScreencast().
			WithFormat(page.ScreencastFormatJpeg).
			WithQuality(screencastQuality).
			WithEveryNthFrame(1).
			Do(ctx)
	})); err != nil {
		s.detach()
		rec.abort()
		return fmt.Errorf("start screencast: %w", err)
	}

	rec.begin()
	s.log.Debug("screencast started", "output", outputPath, "fps", fps)
	return nil
}

// StopCapture ends the screencast and waits for the encoder to finish the
// file.
func (s *Session) StopCapture(ctx context.Context) error {
	rec := s.detach()
	if rec == nil {
		return errors.New("capture not running")
	}

	stopErr := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return page.StopScreencast().Do(ctx)
	}))
	encErr := rec.finish()

	s.log.Debug("screencast stopped",
		"frames_received", rec.received.Load(),
		"frames_written", rec.written.Load())

	if encErr != nil {
		return encErr
	}
	if stopErr != nil {
		return fmt.Errorf("stop screencast: %w", stopErr)
	}
	return nil
}

// Close shuts the browser down and kills any encoder still running. Safe
// to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	rec := s.detach()
	if rec != nil {
		rec.stopPacing()
	}

	err := chromedp.Cancel(s.tab)
	s.cancelTab()
	s.cancelAlloc()

	if rec != nil {
		// The encoder was started on the tab context, which is gone now.
		_ = rec.enc.Close()
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func (s *Session) detach() *recording {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.rec
	s.rec = nil
	return rec
}

func (s *Session) onEvent(ev interface{}) {
	e, ok := ev.(*page.EventScreencastFrame)
	if !ok {
		return
	}

	// Ack from a separate goroutine: listeners must not block the
	// event loop.
	go func(id int64) {
		_ = chromedp.Run(s.tab, chromedp.ActionFunc(func(ctx context.Context) error {
			return page.ScreencastFrameAck(id).Do(ctx)
		}))
	}(e.SessionID)

	s.mu.Lock()
	rec := s.rec
	s.mu.Unlock()
	if rec == nil {
		return
	}
	frame, err := base64.StdEncoding.DecodeString(e.Data)
	if err != nil {
		s.log.Debug("dropping undecodable screencast frame", "error", err.Error())
		return
	}
	rec.setFrame(frame)
}

// frameSink is where paced frames go; *ffmpeg.Encoder in production.
type frameSink interface {
	WriteFrame(frame []byte) error
	Close() error
}

// recording duplicates the latest screencast frame onto a fixed-rate clock,
// since Chrome only emits frames when the page changes. The frame count
// follows the wall clock: after t seconds fps*t+1 frames are due, and a
// sink that falls behind is caught up rather than skipped.
type recording struct {
	enc   frameSink
	fps   int
	start time.Time

	mu     sync.Mutex
	latest []byte
	err    error

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	received atomic.Int64
	written  atomic.Int64
}

func newRecording(enc frameSink, first []byte, fps int) *recording {
	return &recording{
		enc:    enc,
		fps:    fps,
		latest: first,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (r *recording) setFrame(frame []byte) {
	r.received.Add(1)
	r.mu.Lock()
	r.latest = frame
	r.mu.Unlock()
}

// begin starts the frame clock.
func (r *recording) begin() {
	r.start = time.Now()
	go r.pace()
}

func (r *recording) pace() {
	defer close(r.done)
	ticker := time.NewTicker(time.Second / time.Duration(r.fps))
	defer ticker.Stop()

	for {
		if !r.catchUp(time.Now(), r.stop) {
			return
		}
		select {
		case <-r.stop:
			return
		case <-ticker.C:
		}
	}
}

// due is the number of frames the video should hold at time at.
func (r *recording) due(at time.Time) int64 {
	return int64(at.Sub(r.start)*time.Duration(r.fps)/time.Second) + 1
}

// catchUp writes the latest frame until the count due at until is reached.
// It reports false when stop closed or the sink failed.
func (r *recording) catchUp(until time.Time, stop <-chan struct{}) bool {
	want := r.due(until)
	for r.written.Load() < want {
		select {
		case <-stop:
			return false
		default:
		}
		r.mu.Lock()
		frame, failed := r.latest, r.err != nil
		r.mu.Unlock()
		if failed {
			return false
		}
		if frame == nil {
			return true
		}
		if err := r.enc.WriteFrame(frame); err != nil {
			r.mu.Lock()
			r.err = err
			r.mu.Unlock()
			return false
		}
		r.written.Add(1)
	}
	return true
}

// stopPacing halts the frame clock and waits for it to exit.
func (r *recording) stopPacing() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

// finish stops pacing, writes whatever frames the clock still owes up to
// now and lets ffmpeg flush the file.
func (r *recording) finish() error {
	end := time.Now()
	r.stopPacing()
	r.catchUp(end, nil)

	closeErr := r.enc.Close()
	r.mu.Lock()
	writeErr := r.err
	r.mu.Unlock()
	if closeErr != nil {
		return closeErr
	}
	if writeErr != nil {
		return fmt.Errorf("write frame: %w", writeErr)
	}
	return nil
}

// abort is used when the screencast never started; pace was not launched.
func (r *recording) abort() {
	r.stopOnce.Do(func() { close(r.stop) })
	close(r.done)
	_ = r.enc.Close()
}
