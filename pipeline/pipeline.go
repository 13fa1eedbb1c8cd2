// Package pipeline drives one capture: launch a browser, render the target
// page, record it for a fixed wall-clock window and optionally transcode
// the recording. The browser is always closed before Run returns.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"renderexport/apperr"
	"renderexport/job"
	"renderexport/logger"
)

// Viewport is the page surface the capture is taken from.
type Viewport struct {
	Width  int
	Height int
	Scale  float64
}

// DefaultViewport is 1920×1080 logical pixels at 2× density.
var DefaultViewport = Viewport{Width: 1920, Height: 1080, Scale: 2}

// Launcher acquires a browser.
type Launcher interface {
	Launch(ctx context.Context) (Session, error)
}

// Session is one launched browser with a single page.
type Session interface {
	SetViewport(ctx context.Context, vp Viewport) error
	Navigate(ctx context.Context, url string) error
	StartCapture(ctx context.Context, outputPath string, fps int) error
	StopCapture(ctx context.Context) error
	Close() error
}

type Transcoder interface {
	Transcode(ctx context.Context, inputPath, outputPath string, fps int) error
}

type Options struct {
	NavigationTimeout time.Duration
	// MaxConcurrent bounds the number of browsers alive at once.
	MaxConcurrent int
	Viewport      Viewport
}

type Pipeline struct {
	launcher   Launcher
	transcoder Transcoder
	opts       Options
	sem        chan struct{}
	log        *logger.Logger
}

func New(launcher Launcher, transcoder Transcoder, opts Options, log *logger.Logger) *Pipeline {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.Viewport == (Viewport{}) {
		opts.Viewport = DefaultViewport
	}
	return &Pipeline{
		launcher:   launcher,
		transcoder: transcoder,
		opts:       opts,
		sem:        make(chan struct{}, opts.MaxConcurrent),
		log:        log.WithComponent("pipeline"),
	}
}

// Acquire waits for one of the MaxConcurrent capture slots. Callers hold
// the slot across Run and call release exactly once afterwards.
func (p *Pipeline) Acquire(ctx context.Context) (release func(), err error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, apperr.Wrap(ctx.Err(), apperr.CodeResourceUnavailable, "pipeline.acquire", "no capture slot available")
	}
	var once sync.Once
	return func() { once.Do(func() { <-p.sem }) }, nil
}

// Run captures renderURL into j's workspace and returns the path of the
// artifact matching j.Format. The caller must hold a slot from Acquire. On
// any error j is marked Failed; the caller owns reclaiming the workspace.
func (p *Pipeline) Run(ctx context.Context, j *job.Job, renderURL string) (artifact string, err error) {
	ctx = logger.ContextWithJobID(ctx, j.ID)
	log := p.log.FromContext(ctx)
	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			err = apperr.Newf(apperr.CodeInternal, "capture pipeline panic: %v", rec)
		}
		if err != nil {
			j.Transition(job.StateFailed)
			log.Error("capture failed", "state", j.State(), "error", err.Error(), "elapsed_ms", time.Since(start).Milliseconds())
		}
	}()

	j.Transition(job.StateCapturing)
	sess, err := p.launcher.Launch(ctx)
	if err != nil {
		return "", apperr.Wrap(err, apperr.CodeResourceUnavailable, "pipeline.launch", "could not launch browser")
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			log.Warn("browser close reported an error", "error", cerr.Error())
		}
		log.Debug("browser closed")
	}()

	if err := sess.SetViewport(ctx, p.opts.Viewport); err != nil {
		return "", apperr.Wrap(err, apperr.CodeResourceUnavailable, "pipeline.viewport", "could not configure page")
	}

	navCtx, cancel := context.WithTimeout(ctx, p.opts.NavigationTimeout)
	err = sess.Navigate(navCtx, renderURL)
	cancel()
	if err != nil {
		return "", apperr.Wrap(err, apperr.CodeNavigation, "pipeline.navigate", "could not load render target")
	}
	log.Info("navigation complete")

	capturePath := filepath.Join(j.Workspace, job.FormatVideo.ArtifactName())
	if err := sess.StartCapture(ctx, capturePath, j.FrameRate); err != nil {
		return "", apperr.Wrap(err, apperr.CodeCapture, "pipeline.capture", "could not start recording")
	}

	timer := time.NewTimer(j.Duration)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
		return "", apperr.Wrap(ctx.Err(), apperr.CodeCapture, "pipeline.capture", "recording interrupted")
	}

	if err := sess.StopCapture(ctx); err != nil {
		return "", apperr.Wrap(err, apperr.CodeCapture, "pipeline.capture", "could not finish recording")
	}
	if info, statErr := os.Stat(capturePath); statErr != nil || info.Size() == 0 {
		return "", apperr.Newf(apperr.CodeCapture, "recording produced no output")
	}
	log.Info("recording completed", "duration_ms", j.Duration.Milliseconds(), "fps", j.FrameRate)

	artifact = capturePath
	if j.Format.NeedsTranscode() {
		j.Transition(job.StateTranscoding)
		artifact = filepath.Join(j.Workspace, j.Format.ArtifactName())
		if err := p.transcoder.Transcode(ctx, capturePath, artifact, j.FrameRate); err != nil {
			return "", apperr.Wrap(err, apperr.CodeTranscode, "pipeline.transcode", fmt.Sprintf("could not convert to %s", j.Format))
		}
		log.Info("transcode completed", "format", j.Format)
	}

	j.Artifact = filepath.Base(artifact)
	log.Info("capture pipeline finished", "elapsed_ms", time.Since(start).Milliseconds())
	return artifact, nil
}
