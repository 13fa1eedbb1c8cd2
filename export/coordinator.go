// Package export composes admission, workspace allocation, capture and the
// job registry into the create and retrieve flows.
package export

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"renderexport/admission"
	"renderexport/apperr"
	"renderexport/job"
	"renderexport/logger"
)

const (
	DefaultWait     = 1000
	DefaultDuration = 1000
	DefaultFPS      = 60
)

// Request is the body of an export creation. Time values are milliseconds.
// Nil pointers take the defaults.
type Request struct {
	Format     string `json:"format"`
	RenderData string `json:"renderData"`
	Wait       *int   `json:"wait"`
	Duration   *int   `json:"duration"`
	FPS        *int   `json:"fps"`
}

// Receipt is what a caller learns about a ready job. It never carries a
// filesystem path.
type Receipt struct {
	JobID     string        `json:"jobId"`
	File      string        `json:"file"`
	Format    job.Format    `json:"format"`
	ExpiresIn time.Duration `json:"-"`
	ExpiresAt time.Time     `json:"expiresAt"`
	// Admission is the rate limit state after this request was counted.
	Admission admission.Decision `json:"-"`
}

// RejectedError carries the limiter decision for a refused request.
type RejectedError struct {
	Decision admission.Decision
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rate limit of %d requests exceeded", e.Decision.Limit)
}

type Admitter interface {
	Admit(ctx context.Context, clientKey string) admission.Decision
}

type Workspaces interface {
	Allocate(jobID string) (string, error)
	Reclaim(path string)
}

// Capturer runs captures. Acquire bounds how many run at once; Run is only
// called while holding a slot.
type Capturer interface {
	Acquire(ctx context.Context) (release func(), err error)
	Run(ctx context.Context, j *job.Job, renderURL string) (string, error)
}

type Registry interface {
	Register(j *job.Job) error
	Retrieve(id, rel string) (*job.Artifact, error)
	Shutdown() int
}

type Options struct {
	RenderBaseURL  string
	MaxDuration    time.Duration
	MaxPreRollWait time.Duration
	MaxFPS         int
}

type Coordinator struct {
	admitter   Admitter
	workspaces Workspaces
	capturer   Capturer
	registry   Registry
	opts       Options
	log        *logger.Logger

	// base outlives any single request; Shutdown cancels it.
	base   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

func New(admitter Admitter, workspaces Workspaces, capturer Capturer, registry Registry, opts Options, log *logger.Logger) *Coordinator {
	base, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		admitter:   admitter,
		workspaces: workspaces,
		capturer:   capturer,
		registry:   registry,
		opts:       opts,
		log:        log.WithComponent("export"),
		base:       base,
		cancel:     cancel,
	}
}

// params is a validated Request.
type params struct {
	format     job.Format
	renderData string
	wait       time.Duration
	duration   time.Duration
	fps        int
}

// validate applies defaults and bounds. It touches no shared state.
func (c *Coordinator) validate(req Request) (params, error) {
	p := params{
		renderData: req.RenderData,
		wait:       DefaultWait * time.Millisecond,
		duration:   DefaultDuration * time.Millisecond,
		fps:        DefaultFPS,
	}

	format, err := job.ParseFormat(req.Format)
	if err != nil {
		return p, apperr.Validation("%v", err)
	}
	p.format = format

	if req.Duration != nil {
		if *req.Duration <= 0 {
			return p, apperr.Validation("duration must be positive")
		}
		// Bound the millisecond count before converting so large values
		// cannot wrap around into a short duration.
		if int64(*req.Duration) > c.opts.MaxDuration.Milliseconds() {
			return p, apperr.Validation("Duration is too long")
		}
		p.duration = time.Duration(*req.Duration) * time.Millisecond
	}
	if p.duration > c.opts.MaxDuration {
		return p, apperr.Validation("Duration is too long")
	}

	if req.Wait != nil {
		if *req.Wait < 0 {
			return p, apperr.Validation("wait must not be negative")
		}
		if int64(*req.Wait) > c.opts.MaxPreRollWait.Milliseconds() {
			return p, apperr.Validation("wait is too long")
		}
		p.wait = time.Duration(*req.Wait) * time.Millisecond
	}
	if p.wait > c.opts.MaxPreRollWait {
		return p, apperr.Validation("wait is too long")
	}

	if req.FPS != nil {
		p.fps = *req.FPS
	}
	if p.fps < 1 || p.fps > c.opts.MaxFPS {
		return p, apperr.Validation("fps must be between 1 and %d", c.opts.MaxFPS)
	}
	return p, nil
}

// Create runs one export end to end and returns once the artifact is ready
// for download. Invalid requests are refused before they are counted
// against the client or allocate anything.
func (c *Coordinator) Create(ctx context.Context, clientKey string, req Request) (*Receipt, error) {
	p, err := c.validate(req)
	if err != nil {
		return nil, err
	}

	decision := c.admitter.Admit(ctx, clientKey)
	if !decision.Allowed {
		return nil, apperr.Wrap(&RejectedError{Decision: decision}, apperr.CodeRateLimited, "export.admit", "too many export requests")
	}

	if !c.track() {
		return nil, apperr.New(apperr.CodeResourceUnavailable, "service is shutting down")
	}
	defer c.wg.Done()

	j := job.New(p.format, p.duration, p.fps, p.wait)
	log := c.log.FromContext(ctx).WithJobID(j.ID)

	// Queue on the request: a client that gives up while waiting for a
	// slot leaves nothing behind.
	release, err := c.acquire(ctx)
	if err != nil {
		j.Transition(job.StateFailed)
		log.Warn("export abandoned while waiting for a capture slot", "error", err.Error())
		return nil, err
	}
	defer release()

	log.Info("starting export process",
		"format", j.Format, "wait_ms", p.wait.Milliseconds(),
		"duration_ms", p.duration.Milliseconds(), "fps", p.fps)

	dir, err := c.workspaces.Allocate(j.ID)
	if err != nil {
		j.Transition(job.StateFailed)
		return nil, err
	}
	j.Workspace = dir

	// Detached from the request: a client hanging up does not abort the
	// capture. Shutdown does.
	runCtx := logger.ContextWithRequestID(c.base, logger.RequestID(ctx))
	runCtx = logger.ContextWithJobID(runCtx, j.ID)
	if _, err := c.capturer.Run(runCtx, j, RenderURL(c.opts.RenderBaseURL, p.wait, p.renderData)); err != nil {
		j.Transition(job.StateFailed)
		c.workspaces.Reclaim(dir)
		return nil, err
	}

	if err := c.registry.Register(j); err != nil {
		j.Transition(job.StateFailed)
		c.workspaces.Reclaim(dir)
		if errors.Is(err, job.ErrClosed) {
			return nil, apperr.Wrap(err, apperr.CodeResourceUnavailable, "export.register", "service is shutting down")
		}
		return nil, apperr.Wrap(err, apperr.CodeInternal, "export.register", "could not register job")
	}

	return &Receipt{
		JobID:     j.ID,
		File:      j.Artifact,
		Format:    j.Format,
		ExpiresIn: time.Until(j.ExpiresAt).Round(time.Second),
		ExpiresAt: j.ExpiresAt,
		Admission: decision,
	}, nil
}

// Retrieve claims a ready job's file. Closing the artifact reclaims the
// workspace.
func (c *Coordinator) Retrieve(ctx context.Context, jobID, rel string) (*job.Artifact, error) {
	a, err := c.registry.Retrieve(jobID, rel)
	if err != nil {
		c.log.FromContext(ctx).Debug("retrieval refused", "job_id", jobID, "path", rel, "error", err.Error())
		return nil, err
	}
	return a, nil
}

// Shutdown cancels in-flight captures, waits for them to tear down, then
// reclaims every job still waiting for download.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for captures: %w", ctx.Err())
	}
	n := c.registry.Shutdown()
	c.log.Info("export coordinator stopped", "reclaimed_jobs", n)
	return err
}

// acquire waits for a capture slot until the request ends or the
// coordinator shuts down.
func (c *Coordinator) acquire(ctx context.Context) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.base, cancel)
	defer stop()
	return c.capturer.Acquire(ctx)
}

func (c *Coordinator) track() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return false
	}
	c.wg.Add(1)
	return true
}

// RenderURL builds the render target address. renderData goes into the
// fragment as is.
func RenderURL(base string, wait time.Duration, renderData string) string {
	return strings.TrimSuffix(base, "/") + "/render?wait=" + strconv.FormatInt(wait.Milliseconds(), 10) + "#" + renderData
}
