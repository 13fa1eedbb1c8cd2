package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"renderexport/config"
	"renderexport/logger"
)

type Runner struct {
	bin           string
	timeout       time.Duration
	encodeArgs    []string
	transcodeArgs []string
	log           *logger.Logger
}

func NewRunner(cfg *config.Config, log *logger.Logger) (*Runner, error) {
	if _, err := exec.LookPath(cfg.FFBin); err != nil {
		return nil, fmt.Errorf("ffmpeg binary not found or not in PATH: %s", cfg.FFBin)
	}

	encodeArgs, err := ParseTemplate(cfg.EncodeArgs, OutputPlaceholder, FPSPlaceholder)
	if err != nil {
		return nil, fmt.Errorf("invalid ENCODE_ARGS: %w", err)
	}
	transcodeArgs, err := ParseTemplate(cfg.TranscodeArgs, InputPlaceholder, OutputPlaceholder)
	if err != nil {
		return nil, fmt.Errorf("invalid TRANSCODE_ARGS: %w", err)
	}

	return &Runner{
		bin:           cfg.FFBin,
		timeout:       cfg.FFTimeout,
		encodeArgs:    encodeArgs,
		transcodeArgs: transcodeArgs,
		log:           log.WithComponent("ffmpeg"),
	}, nil
}

// Transcode converts inputPath into outputPath at fps. On failure the
// partial output is removed.
func (r *Runner) Transcode(ctx context.Context, inputPath, outputPath string, fps int) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	args := Expand(r.transcodeArgs, map[string]string{
		InputPlaceholder:  inputPath,
		OutputPlaceholder: outputPath,
		FPSPlaceholder:    strconv.Itoa(fps),
	})

	cmd := exec.CommandContext(ctx, r.bin, args...)
	var outputBuf bytes.Buffer
	cmd.Stdout = &outputBuf
	cmd.Stderr = &outputBuf

	r.log.FromContext(ctx).Debug("executing transcode", "cmd", cmd.Path, "args", strings.Join(args, " "))

	if err := cmd.Run(); err != nil {
		os.Remove(outputPath)
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg transcode aborted: %w", ctx.Err())
		}
		r.log.FromContext(ctx).Warn("ffmpeg transcode failed", "output", tail(outputBuf.String(), 2048))
		return fmt.Errorf("ffmpeg execution failed: %w", err)
	}
	return nil
}

// Encoder is a running ffmpeg process that turns JPEG frames written to its
// stdin into a video at a fixed frame rate.
type Encoder struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	output *bytes.Buffer
	done   chan error

	mu     sync.Mutex
	closed bool
}

// NewEncoder starts ffmpeg writing to outputPath. The process is killed if
// ctx ends before Close.
func (r *Runner) NewEncoder(ctx context.Context, outputPath string, fps int) (*Encoder, error) {
	args := Expand(r.encodeArgs, map[string]string{
		OutputPlaceholder: outputPath,
		FPSPlaceholder:    strconv.Itoa(fps),
	})

	cmd := exec.CommandContext(ctx, r.bin, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdin: %w", err)
	}
	outputBuf := &bytes.Buffer{}
	cmd.Stdout = outputBuf
	cmd.Stderr = outputBuf

	r.log.FromContext(ctx).Debug("starting encoder", "cmd", cmd.Path, "args", strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg start: %w", err)
	}

	e := &Encoder{cmd: cmd, stdin: stdin, output: outputBuf, done: make(chan error, 1)}
	go func() { e.done <- cmd.Wait() }()
	return e, nil
}

// WriteFrame feeds one encoded image to ffmpeg.
func (e *Encoder) WriteFrame(frame []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("encoder closed")
	}
	_, err := e.stdin.Write(frame)
	return err
}

// Close ends the input and waits for ffmpeg to finish the file.
func (e *Encoder) Close() error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		e.stdin.Close()
	}
	e.mu.Unlock()

	if err := <-e.done; err != nil {
		e.done <- err
		return fmt.Errorf("ffmpeg encoder failed: %w: %s", err, tail(e.output.String(), 512))
	}
	e.done <- nil
	return nil
}

// tail keeps the last n bytes of ffmpeg's chatter, where the error is.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
