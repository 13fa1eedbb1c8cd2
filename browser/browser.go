// Package browser implements the capture session on headless Chrome via the
// DevTools protocol. Frames come from Page.startScreencast and are paced to
// a fixed frame rate into an ffmpeg encoder.
package browser

import (
	"context"
	"fmt"
	"strings"

	"github.com/chromedp/chromedp"
	"github.com/google/shlex"

	"renderexport/ffmpeg"
	"renderexport/logger"
	"renderexport/pipeline"
)

type Launcher struct {
	opts   []chromedp.ExecAllocatorOption
	runner *ffmpeg.Runner
	log    *logger.Logger
}

// NewLauncher builds allocator options from an optional Chrome binary path
// and extra command-line flags ("--no-sandbox --lang=en").
func NewLauncher(chromePath, flags string, runner *ffmpeg.Runner, log *logger.Logger) (*Launcher, error) {
	opts, err := AllocatorOptions(chromePath, flags)
	if err != nil {
		return nil, err
	}
	return &Launcher{opts: opts, runner: runner, log: log.WithComponent("browser")}, nil
}

func AllocatorOptions(chromePath, flags string) ([]chromedp.ExecAllocatorOption, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.WindowSize(pipeline.DefaultViewport.Width, pipeline.DefaultViewport.Height),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("mute-audio", true),
	)
	if chromePath != "" {
		opts = append(opts, chromedp.ExecPath(chromePath))
	}

	args, err := shlex.Split(flags)
	if err != nil {
		return nil, fmt.Errorf("invalid BROWSER_FLAGS: %w", err)
	}
	for _, arg := range args {
		name, value, err := ParseFlag(arg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, chromedp.Flag(name, value))
	}
	return opts, nil
}

// ParseFlag turns "--name=value" into a chromedp flag. A bare "--name" and
// the literals true/false become booleans.
func ParseFlag(arg string) (string, interface{}, error) {
	if !strings.HasPrefix(arg, "--") || len(arg) < 3 {
		return "", nil, fmt.Errorf("invalid browser flag %q", arg)
	}
	name, value, hasValue := strings.Cut(arg[2:], "=")
	if !hasValue {
		return name, true, nil
	}
	switch value {
	case "true":
		return name, true, nil
	case "false":
		return name, false, nil
	}
	return name, value, nil
}

// Launch starts a browser with one blank tab. The browser lives until the
// session is closed or ctx ends.
func (l *Launcher) Launch(ctx context.Context) (pipeline.Session, error) {
	log := l.log.FromContext(ctx)

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, l.opts...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(func(format string, args ...interface{}) {
			log.Debug("devtools error", "detail", fmt.Sprintf(format, args...))
		}),
	)

	// The first Run starts the browser process.
	if err := chromedp.Run(tabCtx); err != nil {
		cancelTab()
		cancelAlloc()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	log.Debug("browser launched")

	return &Session{
		tab:         tabCtx,
		cancelTab:   cancelTab,
		cancelAlloc: cancelAlloc,
		runner:      l.runner,
		log:         log,
	}, nil
}
