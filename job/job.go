package job

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
)

type Format string

const (
	FormatVideo Format = "video"
	// FormatImage is an animated GIF transcoded from the video capture.
	FormatImage Format = "image"
)

// ParseFormat accepts the public names plus the file-extension aliases
// older clients send. Empty means video.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "video", "mp4":
		return FormatVideo, nil
	case "image", "gif":
		return FormatImage, nil
	default:
		return "", fmt.Errorf("unsupported format %q", s)
	}
}

// NeedsTranscode reports whether the capture must be converted.
func (f Format) NeedsTranscode() bool {
	return f == FormatImage
}

// ArtifactName is the workspace-relative name of the file a job delivers.
func (f Format) ArtifactName() string {
	if f == FormatImage {
		return "output.gif"
	}
	return "output.mp4"
}

func (f Format) ContentType() string {
	if f == FormatImage {
		return "image/gif"
	}
	return "video/mp4"
}

type State string

const (
	StateAdmitted    State = "admitted"
	StateCapturing   State = "capturing"
	StateTranscoding State = "transcoding"
	StateReady       State = "ready"
	StateDelivered   State = "delivered"
	StateExpired     State = "expired"
	StateFailed      State = "failed"
)

func (s State) Terminal() bool {
	return s == StateDelivered || s == StateExpired || s == StateFailed
}

type Job struct {
	ID        string        `json:"jobId"`
	Workspace string        `json:"-"` // never exposed
	Format    Format        `json:"format"`
	Duration  time.Duration `json:"-"`
	FrameRate int           `json:"fps"`
	PreRoll   time.Duration `json:"-"`
	// Artifact is the workspace-relative name of the final file.
	Artifact  string    `json:"file,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ReadyAt   time.Time `json:"readyAt,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`

	mu    sync.Mutex
	state State
	timer *time.Timer
}

// New returns an Admitted job with a fresh unguessable id.
func New(format Format, duration time.Duration, fps int, preRoll time.Duration) *Job {
	return &Job{
		ID:        NewID(),
		Format:    format,
		Duration:  duration,
		FrameRate: fps,
		PreRoll:   preRoll,
		CreatedAt: time.Now(),
		state:     StateAdmitted,
	}
}

// NewID returns a random base57 UUIDv4. Ids carry no clock component.
func NewID() string {
	return shortuuid.New()
}

func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Transition moves the job to s. It returns false if the job is already
// terminal, so exactly one terminal state is ever recorded.
func (j *Job) Transition(s State) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return false
	}
	j.state = s
	return true
}

func (j *Job) setTimer(t *time.Timer) {
	j.mu.Lock()
	j.timer = t
	j.mu.Unlock()
}

func (j *Job) stopTimer() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.timer != nil {
		j.timer.Stop()
	}
}
