package job

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"renderexport/apperr"
	"renderexport/logger"
)

// Reclaimer deletes a job workspace. It must tolerate missing directories.
type Reclaimer interface {
	Reclaim(path string)
}

var ErrClosed = errors.New("job registry is shut down")

// Registry tracks jobs that are ready for download. A job leaves the
// registry exactly once: claimed by a download, or dropped by its
// abandonment timer, or dropped at shutdown.
type Registry struct {
	jobs      sync.Map
	ttl       time.Duration
	reclaimer Reclaimer
	log       *logger.Logger

	mu     sync.RWMutex
	closed bool
}

func NewRegistry(ttl time.Duration, reclaimer Reclaimer, log *logger.Logger) *Registry {
	return &Registry{
		ttl:       ttl,
		reclaimer: reclaimer,
		log:       log.WithComponent("registry"),
	}
}

// Register marks j Ready and starts its abandonment timer.
func (r *Registry) Register(j *Job) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	if !j.Transition(StateReady) {
		return fmt.Errorf("job %s is already %s", j.ID, j.State())
	}

	now := time.Now()
	j.ReadyAt = now
	j.ExpiresAt = now.Add(r.ttl)
	if _, loaded := r.jobs.LoadOrStore(j.ID, j); loaded {
		return fmt.Errorf("job %s already registered", j.ID)
	}
	j.setTimer(time.AfterFunc(r.ttl, func() { r.expire(j) }))

	r.log.Info("job registered", "job_id", j.ID, "expires_at", j.ExpiresAt)
	return nil
}

func (r *Registry) Get(id string) (*Job, bool) {
	if v, ok := r.jobs.Load(id); ok {
		return v.(*Job), true
	}
	return nil, false
}

func (r *Registry) Len() int {
	n := 0
	r.jobs.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// Retrieve opens the job's artifact and claims the job. rel must name the
// artifact issued for the job; intermediate files are never served. The
// returned Artifact reclaims the workspace when closed, whether or not the
// caller read it to the end. A second Retrieve for the same job gets
// NotFound.
func (r *Registry) Retrieve(id, rel string) (*Artifact, error) {
	v, ok := r.jobs.Load(id)
	if !ok {
		return nil, apperr.NotFound("job", id)
	}
	j := v.(*Job)

	path, err := resolve(j.Workspace, rel)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeNotFound, "registry.retrieve", "file not found")
	}
	if j.Artifact == "" || path != filepath.Join(j.Workspace, j.Artifact) {
		return nil, apperr.NotFound("file", rel)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeNotFound, "registry.retrieve", "file not found")
	}
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		f.Close()
		return nil, apperr.NotFound("file", rel)
	}

	if !r.jobs.CompareAndDelete(id, j) {
		// Lost to a concurrent download or the abandonment timer.
		f.Close()
		return nil, apperr.NotFound("job", id)
	}
	j.stopTimer()

	return &Artifact{
		Name:        j.Artifact,
		Size:        info.Size(),
		ModTime:     info.ModTime(),
		ContentType: j.Format.ContentType(),
		file:        f,
		release: func() {
			j.Transition(StateDelivered)
			r.reclaimer.Reclaim(j.Workspace)
			r.log.Info("job delivered", "job_id", j.ID)
		},
	}, nil
}

func (r *Registry) expire(j *Job) {
	if !r.jobs.CompareAndDelete(j.ID, j) {
		return
	}
	j.Transition(StateExpired)
	r.reclaimer.Reclaim(j.Workspace)
	r.log.Info("job expired without download", "job_id", j.ID)
}

// Shutdown stops accepting jobs and reclaims every live one.
func (r *Registry) Shutdown() int {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	n := 0
	r.jobs.Range(func(key, value interface{}) bool {
		j := value.(*Job)
		if r.jobs.CompareAndDelete(key, j) {
			j.stopTimer()
			j.Transition(StateExpired)
			r.reclaimer.Reclaim(j.Workspace)
			n++
		}
		return true
	})
	r.log.Info("job registry shut down", "reclaimed", n)
	return n
}

// resolve joins rel onto root, refusing anything that could leave root.
func resolve(root, rel string) (string, error) {
	rel = filepath.FromSlash(strings.TrimLeft(rel, "/"))
	if rel == "" || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("invalid artifact path %q", rel)
	}
	path := filepath.Join(root, rel)
	info, err := os.Lstat(path)
	if err != nil {
		return "", err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return "", fmt.Errorf("artifact path %q is a symlink", rel)
	}
	return path, nil
}

// Artifact is a claimed download. Close must be called exactly once the
// response is done; it deletes the job's workspace.
type Artifact struct {
	Name        string
	Size        int64
	ModTime     time.Time
	ContentType string

	file    *os.File
	once    sync.Once
	release func()
}

func (a *Artifact) Read(p []byte) (int, error) {
	return a.file.Read(p)
}

func (a *Artifact) Close() error {
	var err error
	a.once.Do(func() {
		err = a.file.Close()
		a.release()
	})
	return err
}
