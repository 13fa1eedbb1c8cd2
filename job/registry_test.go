package job

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renderexport/apperr"
	"renderexport/logger"
	"renderexport/workspace"
)

// countingReclaimer wraps a workspace manager and counts calls.
type countingReclaimer struct {
	ws    *workspace.Manager
	calls atomic.Int64
}

func (c *countingReclaimer) Reclaim(path string) {
	c.calls.Add(1)
	c.ws.Reclaim(path)
}

func setup(t *testing.T, ttl time.Duration) (*Registry, *workspace.Manager, *countingReclaimer) {
	t.Helper()
	ws, err := workspace.NewManager(t.TempDir(), workspace.Thresholds{}, logger.Discard())
	require.NoError(t, err)
	rec := &countingReclaimer{ws: ws}
	return NewRegistry(ttl, rec, logger.Discard()), ws, rec
}

// readyJob allocates a workspace and writes the artifact into it.
func readyJob(t *testing.T, ws *workspace.Manager, format Format) *Job {
	t.Helper()
	j := New(format, time.Second, 30, time.Second)
	path, err := ws.Allocate(j.ID)
	require.NoError(t, err)
	j.Workspace = path
	j.Artifact = format.ArtifactName()
	require.NoError(t, os.WriteFile(filepath.Join(path, j.Artifact), []byte("artifact-bytes"), 0o600))
	return j
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatVideo, "video": FormatVideo, "mp4": FormatVideo, "image": FormatImage, "GIF": FormatImage} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseFormat("webm")
	assert.Error(t, err)

	assert.Equal(t, "output.gif", FormatImage.ArtifactName())
	assert.Equal(t, "output.mp4", FormatVideo.ArtifactName())
	assert.True(t, FormatImage.NeedsTranscode())
	assert.False(t, FormatVideo.NeedsTranscode())
}

func TestNewID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestTransition_SingleTerminalState(t *testing.T) {
	j := New(FormatVideo, time.Second, 30, 0)
	assert.Equal(t, StateAdmitted, j.State())
	assert.True(t, j.Transition(StateCapturing))
	assert.True(t, j.Transition(StateFailed))
	assert.False(t, j.Transition(StateReady))
	assert.False(t, j.Transition(StateDelivered))
	assert.Equal(t, StateFailed, j.State())
}

func TestRetrieve_DeliversOnce(t *testing.T) {
	reg, ws, rec := setup(t, time.Hour)
	j := readyJob(t, ws, FormatVideo)
	require.NoError(t, reg.Register(j))
	assert.Equal(t, StateReady, j.State())
	assert.Equal(t, 1, reg.Len())

	a, err := reg.Retrieve(j.ID, "/output.mp4")
	require.NoError(t, err)
	assert.Equal(t, "output.mp4", a.Name)
	assert.Equal(t, "video/mp4", a.ContentType)
	assert.Equal(t, int64(len("artifact-bytes")), a.Size)

	body, err := io.ReadAll(a)
	require.NoError(t, err)
	assert.Equal(t, "artifact-bytes", string(body))
	assert.DirExists(t, j.Workspace)

	require.NoError(t, a.Close())
	assert.NoDirExists(t, j.Workspace)
	assert.Equal(t, StateDelivered, j.State())
	assert.Equal(t, 0, reg.Len())

	// Close is idempotent.
	assert.NoError(t, a.Close())
	assert.Equal(t, int64(1), rec.calls.Load())

	_, err = reg.Retrieve(j.ID, "output.mp4")
	assert.True(t, apperr.IsCode(err, apperr.CodeNotFound))
}

func TestRetrieve_PartialReadStillReclaims(t *testing.T) {
	reg, ws, _ := setup(t, time.Hour)
	j := readyJob(t, ws, FormatImage)
	require.NoError(t, reg.Register(j))

	a, err := reg.Retrieve(j.ID, "output.gif")
	require.NoError(t, err)
	buf := make([]byte, 3)
	_, err = a.Read(buf)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	assert.NoDirExists(t, j.Workspace)
	assert.Equal(t, StateDelivered, j.State())
}

func TestRetrieve_UnknownJob(t *testing.T) {
	reg, _, _ := setup(t, time.Hour)
	_, err := reg.Retrieve("nope", "output.mp4")
	assert.True(t, apperr.IsCode(err, apperr.CodeNotFound))
}

func TestRetrieve_PathEscape(t *testing.T) {
	reg, ws, _ := setup(t, time.Hour)
	j := readyJob(t, ws, FormatVideo)
	require.NoError(t, reg.Register(j))

	secret := filepath.Join(ws.Root(), "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("secret"), 0o600))
	require.NoError(t, os.Symlink(secret, filepath.Join(j.Workspace, "link.txt")))

	for _, rel := range []string{"../secret.txt", "/../secret.txt", "a/../../secret.txt", "..", "", "/", "link.txt", "."} {
		_, err := reg.Retrieve(j.ID, rel)
		assert.True(t, apperr.IsCode(err, apperr.CodeNotFound), rel)
	}

	// Rejected attempts leave the job downloadable.
	assert.DirExists(t, j.Workspace)
	a, err := reg.Retrieve(j.ID, "output.mp4")
	require.NoError(t, err)
	require.NoError(t, a.Close())
}

func TestRetrieve_MissingFileKeepsJob(t *testing.T) {
	reg, ws, _ := setup(t, time.Hour)
	j := readyJob(t, ws, FormatVideo)
	require.NoError(t, reg.Register(j))

	_, err := reg.Retrieve(j.ID, "output.gif")
	assert.True(t, apperr.IsCode(err, apperr.CodeNotFound))

	_, found := reg.Get(j.ID)
	assert.True(t, found)
	assert.Equal(t, StateReady, j.State())
}

func TestRetrieve_OnlyIssuedArtifact(t *testing.T) {
	reg, ws, rec := setup(t, time.Hour)
	j := readyJob(t, ws, FormatImage)
	require.NoError(t, reg.Register(j))

	// The recording a GIF was transcoded from stays in the workspace.
	require.NoError(t, os.WriteFile(filepath.Join(j.Workspace, "output.mp4"), []byte("intermediate"), 0o600))

	for _, rel := range []string{"output.mp4", "/output.mp4"} {
		_, err := reg.Retrieve(j.ID, rel)
		assert.True(t, apperr.IsCode(err, apperr.CodeNotFound), rel)
	}
	_, found := reg.Get(j.ID)
	assert.True(t, found)
	assert.Equal(t, StateReady, j.State())
	assert.Equal(t, int64(0), rec.calls.Load())

	a, err := reg.Retrieve(j.ID, "/output.gif")
	require.NoError(t, err)
	assert.Equal(t, "output.gif", a.Name)
	assert.Equal(t, "image/gif", a.ContentType)
	require.NoError(t, a.Close())
	assert.Equal(t, int64(1), rec.calls.Load())
}

func TestRetrieve_ConcurrentOnlyOneWins(t *testing.T) {
	reg, ws, _ := setup(t, time.Hour)
	j := readyJob(t, ws, FormatVideo)
	require.NoError(t, reg.Register(j))

	var wins atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := reg.Retrieve(j.ID, "output.mp4")
			if err == nil {
				wins.Add(1)
				a.Close()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), wins.Load())
	assert.NoDirExists(t, j.Workspace)
}

func TestExpiry(t *testing.T) {
	reg, ws, _ := setup(t, 50*time.Millisecond)
	j := readyJob(t, ws, FormatVideo)
	require.NoError(t, reg.Register(j))

	assert.Eventually(t, func() bool {
		return j.State() == StateExpired
	}, 2*time.Second, 10*time.Millisecond)
	assert.NoDirExists(t, j.Workspace)

	_, err := reg.Retrieve(j.ID, "output.mp4")
	assert.True(t, apperr.IsCode(err, apperr.CodeNotFound))
}

func TestExpiry_AfterDeliveryIsNoop(t *testing.T) {
	reg, ws, rec := setup(t, 50*time.Millisecond)
	j := readyJob(t, ws, FormatVideo)
	require.NoError(t, reg.Register(j))

	a, err := reg.Retrieve(j.ID, "output.mp4")
	require.NoError(t, err)
	require.NoError(t, a.Close())

	// Fire the expiry path directly as if the timer raced the download.
	reg.expire(j)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, StateDelivered, j.State())
	assert.Equal(t, int64(1), rec.calls.Load())
}

func TestRegister_Rejections(t *testing.T) {
	reg, ws, _ := setup(t, time.Hour)

	failed := readyJob(t, ws, FormatVideo)
	failed.Transition(StateFailed)
	assert.Error(t, reg.Register(failed))

	j := readyJob(t, ws, FormatVideo)
	reg.Shutdown()
	assert.ErrorIs(t, reg.Register(j), ErrClosed)
}

func TestShutdown_ReclaimsLiveJobs(t *testing.T) {
	reg, ws, _ := setup(t, time.Hour)
	a := readyJob(t, ws, FormatVideo)
	b := readyJob(t, ws, FormatImage)
	require.NoError(t, reg.Register(a))
	require.NoError(t, reg.Register(b))

	assert.Equal(t, 2, reg.Shutdown())
	assert.NoDirExists(t, a.Workspace)
	assert.NoDirExists(t, b.Workspace)
	assert.Equal(t, StateExpired, a.State())
	assert.Equal(t, 0, reg.Len())
}
