package ffmpeg

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renderexport/config"
	"renderexport/logger"
)

// fakeFFmpeg copies its -i input (or stdin for "-i -") to the last argument.
const fakeFFmpeg = `#!/bin/sh
in=""; prev=""; last=""
for a; do
  if [ "$prev" = "-i" ]; then in="$a"; fi
  prev="$a"; last="$a"
done
if [ -n "$FAKE_FFMPEG_FAIL" ]; then
  echo partial > "$last"
  echo "conversion failed" >&2
  exit 1
fi
if [ "$in" = "-" ]; then cat > "$last"; else cp "$in" "$last"; fi
`

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake ffmpeg is a shell script")
	}
	bin := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(bin, []byte(fakeFFmpeg), 0o755))

	r, err := NewRunner(&config.Config{
		FFBin:         bin,
		FFTimeout:     5 * time.Second,
		EncodeArgs:    "-y -f image2pipe -framerate ${FPS} -i - ${OUTPUT}",
		TranscodeArgs: "-y -i ${INPUT} -r ${FPS} -qscale 0 ${OUTPUT}",
	}, logger.Discard())
	require.NoError(t, err)
	return r
}

func TestNewRunner_Errors(t *testing.T) {
	_, err := NewRunner(&config.Config{FFBin: "definitely-not-ffmpeg-xyz"}, logger.Discard())
	assert.ErrorContains(t, err, "not found")

	_, err = NewRunner(&config.Config{
		FFBin:         "sh",
		EncodeArgs:    "-i - ${OUTPUT}",
		TranscodeArgs: "-i ${INPUT} ${OUTPUT}",
	}, logger.Discard())
	assert.ErrorContains(t, err, "ENCODE_ARGS")
}

func TestTranscode(t *testing.T) {
	r := newTestRunner(t)
	dir := t.TempDir()
	in := filepath.Join(dir, "output.mp4")
	out := filepath.Join(dir, "output.gif")
	require.NoError(t, os.WriteFile(in, []byte("video"), 0o600))

	require.NoError(t, r.Transcode(context.Background(), in, out, 30))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "video", string(data))
}

func TestTranscode_FailureRemovesPartialOutput(t *testing.T) {
	r := newTestRunner(t)
	t.Setenv("FAKE_FFMPEG_FAIL", "1")
	dir := t.TempDir()
	in := filepath.Join(dir, "output.mp4")
	out := filepath.Join(dir, "output.gif")
	require.NoError(t, os.WriteFile(in, []byte("video"), 0o600))

	err := r.Transcode(context.Background(), in, out, 30)
	assert.ErrorContains(t, err, "ffmpeg execution failed")
	assert.NoFileExists(t, out)
	assert.FileExists(t, in)
}

func TestEncoder(t *testing.T) {
	r := newTestRunner(t)
	out := filepath.Join(t.TempDir(), "output.mp4")

	enc, err := r.NewEncoder(context.Background(), out, 30)
	require.NoError(t, err)
	require.NoError(t, enc.WriteFrame([]byte("frame1")))
	require.NoError(t, enc.WriteFrame([]byte("frame2")))
	require.NoError(t, enc.Close())
	assert.NoError(t, enc.Close())
	assert.Error(t, enc.WriteFrame([]byte("late")))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "frame1frame2", string(data))
}

func TestEncoder_Failure(t *testing.T) {
	r := newTestRunner(t)
	t.Setenv("FAKE_FFMPEG_FAIL", "1")

	enc, err := r.NewEncoder(context.Background(), filepath.Join(t.TempDir(), "output.mp4"), 30)
	require.NoError(t, err)
	assert.ErrorContains(t, enc.Close(), "conversion failed")
}
