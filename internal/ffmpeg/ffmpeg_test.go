package ffmpeg

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/hanielwang/Audio-Visual-TAD/internal/features"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// skipIfNoFFmpeg skips the test if ffmpeg is not available
func skipIfNoFFmpeg(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not found in PATH - install with: brew install ffmpeg")
	}
	if _, err := exec.LookPath("ffprobe"); err != nil {
		t.Skip("ffprobe not found in PATH - install with: brew install ffmpeg")
	}
}

const sampleProbe = `{
	"streams": [
		{"codec_type": "video", "codec_name": "h264", "width": 1920, "height": 1080,
		 "r_frame_rate": "60/1", "avg_frame_rate": "60000/1001", "nb_frames": "1798"},
		{"codec_type": "audio", "codec_name": "aac", "sample_rate": "48000"}
	],
	"format": {"duration": "30.013000"}
}`

func TestParseProbe(t *testing.T) {
	info, err := parseProbe([]byte(sampleProbe))
	require.NoError(t, err)

	assert.InDelta(t, 59.94, info.FPS, 0.01)
	assert.InDelta(t, 30.013, info.Duration, 1e-9)
	assert.Equal(t, 1920, info.Width)
	assert.Equal(t, 1798, info.Frames)
	assert.True(t, info.HasAudio)
	assert.Equal(t, 48000, info.SampleRate)
}

func TestParseProbeFallsBackToRFrameRate(t *testing.T) {
	info, err := parseProbe([]byte(`{
		"streams": [{"codec_type": "video", "r_frame_rate": "25/1", "avg_frame_rate": "0/0"}],
		"format": {"duration": "4"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, 25.0, info.FPS)
}

func TestParseProbeErrors(t *testing.T) {
	_, err := parseProbe([]byte(`not json`))
	assert.Error(t, err)

	_, err = parseProbe([]byte(`{"streams": [{"codec_type": "audio"}], "format": {}}`))
	assert.ErrorContains(t, err, "frame rate")
}

func TestApplyKeepsManifestValues(t *testing.T) {
	info := &VideoInfo{FPS: 30, Duration: 12}

	m := &features.Manifest{VideoID: "v", FPS: 50}
	info.Apply(m)
	assert.Equal(t, 50.0, m.FPS)
	assert.Equal(t, 12.0, m.Duration)
}

func TestProbeVideoRequiresPath(t *testing.T) {
	e := &Executor{logger: zerolog.Nop(), ffprobePath: "ffprobe"}
	_, err := e.ProbeVideo(context.Background(), "")
	assert.Error(t, err)
}

func TestFillManifestFromGeneratedVideo(t *testing.T) {
	skipIfNoFFmpeg(t)

	dir := t.TempDir()
	video := filepath.Join(dir, "sample.mp4")
	gen := exec.Command("ffmpeg", "-y", "-hide_banner", "-loglevel", "error",
		"-f", "lavfi", "-i", "testsrc=duration=2:size=160x120:rate=25",
		"-pix_fmt", "yuv420p", video)
	gen.Stderr = os.Stderr
	if err := gen.Run(); err != nil {
		t.Skipf("could not generate test video: %v", err)
	}

	e, err := New(zerolog.Nop(), DefaultConfig())
	require.NoError(t, err)

	m := &features.Manifest{VideoID: "sample", VideoPath: video}
	require.NoError(t, e.FillManifest(context.Background(), m))
	assert.InDelta(t, 25.0, m.FPS, 0.01)
	assert.InDelta(t, 2.0, m.Duration, 0.1)
}
