package pipeline

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"camstream/internal/janitor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBuilder(t *testing.T) (*Builder, *janitor.Janitor) {
	t.Helper()
	j := janitor.New(janitor.Layout{Root: t.TempDir()}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	b := NewBuilder("", "", DefaultCapture, j)
	b.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local) }
	return b, j
}

// argValue returns the value following the n-th occurrence of flag.
func argValue(args []string, flag string, n int) string {
	seen := 0
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			if seen == n {
				return args[i+1]
			}
			seen++
		}
	}
	return ""
}

func count(args []string, s string) int {
	n := 0
	for _, a := range args {
		if a == s {
			n++
		}
	}
	return n
}

func TestBuild_no_outputs(t *testing.T) {
	b, _ := newTestBuilder(t)
	_, err := b.Build("0", OutputConfig{})
	assert.ErrorIs(t, err, ErrNoOutputsRequested)
}

func TestBuild_hls_only(t *testing.T) {
	b, j := newTestBuilder(t)

	inv, err := b.Build("0", OutputConfig{HLS: HLSOutput{Enabled: true}})
	require.NoError(t, err)

	assert.Equal(t, "ffmpeg", inv.Binary)
	assert.Equal(t, "/dev/video0", inv.Device)
	assert.Empty(t, inv.RecordingPath)
	assert.True(t, inv.HasLive())
	assert.Equal(t, j.Layout().PlaylistPath("0"), inv.PlaylistPath)
	assert.Equal(t, inv.PlaylistPath, inv.Args[len(inv.Args)-1])

	// The output directory must exist before the encoder is spawned.
	_, err = os.Stat(inv.OutputDir)
	require.NoError(t, err)
	_, err = os.Stat(inv.PlaylistPath)
	require.NoError(t, err)

	assert.Equal(t, 1, count(inv.Args, "-i"))
	assert.Equal(t, "/dev/video0", argValue(inv.Args, "-i", 0))
	assert.Equal(t, "v4l2", argValue(inv.Args, "-f", 0))
	assert.Equal(t, "mjpeg", argValue(inv.Args, "-input_format", 0))
	assert.Equal(t, "640x480", argValue(inv.Args, "-video_size", 0))
	assert.Equal(t, "30", argValue(inv.Args, "-framerate", 0))
	assert.Equal(t, "hls", argValue(inv.Args, "-f", 1))
	assert.Equal(t, "zerolatency", argValue(inv.Args, "-tune", 0))
	assert.Equal(t, "2", argValue(inv.Args, "-hls_time", 0))
	assert.Equal(t, "3", argValue(inv.Args, "-hls_list_size", 0))
	assert.Contains(t, argValue(inv.Args, "-hls_flags", 0), "delete_segments")
	assert.Equal(t, filepath.Join(inv.OutputDir, "segment%03d.ts"), argValue(inv.Args, "-hls_segment_filename", 0))
	assert.NotContains(t, inv.Args, "mp4")
}

func TestBuild_recording_only(t *testing.T) {
	b, j := newTestBuilder(t)

	inv, err := b.Build("2", OutputConfig{Recording: RecordingOutput{Enabled: true}})
	require.NoError(t, err)

	assert.False(t, inv.HasLive())
	assert.Empty(t, inv.OutputDir)
	assert.Equal(t, filepath.Join(j.Layout().RecordingsDir(), "camera_2_20240102-030405.mp4"), inv.RecordingPath)
	assert.Equal(t, inv.RecordingPath, inv.Args[len(inv.Args)-1])
	assert.Equal(t, "mp4", argValue(inv.Args, "-f", 1))
	// Alone, the recording follows the capture frame rate.
	assert.Equal(t, "30", argValue(inv.Args, "-r", 0))
	assert.NotContains(t, inv.Args, "hls")

	_, err = os.Stat(j.Layout().RecordingsDir())
	require.NoError(t, err)
}

func TestBuild_both_outputs_share_one_input(t *testing.T) {
	b, _ := newTestBuilder(t)

	inv, err := b.Build("1", OutputConfig{
		Recording: RecordingOutput{Enabled: true},
		HLS:       HLSOutput{Enabled: true},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, count(inv.Args, "-i"), "capture device must be opened once")
	assert.Equal(t, 2, count(inv.Args, "-map"))
	assert.Equal(t, "mp4", argValue(inv.Args, "-f", 1))
	assert.Equal(t, "hls", argValue(inv.Args, "-f", 2))
	assert.Equal(t, "15", argValue(inv.Args, "-r", 0), "recording branch runs at a lower rate")
	assert.Equal(t, "28", argValue(inv.Args, "-crf", 0))
	assert.Contains(t, inv.Args, inv.RecordingPath)
	assert.Equal(t, inv.PlaylistPath, inv.Args[len(inv.Args)-1])
}

func TestBuild_parameters_override_defaults(t *testing.T) {
	b, _ := newTestBuilder(t)

	inv, err := b.Build("0", OutputConfig{HLS: HLSOutput{
		Enabled:        true,
		SegmentSeconds: 4,
		ListSize:       6,
		FrameRate:      25,
		Bitrate:        "2000k",
	}})
	require.NoError(t, err)

	assert.Equal(t, "4", argValue(inv.Args, "-hls_time", 0))
	assert.Equal(t, "6", argValue(inv.Args, "-hls_list_size", 0))
	assert.Equal(t, "25", argValue(inv.Args, "-g", 0))
	assert.Equal(t, "2000k", argValue(inv.Args, "-b:v", 0))
}

func TestBuild_deterministic(t *testing.T) {
	b, _ := newTestBuilder(t)
	cfg := OutputConfig{Recording: RecordingOutput{Enabled: true}, HLS: HLSOutput{Enabled: true}}

	a1, err := b.Build("3", cfg)
	require.NoError(t, err)
	a2, err := b.Build("3", cfg)
	require.NoError(t, err)
	assert.Equal(t, a1, a2)
	assert.True(t, strings.HasPrefix(a1.String(), "ffmpeg -hide_banner"))
}

func TestBuild_custom_capture(t *testing.T) {
	j := janitor.New(janitor.Layout{Root: t.TempDir()}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	b := NewBuilder("/usr/bin/ffmpeg", "/tmp/dev", Capture{Format: "yuyv422", Width: 1280, Height: 720}, j)

	inv, err := b.Build("5", DefaultOutputConfig())
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/ffmpeg", inv.Binary)
	assert.Equal(t, "/tmp/dev/video5", inv.Device)
	assert.Equal(t, "yuyv422", argValue(inv.Args, "-input_format", 0))
	assert.Equal(t, "1280x720", argValue(inv.Args, "-video_size", 0))
	assert.Zero(t, count(inv.Args, "-framerate"))
}

func TestBuild_recording_never_reuses_a_file(t *testing.T) {
	b, j := newTestBuilder(t)
	cfg := OutputConfig{Recording: RecordingOutput{Enabled: true}}

	first, err := b.Build("2", cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(first.RecordingPath, []byte("old"), 0o644))

	second, err := b.Build("2", cfg)
	require.NoError(t, err)
	assert.NotEqual(t, first.RecordingPath, second.RecordingPath)
	assert.Equal(t, filepath.Join(j.Layout().RecordingsDir(), "camera_2_20240102-030405-1.mp4"), second.RecordingPath)
}

func TestBuild_thumbnail(t *testing.T) {
	b, _ := newTestBuilder(t)

	inv := b.Thumbnail("/rec/camera_0_x.mp4", "/rec/thumb_camera_0_x.mp4.jpg")
	assert.Equal(t, "ffmpeg", inv.Binary)
	assert.Equal(t, "/rec/camera_0_x.mp4", argValue(inv.Args, "-i", 0))
	assert.Equal(t, "1", argValue(inv.Args, "-vframes", 0))
	assert.Equal(t, "scale=300:-1", argValue(inv.Args, "-vf", 0))
	assert.Equal(t, "/rec/thumb_camera_0_x.mp4.jpg", inv.Args[len(inv.Args)-1])
}

func TestOutputConfig_UnmarshalJSON(t *testing.T) {
	cases := map[string]struct {
		body      string
		recording bool
		hls       bool
	}{
		"empty":            {`{}`, true, true},
		"recording_params": {`{"recording": {"crf": 20}}`, true, true},
		"recording_off":    {`{"recording": {"enabled": false}}`, false, true},
		"hls_off":          {`{"hls": {"enabled": false}}`, true, false},
		"both_off":         {`{"recording": {"enabled": false}, "hls": {"enabled": false}}`, false, false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			var cfg OutputConfig
			require.NoError(t, json.Unmarshal([]byte(tc.body), &cfg))
			assert.Equal(t, tc.recording, cfg.Recording.Enabled)
			assert.Equal(t, tc.hls, cfg.HLS.Enabled)
		})
	}

	var cfg OutputConfig
	require.NoError(t, json.Unmarshal([]byte(`{"recording": {"crf": 20}}`), &cfg))
	assert.Equal(t, 20, cfg.Recording.CRF)
}
