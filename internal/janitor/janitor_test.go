package janitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJanitor(t *testing.T) *Janitor {
	t.Helper()
	return New(Layout{Root: t.TempDir()}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// writeSegments creates n segments with increasing modification times.
func writeSegments(t *testing.T, dir string, n int, size int) {
	t.Helper()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < n; i++ {
		p := filepath.Join(dir, fmt.Sprintf("segment%03d.ts", i))
		require.NoError(t, os.WriteFile(p, make([]byte, size), 0o644))
		mt := base.Add(time.Duration(i) * time.Second)
		require.NoError(t, os.Chtimes(p, mt, mt))
	}
}

func TestLayout_paths(t *testing.T) {
	l := Layout{Root: "/data"}
	assert.Equal(t, "/data/hls/camera_0", l.OutputDir("0"))
	assert.Equal(t, "/data/hls/camera_0/playlist.m3u8", l.PlaylistPath("0"))
	assert.Equal(t, "/data/hls/camera_0/segment%03d.ts", l.SegmentPattern("0"))

	ts := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	assert.Equal(t, "/data/recordings/camera_2_20240309-140507.mp4", l.RecordingPath("2", ts))
	assert.Equal(t, "thumb_camera_2_20240309-140507.mp4.jpg", ThumbnailName("camera_2_20240309-140507.mp4"))
}

func TestEnsureOutputDir_idempotent(t *testing.T) {
	j := newTestJanitor(t)

	dir, err := j.EnsureOutputDir("0")
	require.NoError(t, err)

	st, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, st.IsDir())
	assert.Equal(t, os.FileMode(0o755), st.Mode().Perm())

	playlist := j.Layout().PlaylistPath("0")
	pst, err := os.Stat(playlist)
	require.NoError(t, err)
	assert.Zero(t, pst.Size())
	assert.Equal(t, os.FileMode(0o644), pst.Mode().Perm())

	// Existing content survives a second call.
	require.NoError(t, os.WriteFile(playlist, []byte("#EXTM3U\n"), 0o600))
	_, err = j.EnsureOutputDir("0")
	require.NoError(t, err)
	b, err := os.ReadFile(playlist)
	require.NoError(t, err)
	assert.Equal(t, "#EXTM3U\n", string(b))
	pst, err = os.Stat(playlist)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), pst.Mode().Perm())
}

func TestPurge_removes_everything_and_recreates(t *testing.T) {
	j := newTestJanitor(t)
	dir, err := j.EnsureOutputDir("1")
	require.NoError(t, err)
	writeSegments(t, dir, 5, 10)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "stray"), 0o755))

	require.NoError(t, j.Purge("1"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPurge_missing_dir(t *testing.T) {
	j := newTestJanitor(t)
	require.NoError(t, j.Purge("4"))

	st, err := os.Stat(j.Layout().OutputDir("4"))
	require.NoError(t, err)
	assert.True(t, st.IsDir())
}

func TestTrimSegments_keeps_most_recent(t *testing.T) {
	for _, n := range []int{0, 3, 10, 11, 25} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			j := newTestJanitor(t)
			dir, err := j.EnsureOutputDir("0")
			require.NoError(t, err)
			writeSegments(t, dir, n, 10)

			removed, err := j.TrimSegments("0", DefaultKeep)
			require.NoError(t, err)
			assert.Equal(t, max(0, n-DefaultKeep), removed)

			segs, err := j.Segments("0")
			require.NoError(t, err)
			assert.LessOrEqual(t, len(segs), DefaultKeep)
			if n > 0 {
				// The newest segment is always retained.
				assert.Equal(t, fmt.Sprintf("segment%03d.ts", n-1), segs[len(segs)-1].Name)
			}
			if n > DefaultKeep {
				assert.Equal(t, fmt.Sprintf("segment%03d.ts", n-DefaultKeep), segs[0].Name)
			}
		})
	}
}

func TestTrimSegments_ignores_playlist(t *testing.T) {
	j := newTestJanitor(t)
	dir, err := j.EnsureOutputDir("0")
	require.NoError(t, err)
	writeSegments(t, dir, 4, 10)

	_, err = j.TrimSegments("0", 0)
	require.NoError(t, err)

	_, err = os.Stat(j.Layout().PlaylistPath("0"))
	assert.NoError(t, err)
}

func TestVerifyFreshness(t *testing.T) {
	j := newTestJanitor(t)
	dir, err := j.EnsureOutputDir("0")
	require.NoError(t, err)

	assert.ErrorIs(t, j.VerifyFreshness("0", DefaultMinSegmentBytes), ErrNoSegments)

	writeSegments(t, dir, 2, 2000)
	assert.NoError(t, j.VerifyFreshness("0", DefaultMinSegmentBytes))

	// Newest segment is tiny.
	p := filepath.Join(dir, "segment099.ts")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	assert.ErrorIs(t, j.VerifyFreshness("0", DefaultMinSegmentBytes), ErrSegmentTooSmall)
}

func TestVerifyFreshness_threshold_is_inclusive(t *testing.T) {
	j := newTestJanitor(t)
	dir, err := j.EnsureOutputDir("0")
	require.NoError(t, err)

	writeSegments(t, dir, 1, DefaultMinSegmentBytes)
	assert.NoError(t, j.VerifyFreshness("0", DefaultMinSegmentBytes))
	assert.ErrorIs(t, j.VerifyFreshness("0", DefaultMinSegmentBytes+1), ErrSegmentTooSmall)
}

func TestReadPlaylist(t *testing.T) {
	j := newTestJanitor(t)
	_, err := j.ReadPlaylist("0")
	assert.True(t, errors.Is(err, ErrPlaylistNotFound))

	_, err = j.EnsureOutputDir("0")
	require.NoError(t, err)
	b, err := j.ReadPlaylist("0")
	require.NoError(t, err)
	assert.Empty(t, b)
}

func TestRecordings(t *testing.T) {
	j := newTestJanitor(t)
	recs, err := j.Recordings()
	require.NoError(t, err)
	assert.Empty(t, recs)

	dir, err := j.EnsureRecordingDir()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "camera_0_20240101-000000.mp4"), []byte("abc"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "thumb_camera_0_20240101-000000.mp4.jpg"), []byte("j"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	recs, err = j.Recordings()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "camera_0_20240101-000000.mp4", recs[0].Name)
	assert.Equal(t, int64(3), recs[0].Size)
	assert.Equal(t, "thumb_camera_0_20240101-000000.mp4.jpg", recs[0].Thumbnail)
}

func TestWaitForSegment(t *testing.T) {
	j := newTestJanitor(t)
	dir, err := j.EnsureOutputDir("0")
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = os.WriteFile(filepath.Join(dir, "segment000.ts"), []byte("data"), 0o644)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, j.WaitForSegment(ctx, "0"))
}

func TestWaitForSegment_timeout(t *testing.T) {
	j := newTestJanitor(t)
	_, err := j.EnsureOutputDir("0")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, j.WaitForSegment(ctx, "0"), context.DeadlineExceeded)
}

func TestWaitForFile_already_present(t *testing.T) {
	j := newTestJanitor(t)
	dir, err := j.EnsureRecordingDir()
	require.NoError(t, err)
	p := filepath.Join(dir, "camera_0_x.mp4")
	require.NoError(t, os.WriteFile(p, nil, 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, j.WaitForFile(ctx, p, time.Time{}))
	require.NoError(t, j.WaitForFile(ctx, p, time.Now()))
}

func TestWaitForFile_ignores_older_file(t *testing.T) {
	j := newTestJanitor(t)
	dir, err := j.EnsureRecordingDir()
	require.NoError(t, err)
	p := filepath.Join(dir, "camera_0_x.mp4")
	require.NoError(t, os.WriteFile(p, []byte("old"), 0o644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(p, old, old))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, j.WaitForFile(ctx, p, time.Now()), context.DeadlineExceeded)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = os.WriteFile(p, []byte("new"), 0o644)
	}()
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	require.NoError(t, j.WaitForFile(ctx2, p, time.Now()))
}

func TestNewRecordingPath_unique_within_a_second(t *testing.T) {
	j := newTestJanitor(t)
	dir, err := j.EnsureRecordingDir()
	require.NoError(t, err)
	ts := time.Date(2024, 3, 9, 14, 5, 7, 0, time.Local)

	first := j.NewRecordingPath("1", ts)
	assert.Equal(t, filepath.Join(dir, "camera_1_20240309-140507.mp4"), first)
	require.NoError(t, os.WriteFile(first, nil, 0o644))

	second := j.NewRecordingPath("1", ts)
	assert.Equal(t, filepath.Join(dir, "camera_1_20240309-140507-1.mp4"), second)
	require.NoError(t, os.WriteFile(second, nil, 0o644))

	assert.Equal(t, filepath.Join(dir, "camera_1_20240309-140507-2.mp4"), j.NewRecordingPath("1", ts))
	assert.Equal(t, filepath.Join(dir, "camera_2_20240309-140507.mp4"), j.NewRecordingPath("2", ts))
}

func TestRecordingFile(t *testing.T) {
	j := newTestJanitor(t)
	dir, err := j.EnsureRecordingDir()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "camera_0_a.mp4"), []byte("v"), 0o644))

	p, err := j.RecordingFile("camera_0_a.mp4")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "camera_0_a.mp4"), p)

	_, err = j.RecordingFile("camera_0_b.mp4")
	assert.ErrorIs(t, err, ErrRecordingNotFound)

	for _, name := range []string{"", "..", "../secret.mp4", "a/b.mp4", `a\b.mp4`, "camera_0_a.mp4.jpg", "x..mp4"} {
		_, err := j.RecordingFile(name)
		assert.ErrorIs(t, err, ErrInvalidRecordingName, name)
	}
}

func TestThumbnailPath(t *testing.T) {
	j := newTestJanitor(t)
	dir, err := j.EnsureRecordingDir()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "camera_0_a.mp4"), []byte("v"), 0o644))

	p, ok, err := j.ThumbnailPath("camera_0_a.mp4")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, filepath.Join(dir, "thumb_camera_0_a.mp4.jpg"), p)

	require.NoError(t, os.WriteFile(p, []byte("j"), 0o644))
	_, ok, err = j.ThumbnailPath("camera_0_a.mp4")
	require.NoError(t, err)
	assert.True(t, ok)

	_, _, err = j.ThumbnailPath("missing.mp4")
	assert.ErrorIs(t, err, ErrRecordingNotFound)

	require.NoError(t, j.DiscardThumbnail("camera_0_a.mp4"))
	assert.NoFileExists(t, p)
	assert.FileExists(t, filepath.Join(dir, "camera_0_a.mp4"))
	require.NoError(t, j.DiscardThumbnail("camera_0_a.mp4"))
}

func TestDeleteRecording(t *testing.T) {
	j := newTestJanitor(t)
	dir, err := j.EnsureRecordingDir()
	require.NoError(t, err)
	rec := filepath.Join(dir, "camera_0_a.mp4")
	thumb := filepath.Join(dir, "thumb_camera_0_a.mp4.jpg")
	other := filepath.Join(dir, "camera_1_a.mp4")
	for _, p := range []string{rec, thumb, other} {
		require.NoError(t, os.WriteFile(p, []byte("v"), 0o644))
	}

	require.NoError(t, j.DeleteRecording("camera_0_a.mp4"))
	assert.NoFileExists(t, rec)
	assert.NoFileExists(t, thumb)
	assert.FileExists(t, other)

	// Without a thumbnail.
	require.NoError(t, j.DeleteRecording("camera_1_a.mp4"))
	assert.NoFileExists(t, other)

	assert.ErrorIs(t, j.DeleteRecording("camera_0_a.mp4"), ErrRecordingNotFound)
	assert.ErrorIs(t, j.DeleteRecording("../camera_0_a.mp4"), ErrInvalidRecordingName)
}
