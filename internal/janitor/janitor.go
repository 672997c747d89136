package janitor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"camstream/internal/camera"

	"github.com/fsnotify/fsnotify"
	"github.com/google/renameio/v2"
)

const (
	dirPerm  os.FileMode = 0o755
	filePerm os.FileMode = 0o644

	// DefaultKeep is how many segments TrimSegments retains.
	DefaultKeep = 10
	// DefaultMinSegmentBytes is the smallest segment VerifyFreshness accepts.
	DefaultMinSegmentBytes = 1000

	pollInterval = 250 * time.Millisecond

	// mtimeSlack absorbs filesystem timestamps coarser than the wall clock.
	mtimeSlack = time.Second
)

var (
	// ErrFilesystem wraps directory and file operations that could not complete.
	ErrFilesystem = errors.New("filesystem error")

	// ErrPlaylistNotFound is returned when a camera has no playlist file yet.
	ErrPlaylistNotFound = errors.New("playlist not found")

	// ErrNoSegments is returned by VerifyFreshness when no segment exists.
	ErrNoSegments = errors.New("no segments found")

	// ErrSegmentTooSmall is returned by VerifyFreshness when the newest segment
	// is below the size threshold.
	ErrSegmentTooSmall = errors.New("latest segment too small")

	// ErrInvalidRecordingName is returned for names that are not a plain
	// recording file name.
	ErrInvalidRecordingName = errors.New("invalid recording name")

	// ErrRecordingNotFound is returned when the named recording does not exist.
	ErrRecordingNotFound = errors.New("recording not found")
)

// SegmentInfo describes one segment file.
type SegmentInfo struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	MTime   float64   `json:"mtime"`
	ModTime time.Time `json:"-"`
}

// Recording describes one recording file.
type Recording struct {
	Name      string  `json:"name"`
	Size      int64   `json:"size"`
	MTime     float64 `json:"mtime"`
	Thumbnail string  `json:"thumbnail,omitempty"`
}

// Janitor owns the segment and recording directory layout.
type Janitor struct {
	layout Layout
	log    *slog.Logger
}

// New returns a Janitor for layout.
func New(layout Layout, log *slog.Logger) *Janitor {
	return &Janitor{layout: layout, log: log}
}

// Layout returns the directory layout the janitor manages.
func (j *Janitor) Layout() Layout {
	return j.layout
}

// EnsureRoots creates the hls and recordings roots.
func (j *Janitor) EnsureRoots() error {
	for _, dir := range []string{j.layout.HLSRoot(), j.layout.RecordingsDir()} {
		if err := mkdir(dir); err != nil {
			return err
		}
	}
	return nil
}

// EnsureOutputDir creates the output directory of id and an empty playlist in it.
// It is idempotent: an existing playlist is left as is.
func (j *Janitor) EnsureOutputDir(id camera.ID) (string, error) {
	dir := j.layout.OutputDir(id)
	if err := mkdir(dir); err != nil {
		return "", err
	}

	playlist := j.layout.PlaylistPath(id)
	if _, err := os.Stat(playlist); errors.Is(err, fs.ErrNotExist) {
		if err := renameio.WriteFile(playlist, nil, filePerm); err != nil {
			return "", fmt.Errorf("%w: create playlist %s: %v", ErrFilesystem, playlist, err)
		}
	} else if err != nil {
		return "", fmt.Errorf("%w: stat playlist %s: %v", ErrFilesystem, playlist, err)
	}
	if err := os.Chmod(playlist, filePerm); err != nil {
		return "", fmt.Errorf("%w: chmod %s: %v", ErrFilesystem, playlist, err)
	}
	return dir, nil
}

// EnsureRecordingDir creates the recordings directory.
func (j *Janitor) EnsureRecordingDir() (string, error) {
	dir := j.layout.RecordingsDir()
	if err := mkdir(dir); err != nil {
		return "", err
	}
	return dir, nil
}

// NewRecordingPath names a recording of id started at t that does not exist
// yet, adding a numeric suffix when several start within the same second.
func (j *Janitor) NewRecordingPath(id camera.ID, t time.Time) string {
	path := j.layout.RecordingPath(id, t)
	stem := strings.TrimSuffix(path, recordingExt)
	for n := 1; exists(path); n++ {
		path = stem + "-" + strconv.Itoa(n) + recordingExt
	}
	return path
}

// Purge removes everything in the output directory of id and recreates it empty.
// Individual removal failures are logged and skipped; only failing to recreate
// the directory is an error.
func (j *Janitor) Purge(id camera.ID) error {
	dir := j.layout.OutputDir(id)
	entries, err := os.ReadDir(dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		j.log.Warn("list output dir failed",
			slog.String("camera_id", id.String()),
			slog.String("error", err.Error()))
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			j.log.Warn("failed to remove file",
				slog.String("camera_id", id.String()),
				slog.String("file", e.Name()),
				slog.String("error", err.Error()))
		}
	}
	return mkdir(dir)
}

// Segments returns the segment files of id, oldest first by modification time.
// A missing directory yields no segments.
func (j *Janitor) Segments(id camera.ID) ([]SegmentInfo, error) {
	dir := j.layout.OutputDir(id)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", ErrFilesystem, dir, err)
	}

	segs := make([]SegmentInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isSegment(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed by the encoder between ReadDir and Info.
			continue
		}
		segs = append(segs, SegmentInfo{
			Name:    e.Name(),
			Size:    info.Size(),
			MTime:   float64(info.ModTime().UnixNano()) / 1e9,
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(segs, func(a, b int) bool {
		if segs[a].ModTime.Equal(segs[b].ModTime) {
			return segs[a].Name < segs[b].Name
		}
		return segs[a].ModTime.Before(segs[b].ModTime)
	})
	return segs, nil
}

// TrimSegments deletes all but the keep most recently modified segments of id
// and reports how many were removed.
func (j *Janitor) TrimSegments(id camera.ID, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	segs, err := j.Segments(id)
	if err != nil {
		return 0, err
	}
	if len(segs) <= keep {
		return 0, nil
	}

	dir := j.layout.OutputDir(id)
	removed := 0
	for _, s := range segs[:len(segs)-keep] {
		err := os.Remove(filepath.Join(dir, s.Name))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			j.log.Warn("failed to remove old segment",
				slog.String("camera_id", id.String()),
				slog.String("segment", s.Name),
				slog.String("error", err.Error()))
			continue
		}
		removed++
	}
	return removed, nil
}

// VerifyFreshness checks that the newest segment of id exists and holds at
// least minBytes.
func (j *Janitor) VerifyFreshness(id camera.ID, minBytes int64) error {
	segs, err := j.Segments(id)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		return ErrNoSegments
	}
	latest := segs[len(segs)-1]
	if latest.Size < minBytes {
		return fmt.Errorf("%w: %s is %d bytes", ErrSegmentTooSmall, latest.Name, latest.Size)
	}
	return nil
}

// ReadPlaylist returns the playlist file contents of id.
func (j *Janitor) ReadPlaylist(id camera.ID) ([]byte, error) {
	b, err := os.ReadFile(j.layout.PlaylistPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrPlaylistNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read playlist: %v", ErrFilesystem, err)
	}
	return b, nil
}

// Recordings lists recording files, newest first.
func (j *Janitor) Recordings() ([]Recording, error) {
	dir := j.layout.RecordingsDir()
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []Recording{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", ErrFilesystem, dir, err)
	}

	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		names[e.Name()] = true
	}

	out := make([]Recording, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != recordingExt {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		rec := Recording{
			Name:  e.Name(),
			Size:  info.Size(),
			MTime: float64(info.ModTime().UnixNano()) / 1e9,
		}
		if thumb := ThumbnailName(e.Name()); names[thumb] {
			rec.Thumbnail = thumb
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].MTime > out[b].MTime })
	return out, nil
}

// RecordingFile returns the path of the recording called name.
func (j *Janitor) RecordingFile(name string) (string, error) {
	if err := validRecordingName(name); err != nil {
		return "", err
	}
	path := filepath.Join(j.layout.RecordingsDir(), name)
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && info.IsDir()) {
		return "", fmt.Errorf("%w: %s", ErrRecordingNotFound, name)
	}
	if err != nil {
		return "", fmt.Errorf("%w: stat %s: %v", ErrFilesystem, path, err)
	}
	return path, nil
}

// ThumbnailPath returns where the thumbnail of the recording called name
// lives and whether it exists yet.
func (j *Janitor) ThumbnailPath(name string) (string, bool, error) {
	if _, err := j.RecordingFile(name); err != nil {
		return "", false, err
	}
	path := filepath.Join(j.layout.RecordingsDir(), ThumbnailName(name))
	return path, exists(path), nil
}

// DiscardThumbnail removes the thumbnail of the recording called name, if any.
func (j *Janitor) DiscardThumbnail(name string) error {
	if err := validRecordingName(name); err != nil {
		return err
	}
	thumb := filepath.Join(j.layout.RecordingsDir(), ThumbnailName(name))
	if err := os.Remove(thumb); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: remove %s: %v", ErrFilesystem, thumb, err)
	}
	return nil
}

// DeleteRecording removes the recording called name and its thumbnail.
func (j *Janitor) DeleteRecording(name string) error {
	path, err := j.RecordingFile(name)
	if err != nil {
		return err
	}
	if err := j.DiscardThumbnail(name); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("%w: remove %s: %v", ErrFilesystem, path, err)
	}
	j.log.Info("recording deleted", slog.String("recording", name))
	return nil
}

func validRecordingName(name string) error {
	if name == "" || strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) ||
		filepath.Ext(name) != recordingExt {
		return fmt.Errorf("%w: %q", ErrInvalidRecordingName, name)
	}
	return nil
}

// WaitForSegment blocks until a segment file exists for id or ctx is done.
func (j *Janitor) WaitForSegment(ctx context.Context, id camera.ID) error {
	return waitForFile(ctx, j.layout.OutputDir(id), isSegment)
}

// WaitForFile blocks until path exists with a modification time no earlier
// than since, or ctx is done. A zero since accepts any file.
func (j *Janitor) WaitForFile(ctx context.Context, path string, since time.Time) error {
	base := filepath.Base(path)
	dir := filepath.Dir(path)
	return waitForFile(ctx, dir, func(name string) bool {
		if name != base {
			return false
		}
		if since.IsZero() {
			return true
		}
		info, err := os.Stat(filepath.Join(dir, name))
		return err == nil && !info.ModTime().Add(mtimeSlack).Before(since)
	})
}

// waitForFile watches dir with fsnotify and falls back to polling, so it also
// works where inotify is unavailable.
func waitForFile(ctx context.Context, dir string, match func(name string) bool) error {
	var events <-chan fsnotify.Event
	if w, err := fsnotify.NewWatcher(); err == nil {
		defer w.Close()
		if err := w.Add(dir); err == nil {
			events = w.Events
		}
	}

	if present(dir, match) {
		return nil
	}

	tick := time.NewTicker(pollInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Has(fsnotify.Create|fsnotify.Write|fsnotify.Rename) && match(filepath.Base(ev.Name)) {
				if _, err := os.Stat(ev.Name); err == nil {
					return nil
				}
			}
		case <-tick.C:
			if present(dir, match) {
				return nil
			}
		}
	}
}

func present(dir string, match func(name string) bool) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.IsDir() && match(e.Name()) {
			return true
		}
	}
	return false
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func mkdir(dir string) error {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", ErrFilesystem, dir, err)
	}
	if err := os.Chmod(dir, dirPerm); err != nil {
		return fmt.Errorf("%w: chmod %s: %v", ErrFilesystem, dir, err)
	}
	return nil
}
