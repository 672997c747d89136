package pipeline

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"camstream/internal/camera"
	"camstream/internal/janitor"
)

// ErrNoOutputsRequested is returned when an OutputConfig enables no output.
var ErrNoOutputsRequested = errors.New("no outputs requested")

// DefaultBinary is the encoder executable looked up on PATH.
const DefaultBinary = "ffmpeg"

// OutputDirs prepares the directories an invocation writes into.
type OutputDirs interface {
	Layout() janitor.Layout
	EnsureOutputDir(id camera.ID) (string, error)
	EnsureRecordingDir() (string, error)
	NewRecordingPath(id camera.ID, t time.Time) string
}

// Invocation is a fully constructed encoder command line. It is never executed here.
type Invocation struct {
	CameraID      camera.ID
	Binary        string
	Args          []string
	Device        string
	OutputDir     string // empty when live output is disabled
	PlaylistPath  string
	RecordingPath string // empty when recording is disabled
}

// HasLive reports whether the invocation produces segmented output.
func (inv Invocation) HasLive() bool { return inv.PlaylistPath != "" }

// String renders the command line for logs.
func (inv Invocation) String() string {
	return inv.Binary + " " + strings.Join(inv.Args, " ")
}

// Builder constructs encoder invocations.
type Builder struct {
	binary  string
	devDir  string
	capture Capture
	dirs    OutputDirs
	now     func() time.Time
}

// NewBuilder returns a Builder. An empty binary uses DefaultBinary; an empty
// devDir uses /dev.
func NewBuilder(binary, devDir string, capture Capture, dirs OutputDirs) *Builder {
	if binary == "" {
		binary = DefaultBinary
	}
	if devDir == "" {
		devDir = "/dev"
	}
	return &Builder{binary: binary, devDir: devDir, capture: capture, dirs: dirs, now: time.Now}
}

// Build returns the invocation for id. When both outputs are requested they
// share one input and are written by a single process as two output branches,
// so the capture device is opened once.
func (b *Builder) Build(id camera.ID, cfg OutputConfig) (Invocation, error) {
	if !cfg.Any() {
		return Invocation{}, ErrNoOutputsRequested
	}
	cfg = cfg.withDefaults(b.capture)

	inv := Invocation{
		CameraID: id,
		Binary:   b.binary,
		Device:   id.DevicePath(b.devDir),
	}
	args := append(b.baseArgs(), b.inputArgs(inv.Device)...)

	if cfg.Recording.Enabled {
		if _, err := b.dirs.EnsureRecordingDir(); err != nil {
			return Invocation{}, err
		}
		inv.RecordingPath = b.dirs.NewRecordingPath(id, b.now())
		args = append(args, recordingArgs(cfg.Recording, inv.RecordingPath)...)
	}

	if cfg.HLS.Enabled {
		// The encoder exits immediately if its output directory is missing.
		dir, err := b.dirs.EnsureOutputDir(id)
		if err != nil {
			return Invocation{}, err
		}
		inv.OutputDir = dir
		inv.PlaylistPath = b.dirs.Layout().PlaylistPath(id)
		args = append(args, hlsArgs(cfg.HLS, b.dirs.Layout().SegmentPattern(id), inv.PlaylistPath)...)
	}

	inv.Args = args
	return inv, nil
}

// Thumbnail returns the invocation that grabs one scaled frame, one second
// into the recording src, as the JPEG dst.
func (b *Builder) Thumbnail(src, dst string) Invocation {
	args := append(b.baseArgs(),
		"-i", src,
		"-ss", "00:00:01",
		"-vframes", "1",
		"-vf", "scale=300:-1",
		dst,
	)
	return Invocation{Binary: b.binary, Args: args}
}

func (b *Builder) baseArgs() []string {
	return []string{"-hide_banner", "-nostdin", "-y"}
}

func (b *Builder) inputArgs(device string) []string {
	c := b.capture
	args := []string{"-f", "v4l2"}
	if c.Format != "" {
		args = append(args, "-input_format", c.Format)
	}
	if c.Width > 0 && c.Height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", c.Width, c.Height))
	}
	if c.FrameRate > 0 {
		args = append(args, "-framerate", strconv.Itoa(c.FrameRate))
	}
	if c.ThreadQueueSize > 0 {
		args = append(args, "-thread_queue_size", strconv.Itoa(c.ThreadQueueSize))
	}
	return append(args,
		"-probesize", "42M",
		"-analyzeduration", "10M",
		"-i", device,
	)
}

func recordingArgs(r RecordingOutput, path string) []string {
	return []string{
		"-map", "0:v",
		"-c:v", "libx264",
		"-crf", strconv.Itoa(r.CRF),
		"-preset", r.Preset,
		"-pix_fmt", "yuv420p",
		"-r", strconv.Itoa(r.FrameRate),
		"-g", strconv.Itoa(r.GOP),
		"-f", "mp4",
		path,
	}
}

func hlsArgs(h HLSOutput, segmentPattern, playlist string) []string {
	gop := strconv.Itoa(h.FrameRate)
	seg := strconv.Itoa(h.SegmentSeconds)
	return []string{
		"-map", "0:v",
		"-c:v", "libx264",
		"-preset", h.Preset,
		"-tune", "zerolatency",
		"-pix_fmt", "yuv420p",
		"-b:v", h.Bitrate,
		"-maxrate", h.MaxRate,
		"-bufsize", h.BufSize,
		"-g", gop,
		"-keyint_min", gop,
		"-r", strconv.Itoa(h.FrameRate),
		"-f", "hls",
		"-hls_time", seg,
		"-hls_init_time", seg,
		"-hls_list_size", strconv.Itoa(h.ListSize),
		"-hls_allow_cache", "0",
		"-hls_segment_type", "mpegts",
		"-start_number", "0",
		"-hls_flags", hlsFlags,
		"-hls_segment_filename", segmentPattern,
		playlist,
	}
}
