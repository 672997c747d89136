package device

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"camstream/internal/camera"
)

var (
	// ErrDeviceNotFound is returned when the capture device node does not exist.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrDeviceBusy is returned when the capture device is held by another process.
	ErrDeviceBusy = errors.New("device busy")
)

const (
	// DefaultControlBinary is the device-control utility.
	DefaultControlBinary = "v4l2-ctl"

	defaultControlTimeout = time.Second
	formatsTimeout        = 5 * time.Second
)

// Runner executes an external command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Reclaimer releases capture devices and checks them before use.
type Reclaimer struct {
	devDir         string
	controlBinary  string
	controlTimeout time.Duration
	log            *slog.Logger
	run            Runner
	open           func(path string) error
}

// NewReclaimer returns a Reclaimer for devices under devDir.
func NewReclaimer(devDir, controlBinary string, log *slog.Logger) *Reclaimer {
	if devDir == "" {
		devDir = "/dev"
	}
	if controlBinary == "" {
		controlBinary = DefaultControlBinary
	}
	return &Reclaimer{
		devDir:         devDir,
		controlBinary:  controlBinary,
		controlTimeout: defaultControlTimeout,
		log:            log,
		run:            execRunner,
		open:           openRelease,
	}
}

// DevicePath returns the capture device node of id.
func (r *Reclaimer) DevicePath(id camera.ID) string {
	return id.DevicePath(r.devDir)
}

// Reclaim forces any stale handle on the capture device of id closed: it opens
// and immediately releases the node, then asks the control utility to stop
// memory-mapped streaming. It is best-effort and never fails; problems are only
// logged. Callers must not treat it as proof the device is free.
func (r *Reclaimer) Reclaim(ctx context.Context, id camera.ID) {
	path := id.DevicePath(r.devDir)
	if err := r.open(path); err != nil {
		r.log.Debug("device release open failed",
			slog.String("camera_id", id.String()),
			slog.String("device", path),
			slog.String("error", err.Error()))
	}

	cctx, cancel := context.WithTimeout(ctx, r.controlTimeout)
	defer cancel()
	if out, err := r.run(cctx, r.controlBinary, "--device", path, "--stream-mmap", "--stream-off"); err != nil {
		r.log.Debug("device stream-off failed",
			slog.String("camera_id", id.String()),
			slog.String("device", path),
			slog.String("output", strings.TrimSpace(string(out))),
			slog.String("error", err.Error()))
	}
}

// Probe is the pre-flight check run before an encoder is spawned: the node must
// exist and be openable.
func (r *Reclaimer) Probe(_ context.Context, id camera.ID) error {
	path := id.DevicePath(r.devDir)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrDeviceNotFound, path)
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := r.open(path); err != nil {
		switch {
		case errors.Is(err, ErrDeviceBusy):
			return fmt.Errorf("%w: %s", ErrDeviceBusy, path)
		case errors.Is(err, fs.ErrNotExist):
			return fmt.Errorf("%w: %s", ErrDeviceNotFound, path)
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	return nil
}

// Formats returns the control utility's listing of formats, sizes and rates
// supported by the device of id.
func (r *Reclaimer) Formats(ctx context.Context, id camera.ID) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, formatsTimeout)
	defer cancel()
	out, err := r.run(cctx, r.controlBinary, "--device", id.DevicePath(r.devDir), "--list-formats-ext")
	if err != nil {
		return string(out), fmt.Errorf("list formats: %w", err)
	}
	return string(out), nil
}

// PreferredFormat picks the capture input format from a formats listing:
// MJPEG when offered, raw YUYV otherwise.
func PreferredFormat(formats string) string {
	if strings.Contains(formats, "MJPG") {
		return "mjpeg"
	}
	return "yuyv422"
}
