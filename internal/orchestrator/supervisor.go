package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"camstream/internal/camera"
	"camstream/internal/device"
	"camstream/internal/janitor"
	"camstream/internal/pipeline"
	"camstream/internal/platform/metrics"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultStartGrace       = 3 * time.Second
	DefaultStopTimeout      = 5 * time.Second
	DefaultHealthInterval   = 10 * time.Second
	DefaultStaleThreshold   = 3
	DefaultStartConcurrency = 1

	monitorExitTimeout = 5 * time.Second
	thumbnailTimeout   = 30 * time.Second
)

// DefaultFatalPatterns are encoder diagnostics after which a pipeline cannot
// recover. Matching is case-insensitive.
var DefaultFatalPatterns = []string{
	"baseline profile doesn't support",
	"invalid data found when processing input",
	"device or resource busy",
	"could not find codec parameters",
	"conversion failed!",
}

// Config tunes supervisor timing and health checks.
type Config struct {
	// StartGrace bounds how long a new pipeline has to produce output.
	StartGrace time.Duration
	// StopTimeout is how long a terminated encoder may take before it is killed.
	StopTimeout time.Duration
	// HealthInterval is the period of segment trimming and freshness checks.
	// Zero or negative disables them.
	HealthInterval time.Duration
	// StaleThreshold is how many consecutive failed freshness checks end a pipeline.
	StaleThreshold  int
	SegmentKeep     int
	MinSegmentBytes int64
	FatalPatterns   []string
	// StartConcurrency bounds how many cameras of one batch start in parallel.
	StartConcurrency int
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		StartGrace:       DefaultStartGrace,
		StopTimeout:      DefaultStopTimeout,
		HealthInterval:   DefaultHealthInterval,
		StaleThreshold:   DefaultStaleThreshold,
		SegmentKeep:      janitor.DefaultKeep,
		MinSegmentBytes:  janitor.DefaultMinSegmentBytes,
		FatalPatterns:    DefaultFatalPatterns,
		StartConcurrency: DefaultStartConcurrency,
	}
}

func (c Config) withDefaults() Config {
	if c.StartGrace <= 0 {
		c.StartGrace = DefaultStartGrace
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = DefaultStaleThreshold
	}
	if c.SegmentKeep <= 0 {
		c.SegmentKeep = janitor.DefaultKeep
	}
	if c.MinSegmentBytes < 0 {
		c.MinSegmentBytes = 0
	}
	if c.FatalPatterns == nil {
		c.FatalPatterns = DefaultFatalPatterns
	}
	if c.StartConcurrency <= 0 {
		c.StartConcurrency = DefaultStartConcurrency
	}
	return c
}

// Deps are the collaborators of a Supervisor. Metrics may be nil.
type Deps struct {
	Registry   *Registry
	Builder    CommandBuilder
	Filesystem Filesystem
	Devices    Devices
	Spawner    Spawner
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Supervisor starts, monitors and stops one encoder pipeline per camera.
// Operations on different cameras proceed in parallel; operations on the same
// camera are serialised.
type Supervisor struct {
	cfg      Config
	registry *Registry
	builder  CommandBuilder
	fs       Filesystem
	devices  Devices
	spawner  Spawner
	log      *slog.Logger
	metrics  *metrics.Metrics
	fatal    *fatalMatcher
	now      func() time.Time

	locks    keyedMutex
	monitors sync.WaitGroup

	failMu   sync.Mutex
	failures map[camera.ID]Failure

	thumbs singleflight.Group
}

// NewSupervisor returns a Supervisor. A nil Registry gets an in-memory one.
func NewSupervisor(cfg Config, deps Deps) *Supervisor {
	cfg = cfg.withDefaults()
	if deps.Registry == nil {
		deps.Registry = NewRegistry()
	}
	return &Supervisor{
		cfg:      cfg,
		registry: deps.Registry,
		builder:  deps.Builder,
		fs:       deps.Filesystem,
		devices:  deps.Devices,
		spawner:  deps.Spawner,
		log:      deps.Logger,
		metrics:  deps.Metrics,
		fatal:    newFatalMatcher(cfg.FatalPatterns),
		now:      time.Now,
		locks:    keyedMutex{locks: make(map[camera.ID]*sync.Mutex)},
		failures: make(map[camera.ID]Failure),
	}
}

// Registry returns the table of running pipelines.
func (s *Supervisor) Registry() *Registry {
	return s.registry
}

// Start launches a pipeline for id, replacing any pipeline it already has.
// It returns only once the encoder has produced output, and registers the
// pipeline only then. On failure nothing is registered and the camera's
// device and output directory are released.
func (s *Supervisor) Start(ctx context.Context, id camera.ID, cfg pipeline.OutputConfig) error {
	unlock := s.locks.lock(id)
	defer unlock()

	if old, ok := s.registry.Get(id); ok {
		s.log.Info("restarting pipeline", slog.String("camera_id", id.String()))
		if err := s.stopHandle(ctx, old); err != nil {
			s.log.Warn("previous pipeline cleanup incomplete",
				slog.String("camera_id", id.String()),
				slog.String("error", err.Error()))
		}
	}

	s.devices.Reclaim(ctx, id)
	if err := s.fs.Purge(id); err != nil {
		return s.startFailed(id, err)
	}
	if err := s.devices.Probe(ctx, id); err != nil {
		return s.startFailed(id, err)
	}

	inv, err := s.builder.Build(id, cfg)
	if err != nil {
		return s.startFailed(id, err)
	}
	s.log.Info("starting pipeline",
		slog.String("camera_id", id.String()),
		slog.String("command", inv.String()))

	spawnedAt := time.Now()
	proc, err := s.spawner.Spawn(ctx, inv)
	if err != nil {
		s.devices.Reclaim(ctx, id)
		if perr := s.fs.Purge(id); perr != nil {
			err = errors.Join(err, perr)
		}
		return s.startFailed(id, fmt.Errorf("%w: %w", ErrPipelineStartFailed, err))
	}

	h := newHandle(inv, cfg, proc, s.now())
	s.monitors.Add(1)
	go s.monitor(h)

	if reason := s.awaitFirstOutput(ctx, h, inv, spawnedAt); reason != "" {
		if err := s.teardown(h, ErrPipelineStartFailed, reason); err != nil {
			s.log.Warn("start rollback incomplete",
				slog.String("camera_id", id.String()),
				slog.String("error", err.Error()))
		}
		s.awaitMonitor(ctx, h)
		return s.startFailed(id, fmt.Errorf("%w: %s", ErrPipelineStartFailed, reason))
	}

	// Running before Register: a teardown racing with registration must win.
	h.setState(StateRunning)
	s.clearFailure(id)
	if err := s.registry.Register(h); err != nil {
		reason := h.failureReason()
		if reason == "" {
			reason = err.Error()
		}
		_ = s.teardown(h, ErrPipelineStartFailed, reason)
		s.awaitMonitor(ctx, h)
		return s.startFailed(id, fmt.Errorf("%w: %s", ErrPipelineStartFailed, reason))
	}

	s.log.Info("pipeline started",
		slog.String("camera_id", id.String()),
		slog.Int("pid", proc.Pid()),
		slog.String("output_dir", inv.OutputDir),
		slog.String("recording", inv.RecordingPath))
	if s.metrics != nil {
		s.metrics.IncPipelinesStarted()
		s.metrics.SetActivePipelines(s.registry.Len())
	}
	return nil
}

func (s *Supervisor) startFailed(id camera.ID, err error) error {
	s.log.Error("pipeline start failed",
		slog.String("camera_id", id.String()),
		slog.String("error", err.Error()))
	if s.metrics != nil {
		s.metrics.IncPipelineStartFailures()
	}
	return err
}

// awaitFirstOutput waits up to the start grace for the first artifact written
// since the spawn and returns a failure reason, or "" once the pipeline is
// producing and alive.
func (s *Supervisor) awaitFirstOutput(ctx context.Context, h *PipelineHandle, inv pipeline.Invocation, since time.Time) string {
	wctx, cancel := context.WithTimeout(ctx, s.cfg.StartGrace)
	defer cancel()
	go func() {
		select {
		case <-h.proc.Done():
			cancel()
		case <-wctx.Done():
		}
	}()

	var err error
	if inv.HasLive() {
		err = s.fs.WaitForSegment(wctx, h.CameraID)
	} else {
		err = s.fs.WaitForFile(wctx, inv.RecordingPath, since)
	}

	if code, exited := h.proc.ExitCode(); exited {
		if reason := h.failureReason(); reason != "" {
			return reason
		}
		return fmt.Sprintf("encoder exited with code %d", code)
	}
	if reason := h.failureReason(); reason != "" {
		return reason
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err().Error()
		}
		if inv.HasLive() {
			return "no segments produced within " + s.cfg.StartGrace.String()
		}
		return "no recording produced within " + s.cfg.StartGrace.String()
	}
	return ""
}

// Stop tears down the pipeline of id. It reports false when the camera had
// none. Cleanup always runs to completion; the error joins every step that
// failed along the way.
func (s *Supervisor) Stop(ctx context.Context, id camera.ID) (bool, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	h, ok := s.registry.Get(id)
	if !ok {
		return false, nil
	}
	err := s.stopHandle(ctx, h)
	s.log.Info("pipeline stopped", slog.String("camera_id", id.String()))
	if s.metrics != nil {
		s.metrics.IncPipelinesStopped()
	}
	return true, err
}

func (s *Supervisor) stopHandle(ctx context.Context, h *PipelineHandle) error {
	err := s.teardown(h, nil, "")
	s.awaitMonitor(ctx, h)
	return err
}

// StartMany starts every camera in ids with the same output configuration,
// at most StartConcurrency at a time. Per-camera failures never abort the batch.
func (s *Supervisor) StartMany(ctx context.Context, ids []camera.ID, cfg pipeline.OutputConfig) Report {
	errs := make([]error, len(ids))
	var g errgroup.Group
	g.SetLimit(s.cfg.StartConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			errs[i] = s.Start(ctx, id, cfg)
			return nil
		})
	}
	_ = g.Wait()
	return collect(ids, errs, nil)
}

// StopMany stops every camera in ids in parallel. Cameras without a pipeline
// are left out of the report.
func (s *Supervisor) StopMany(ctx context.Context, ids []camera.ID) Report {
	errs := make([]error, len(ids))
	stopped := make([]bool, len(ids))
	var g errgroup.Group
	for i, id := range ids {
		g.Go(func() error {
			stopped[i], errs[i] = s.Stop(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	return collect(ids, errs, stopped)
}

// StopAll stops every registered pipeline.
func (s *Supervisor) StopAll(ctx context.Context) Report {
	hs := s.registry.List()
	ids := make([]camera.ID, len(hs))
	for i, h := range hs {
		ids[i] = h.CameraID
	}
	return s.StopMany(ctx, ids)
}

func collect(ids []camera.ID, errs []error, present []bool) Report {
	rep := newReport()
	for i, id := range ids {
		if present != nil && !present[i] {
			continue
		}
		if errs[i] != nil {
			rep.Errors[id] = errs[i].Error()
			continue
		}
		rep.Succeeded = append(rep.Succeeded, id)
	}
	return rep
}

// Status reports liveness of the registered pipelines among ids, or of all of
// them when ids is empty. It never blocks on or reaps a process.
func (s *Supervisor) Status(ids ...camera.ID) map[camera.ID]PipelineStatus {
	out := make(map[camera.ID]PipelineStatus)
	if len(ids) == 0 {
		for _, h := range s.registry.List() {
			out[h.CameraID] = PipelineStatus{Main: h.Alive()}
		}
		return out
	}
	for _, id := range ids {
		if h, ok := s.registry.Get(id); ok {
			out[id] = PipelineStatus{Main: h.Alive()}
		}
	}
	return out
}

// CheckStream returns the live output diagnostics of id. It fails with
// janitor.ErrPlaylistNotFound when the camera has no playlist.
func (s *Supervisor) CheckStream(ctx context.Context, id camera.ID) (StreamCheck, error) {
	raw, err := s.fs.ReadPlaylist(id)
	if err != nil {
		return StreamCheck{}, err
	}
	segs, err := s.fs.Segments(id)
	if err != nil {
		return StreamCheck{}, err
	}
	if segs == nil {
		segs = []janitor.SegmentInfo{}
	}

	chk := StreamCheck{
		Playlist:     string(raw),
		PlaylistInfo: ParsePlaylist(string(raw)),
		Segments:     segs,
	}
	if h, ok := s.registry.Get(id); ok {
		chk.Process = s.processInfo(ctx, h)
	}
	if f, ok := s.LastFailure(id); ok {
		chk.LastFailure = &f
	}
	return chk, nil
}

func (s *Supervisor) processInfo(ctx context.Context, h *PipelineHandle) *ProcessInfo {
	info := &ProcessInfo{
		PID:       h.proc.Pid(),
		State:     h.State(),
		StartedAt: h.StartedAt,
	}
	if code, exited := h.proc.ExitCode(); exited {
		info.ReturnCode = &code
		return info
	}
	if st, err := h.proc.Stats(ctx); err == nil {
		info.CPUPercent = &st.CPUPercent
		info.RSSBytes = &st.RSSBytes
	}
	return info
}

// CheckCamera reports whether the capture device of id can be opened and
// which formats it offers.
func (s *Supervisor) CheckCamera(ctx context.Context, id camera.ID) CameraCheck {
	chk := CameraCheck{CameraID: id, Device: s.devices.DevicePath(id)}
	if err := s.devices.Probe(ctx, id); err != nil {
		chk.Error = err.Error()
		if errors.Is(err, device.ErrDeviceNotFound) {
			return chk
		}
	} else {
		chk.Accessible = true
	}
	formats, err := s.devices.Formats(ctx, id)
	chk.Formats = formats
	if err != nil {
		s.log.Debug("list formats failed",
			slog.String("camera_id", id.String()),
			slog.String("error", err.Error()))
		return chk
	}
	chk.PreferredFormat = device.PreferredFormat(formats)
	return chk
}

// Recordings lists the recording files, newest first.
func (s *Supervisor) Recordings() ([]janitor.Recording, error) {
	return s.fs.Recordings()
}

// RecordingFile returns the path of the recording called name.
func (s *Supervisor) RecordingFile(name string) (string, error) {
	return s.fs.RecordingFile(name)
}

// DeleteRecording removes the recording called name and its thumbnail.
func (s *Supervisor) DeleteRecording(name string) error {
	return s.fs.DeleteRecording(name)
}

// Thumbnail returns the thumbnail of the recording called name, running the
// encoder to create it on first use. Concurrent requests for the same
// recording share one encoder run.
func (s *Supervisor) Thumbnail(ctx context.Context, name string) (string, error) {
	v, err, _ := s.thumbs.Do(name, func() (any, error) {
		path, ok, err := s.fs.ThumbnailPath(name)
		if err != nil || ok {
			return path, err
		}
		src, err := s.fs.RecordingFile(name)
		if err != nil {
			return "", err
		}
		if err := s.renderThumbnail(ctx, src, path); err != nil {
			if rerr := s.fs.DiscardThumbnail(name); rerr != nil {
				err = errors.Join(err, rerr)
			}
			return "", fmt.Errorf("%w: %s: %w", ErrThumbnailFailed, name, err)
		}
		if _, ok, err := s.fs.ThumbnailPath(name); err != nil || !ok {
			return "", fmt.Errorf("%w: %s: encoder wrote no image", ErrThumbnailFailed, name)
		}
		return path, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *Supervisor) renderThumbnail(ctx context.Context, src, dst string) error {
	ctx, cancel := context.WithTimeout(ctx, thumbnailTimeout)
	defer cancel()

	inv := s.builder.Thumbnail(src, dst)
	s.log.Debug("rendering thumbnail", slog.String("command", inv.String()))
	proc, err := s.spawner.Spawn(ctx, inv)
	if err != nil {
		return err
	}

	lastLine := make(chan string, 1)
	go func() {
		var last string
		for {
			line, err := proc.ReadErrorLine()
			if err != nil {
				lastLine <- last
				return
			}
			last = line
		}
	}()

	select {
	case <-proc.Done():
	case <-ctx.Done():
		_ = proc.Kill()
		<-proc.Done()
		<-lastLine
		return ctx.Err()
	}
	last := <-lastLine
	if code, _ := proc.ExitCode(); code != 0 {
		return fmt.Errorf("encoder exited with code %d: %s", code, last)
	}
	return nil
}

// LastFailure returns why the most recent pipeline of id was torn down
// involuntarily, if it was.
func (s *Supervisor) LastFailure(id camera.ID) (Failure, bool) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	f, ok := s.failures[id]
	return f, ok
}

func (s *Supervisor) recordFailure(id camera.ID, kind error, reason string) {
	s.failMu.Lock()
	s.failures[id] = Failure{
		Reason: reason,
		At:     s.now(),
		Err:    fmt.Errorf("%w: %s", kind, reason),
	}
	s.failMu.Unlock()
}

func (s *Supervisor) clearFailure(id camera.ID) {
	s.failMu.Lock()
	delete(s.failures, id)
	s.failMu.Unlock()
}

// Shutdown stops every pipeline and waits for all monitors to exit.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	rep := s.StopAll(ctx)
	for id, msg := range rep.Errors {
		s.log.Warn("pipeline cleanup incomplete at shutdown",
			slog.String("camera_id", id.String()),
			slog.String("error", msg))
	}

	done := make(chan struct{})
	go func() {
		s.monitors.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// teardown releases everything a pipeline holds. It runs once per handle;
// concurrent callers block until the first finishes and share its result.
// A non-nil kind marks the teardown as involuntary and classifies reason.
func (s *Supervisor) teardown(h *PipelineHandle, kind error, reason string) error {
	h.teardownOnce.Do(func() {
		h.closing.Store(true)
		if kind != nil {
			h.setFailure(reason)
			h.setState(StateFailed)
			s.recordFailure(h.CameraID, kind, reason)
		} else {
			h.setState(StateStopping)
		}

		var errs []error
		if err := s.terminate(h); err != nil {
			errs = append(errs, fmt.Errorf("terminate encoder: %w", err))
		}
		s.devices.Reclaim(context.Background(), h.CameraID)
		if err := s.fs.Purge(h.CameraID); err != nil {
			errs = append(errs, err)
		}
		s.registry.RemoveIf(h.CameraID, h)
		if kind == nil {
			h.setState(StateIdle)
		}

		h.teardownErr = errors.Join(errs...)
		if s.metrics != nil {
			s.metrics.SetActivePipelines(s.registry.Len())
		}
	})
	return h.teardownErr
}

// terminate asks the encoder to exit, escalates to a kill after StopTimeout
// and always waits for it to be reaped.
func (s *Supervisor) terminate(h *PipelineHandle) error {
	p := h.proc
	select {
	case <-p.Done():
		return nil
	default:
	}

	var errs []error
	if err := p.Terminate(); err != nil {
		errs = append(errs, err)
	}
	timer := time.NewTimer(s.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-p.Done():
		return errors.Join(errs...)
	case <-timer.C:
	}

	s.log.Warn("encoder did not exit in time, killing",
		slog.String("camera_id", h.CameraID.String()),
		slog.Int("pid", p.Pid()),
		slog.Duration("timeout", s.cfg.StopTimeout))
	if err := p.Kill(); err != nil {
		errs = append(errs, err)
	}
	<-p.Done()
	return errors.Join(errs...)
}

func (s *Supervisor) awaitMonitor(ctx context.Context, h *PipelineHandle) {
	timer := time.NewTimer(monitorExitTimeout)
	defer timer.Stop()
	select {
	case <-h.monitorDone:
	case <-timer.C:
		s.log.Warn("monitor still draining encoder output",
			slog.String("camera_id", h.CameraID.String()))
	case <-ctx.Done():
	}
}

// keyedMutex hands out one mutex per camera.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[camera.ID]*sync.Mutex
}

func (k *keyedMutex) lock(id camera.ID) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &sync.Mutex{}
		k.locks[id] = l
	}
	k.mu.Unlock()
	l.Lock()
	return l.Unlock
}
