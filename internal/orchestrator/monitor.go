package orchestrator

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// monitor follows one pipeline for its whole life. It logs encoder output,
// kills the encoder on fatal diagnostics or stalled output, and tears the
// pipeline down once the encoder is gone unless a stop already owns that.
func (s *Supervisor) monitor(h *PipelineHandle) {
	defer s.monitors.Done()
	defer close(h.monitorDone)

	log := s.log.With(slog.String("camera_id", h.CameraID.String()))

	lines := make(chan string)
	go func() {
		defer close(lines)
		for {
			line, err := h.proc.ReadErrorLine()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.Debug("encoder output read failed", slog.String("error", err.Error()))
				}
				return
			}
			lines <- line
		}
	}()

	var tick <-chan time.Time
	if h.live() && s.cfg.HealthInterval > 0 {
		t := time.NewTicker(s.cfg.HealthInterval)
		defer t.Stop()
		tick = t.C
	}

	stale := 0
	for lines != nil {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			log.Debug("encoder", slog.String("line", line))
			if pattern, hit := s.fatal.match(line); hit {
				s.fail(h, log, fmt.Sprintf("fatal encoder error %q: %s", pattern, line))
			}
		case <-tick:
			if s.checkHealth(h, log) {
				stale = 0
				continue
			}
			stale++
			if stale >= s.cfg.StaleThreshold {
				s.fail(h, log, fmt.Sprintf("no fresh segments after %d checks", stale))
			}
		}
	}

	<-h.proc.Done()
	if h.closing.Load() {
		// A stop or start rollback owns the teardown.
		_ = s.teardown(h, nil, "")
		return
	}

	code, _ := h.proc.ExitCode()
	reason := h.failureReason()
	if reason == "" {
		reason = fmt.Sprintf("encoder exited unexpectedly with code %d", code)
	}
	wasRunning := h.State() == StateRunning
	kind := ErrPipelineStartFailed
	if wasRunning {
		kind = ErrProcessSupervision
	}
	log.Error("pipeline failed", slog.String("reason", reason), slog.Int("exit_code", code))
	if err := s.teardown(h, kind, reason); err != nil {
		log.Warn("failed pipeline cleanup incomplete", slog.String("error", err.Error()))
	}
	if wasRunning && s.metrics != nil {
		s.metrics.IncSupervisionFailures()
	}
}

// fail records reason and kills the encoder; the monitor finishes the
// teardown once the process is gone.
func (s *Supervisor) fail(h *PipelineHandle, log *slog.Logger, reason string) {
	if h.closing.Load() || !h.setFailure(reason) {
		return
	}
	log.Error("killing encoder", slog.String("reason", reason))
	if err := h.proc.Kill(); err != nil {
		log.Warn("kill failed", slog.String("error", err.Error()))
	}
}

// checkHealth trims old segments and reports whether the newest one is
// present and large enough.
func (s *Supervisor) checkHealth(h *PipelineHandle, log *slog.Logger) bool {
	if n, err := s.fs.TrimSegments(h.CameraID, s.cfg.SegmentKeep); err != nil {
		log.Warn("segment trim failed", slog.String("error", err.Error()))
	} else if n > 0 {
		log.Debug("trimmed segments", slog.Int("removed", n))
	}
	if err := s.fs.VerifyFreshness(h.CameraID, s.cfg.MinSegmentBytes); err != nil {
		log.Warn("stream health check failed", slog.String("error", err.Error()))
		return false
	}
	return true
}

type fatalMatcher struct {
	patterns []string
}

func newFatalMatcher(patterns []string) *fatalMatcher {
	m := &fatalMatcher{patterns: make([]string, 0, len(patterns))}
	for _, p := range patterns {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			m.patterns = append(m.patterns, p)
		}
	}
	return m
}

// match reports the first pattern contained in line, ignoring case.
func (m *fatalMatcher) match(line string) (string, bool) {
	lower := strings.ToLower(line)
	for _, p := range m.patterns {
		if strings.Contains(lower, p) {
			return p, true
		}
	}
	return "", false
}
