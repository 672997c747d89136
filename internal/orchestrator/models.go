package orchestrator

import (
	"sync"
	"sync/atomic"
	"time"

	"camstream/internal/camera"
	"camstream/internal/janitor"
	"camstream/internal/pipeline"
)

// State is the lifecycle position of a camera's pipeline.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateFailed   State = "failed"
)

// PipelineHandle represents one running encoder process for one camera.
// At most one handle per camera is ever registered.
type PipelineHandle struct {
	CameraID      camera.ID
	StartedAt     time.Time
	RecordingPath string // empty when recording is disabled
	OutputDir     string // empty when live output is disabled
	Outputs       pipeline.OutputConfig

	proc Process

	mu      sync.Mutex
	state   State
	failure string

	// closing is set as soon as teardown begins; a closing handle is never registered.
	closing      atomic.Bool
	teardownOnce sync.Once
	teardownErr  error
	monitorDone  chan struct{}
}

func newHandle(inv pipeline.Invocation, cfg pipeline.OutputConfig, proc Process, now time.Time) *PipelineHandle {
	return &PipelineHandle{
		CameraID:      inv.CameraID,
		StartedAt:     now,
		RecordingPath: inv.RecordingPath,
		OutputDir:     inv.OutputDir,
		Outputs:       cfg,
		proc:          proc,
		state:         StateStarting,
		monitorDone:   make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (h *PipelineHandle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *PipelineHandle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// setFailure records the first involuntary teardown reason and reports
// whether this call set it.
func (h *PipelineHandle) setFailure(reason string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failure != "" {
		return false
	}
	h.failure = reason
	return true
}

func (h *PipelineHandle) failureReason() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failure
}

// Alive polls the process without blocking or reaping it.
func (h *PipelineHandle) Alive() bool {
	_, exited := h.proc.ExitCode()
	return !exited
}

func (h *PipelineHandle) live() bool {
	return h.OutputDir != ""
}

// PipelineStatus is the per-camera entry of a status report.
type PipelineStatus struct {
	Main bool `json:"main"`
}

// ProcessInfo describes the encoder process behind a pipeline.
type ProcessInfo struct {
	PID        int       `json:"pid"`
	ReturnCode *int      `json:"returncode"`
	State      State     `json:"state"`
	StartedAt  time.Time `json:"started_at"`
	CPUPercent *float64  `json:"cpu_percent,omitempty"`
	RSSBytes   *uint64   `json:"rss_bytes,omitempty"`
}

// Failure records why a pipeline was last torn down involuntarily. Err wraps
// ErrProcessSupervision for running pipelines and ErrPipelineStartFailed for
// pipelines that never came up.
type Failure struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
	Err    error     `json:"-"`
}

// StreamCheck is the diagnostic view of one camera's live output.
type StreamCheck struct {
	Playlist     string                `json:"playlist"`
	PlaylistInfo PlaylistInfo          `json:"playlist_info"`
	Segments     []janitor.SegmentInfo `json:"segments"`
	Process      *ProcessInfo          `json:"process"`
	LastFailure  *Failure              `json:"last_failure,omitempty"`
}

// CameraCheck is the diagnostic view of one capture device.
type CameraCheck struct {
	CameraID        camera.ID `json:"camera_id"`
	Device          string    `json:"device"`
	Accessible      bool      `json:"accessible"`
	Error           string    `json:"error,omitempty"`
	Formats         string    `json:"formats,omitempty"`
	PreferredFormat string    `json:"preferred_format,omitempty"`
}

// Report aggregates the per-camera outcome of a batch start or stop.
type Report struct {
	Succeeded []camera.ID
	Errors    map[camera.ID]string
}

func newReport() Report {
	return Report{Succeeded: []camera.ID{}, Errors: map[camera.ID]string{}}
}
