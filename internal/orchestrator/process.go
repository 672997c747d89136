package orchestrator

import (
	"context"
	"time"

	"camstream/internal/camera"
	"camstream/internal/janitor"
	"camstream/internal/pipeline"
	"camstream/internal/process"
)

// Process is a running encoder as seen by the supervisor.
type Process interface {
	Pid() int
	Terminate() error
	Kill() error
	Done() <-chan struct{}
	ExitCode() (code int, exited bool)
	ReadErrorLine() (string, error)
	Stats(ctx context.Context) (process.Stats, error)
}

// Spawner launches the encoder described by an invocation.
type Spawner interface {
	Spawn(ctx context.Context, inv pipeline.Invocation) (Process, error)
}

// CommandBuilder turns a camera and output configuration into an invocation.
type CommandBuilder interface {
	Build(id camera.ID, cfg pipeline.OutputConfig) (pipeline.Invocation, error)
	Thumbnail(src, dst string) pipeline.Invocation
}

// Filesystem is the output directory housekeeping the supervisor relies on.
type Filesystem interface {
	Purge(id camera.ID) error
	Segments(id camera.ID) ([]janitor.SegmentInfo, error)
	TrimSegments(id camera.ID, keep int) (int, error)
	VerifyFreshness(id camera.ID, minBytes int64) error
	ReadPlaylist(id camera.ID) ([]byte, error)
	Recordings() ([]janitor.Recording, error)
	WaitForSegment(ctx context.Context, id camera.ID) error
	WaitForFile(ctx context.Context, path string, since time.Time) error
	RecordingFile(name string) (string, error)
	ThumbnailPath(name string) (path string, exists bool, err error)
	DiscardThumbnail(name string) error
	DeleteRecording(name string) error
}

// Devices reclaims and inspects capture devices.
type Devices interface {
	DevicePath(id camera.ID) string
	Reclaim(ctx context.Context, id camera.ID)
	Probe(ctx context.Context, id camera.ID) error
	Formats(ctx context.Context, id camera.ID) (string, error)
}

// ExecSpawner runs invocations as real operating system processes.
type ExecSpawner struct {
	spawner *process.Spawner
	pinCPUs bool
}

// NewExecSpawner adapts a process.Spawner to the Spawner interface. With
// pinCPUs, each camera's encoder is bound to its own pair of CPUs.
func NewExecSpawner(s *process.Spawner, pinCPUs bool) *ExecSpawner {
	return &ExecSpawner{spawner: s, pinCPUs: pinCPUs}
}

// Spawn implements Spawner.
func (e *ExecSpawner) Spawn(ctx context.Context, inv pipeline.Invocation) (Process, error) {
	var opts []process.Option
	if e.pinCPUs && inv.CameraID != "" {
		opts = append(opts, process.WithCPUs(process.SpreadCPUs(inv.CameraID.Index())...))
	}
	p, err := e.spawner.Start(ctx, inv.Binary, inv.Args, opts...)
	if err != nil {
		return nil, err
	}
	return p, nil
}
