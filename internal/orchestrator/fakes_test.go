package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"camstream/internal/camera"
	"camstream/internal/pipeline"
	"camstream/internal/process"
)

// fakeProcess is a scripted encoder. Closing it ends stderr and marks it exited.
type fakeProcess struct {
	pid        int
	ignoreTerm bool

	stderr chan string
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	code   int
	terms  int
	kills  int
	exited bool
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, stderr: make(chan string, 64), done: make(chan struct{})}
}

func (p *fakeProcess) exit(code int) {
	p.once.Do(func() {
		p.mu.Lock()
		p.code = code
		p.exited = true
		p.mu.Unlock()
		close(p.stderr)
		close(p.done)
	})
}

func (p *fakeProcess) emit(line string) { p.stderr <- line }

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Terminate() error {
	p.mu.Lock()
	p.terms++
	ignore := p.ignoreTerm
	p.mu.Unlock()
	if !ignore {
		p.exit(-1)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.kills++
	p.mu.Unlock()
	p.exit(-1)
	return nil
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) ExitCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code, p.exited
}

func (p *fakeProcess) ReadErrorLine() (string, error) {
	line, ok := <-p.stderr
	if !ok {
		return "", io.EOF
	}
	return line, nil
}

func (p *fakeProcess) Stats(context.Context) (process.Stats, error) {
	if _, exited := p.ExitCode(); exited {
		return process.Stats{}, process.ErrNotRunning
	}
	return process.Stats{CPUPercent: 12.5, RSSBytes: 4096}, nil
}

func (p *fakeProcess) counts() (terms, kills int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terms, p.kills
}

// behavior scripts what a spawned fake does before Spawn returns.
type behavior func(inv pipeline.Invocation, p *fakeProcess)

// produce writes a first artifact of size bytes, like a healthy encoder.
// Thumbnail runs write their image and exit.
func produce(size int) behavior {
	return func(inv pipeline.Invocation, p *fakeProcess) {
		if isThumbnail(inv) {
			writeFile(inv.Args[len(inv.Args)-1], size)
			p.exit(0)
			return
		}
		if inv.HasLive() {
			writeFile(filepath.Join(inv.OutputDir, "segment000.ts"), size)
			return
		}
		writeFile(inv.RecordingPath, size)
	}
}

func dieWith(code int) behavior {
	return func(_ pipeline.Invocation, p *fakeProcess) {
		p.emit("Input/output error")
		p.exit(code)
	}
}

func isThumbnail(inv pipeline.Invocation) bool { return inv.CameraID == "" }

func silent() behavior {
	return func(pipeline.Invocation, *fakeProcess) {}
}

func writeFile(path string, size int) {
	if err := os.WriteFile(path, []byte(strings.Repeat("x", size)), 0o644); err != nil {
		panic(err)
	}
}

type fakeSpawner struct {
	nextPID atomic.Int32

	mu      sync.Mutex
	behave  behavior
	err     error
	procs   []*fakeProcess
	invs    []pipeline.Invocation
	onSpawn func(pipeline.Invocation)
}

func (s *fakeSpawner) Spawn(_ context.Context, inv pipeline.Invocation) (Process, error) {
	s.mu.Lock()
	err, behave, hook := s.err, s.behave, s.onSpawn
	s.mu.Unlock()
	if hook != nil {
		hook(inv)
	}
	if err != nil {
		return nil, err
	}

	p := newFakeProcess(int(1000 + s.nextPID.Add(1)))
	if behave != nil {
		behave(inv, p)
	}
	s.mu.Lock()
	s.procs = append(s.procs, p)
	s.invs = append(s.invs, inv)
	s.mu.Unlock()
	return p, nil
}

func (s *fakeSpawner) setBehavior(b behavior) {
	s.mu.Lock()
	s.behave = b
	s.mu.Unlock()
}

func (s *fakeSpawner) spawned() []*fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeProcess(nil), s.procs...)
}

func (s *fakeSpawner) last() *fakeProcess {
	procs := s.spawned()
	if len(procs) == 0 {
		return nil
	}
	return procs[len(procs)-1]
}

type fakeDevices struct {
	mu       sync.Mutex
	events   []string
	probeErr map[camera.ID]error
	formats  string
	formErr  error
}

func (d *fakeDevices) record(ev string) {
	d.mu.Lock()
	d.events = append(d.events, ev)
	d.mu.Unlock()
}

func (d *fakeDevices) DevicePath(id camera.ID) string { return id.DevicePath("/dev") }

func (d *fakeDevices) Reclaim(_ context.Context, id camera.ID) {
	d.record("reclaim:" + id.String())
}

func (d *fakeDevices) Probe(_ context.Context, id camera.ID) error {
	d.record("probe:" + id.String())
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.probeErr[id]; err != nil {
		return fmt.Errorf("%w: %s", err, id.DevicePath("/dev"))
	}
	return nil
}

func (d *fakeDevices) Formats(context.Context, camera.ID) (string, error) {
	return d.formats, d.formErr
}

func (d *fakeDevices) count(prefix string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, ev := range d.events {
		if strings.HasPrefix(ev, prefix) {
			n++
		}
	}
	return n
}

func (d *fakeDevices) failProbe(id camera.ID, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.probeErr == nil {
		d.probeErr = make(map[camera.ID]error)
	}
	d.probeErr[id] = err
}

var errSpawn = errors.New("exec: \"ffmpeg\": executable file not found in $PATH")
