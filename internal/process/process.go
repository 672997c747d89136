package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/v3/cpu"
	gopsutilprocess "github.com/shirou/gopsutil/v3/process"
)

const maxLineBytes = 64 * 1024

// ErrNotRunning is returned by Stats once the process has exited.
var ErrNotRunning = errors.New("process not running")

// Stats is a point-in-time resource reading of a running process.
type Stats struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
}

// Spawner starts external processes in their own process group.
type Spawner struct {
	log *slog.Logger
	// Nice, when positive, lowers the scheduling priority of spawned processes.
	Nice int
}

// NewSpawner returns a Spawner that renices children to nice.
func NewSpawner(log *slog.Logger, nice int) *Spawner {
	return &Spawner{log: log, Nice: nice}
}

// Option adjusts how a single process is started.
type Option func(*startOptions)

type startOptions struct {
	cpus []int
}

// WithCPUs pins the started process to the given CPUs.
func WithCPUs(cpus ...int) Option {
	return func(o *startOptions) { o.cpus = cpus }
}

// Start launches name with args. The child outlives ctx; ctx only aborts the
// launch itself. Stdout is discarded and stderr is exposed via ReadErrorLine.
func (s *Spawner) Start(ctx context.Context, name string, args []string, opts ...Option) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var o startOptions
	for _, opt := range opts {
		opt(&o)
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	cmd := exec.Command(name, args...)
	cmd.Stderr = pw
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("exec start failed: %w", err)
	}
	// Only the child holds the write end now, so reads see EOF once it exits.
	_ = pw.Close()

	p := &Process{
		cmd:    cmd,
		stderr: pr,
		lines:  newLineScanner(pr),
		done:   make(chan struct{}),
	}
	go p.wait()

	if s.Nice > 0 {
		if err := renice(cmd.Process.Pid, s.Nice); err != nil {
			s.log.Warn("could not set process priority",
				slog.Int("pid", cmd.Process.Pid),
				slog.String("error", err.Error()))
		}
	}
	if len(o.cpus) > 0 {
		if err := setAffinity(cmd.Process.Pid, o.cpus); err != nil {
			s.log.Warn("could not set CPU affinity",
				slog.Int("pid", cmd.Process.Pid),
				slog.Any("cpus", o.cpus),
				slog.String("error", err.Error()))
		}
	}
	return p, nil
}

// SpreadCPUs returns the pair of logical CPUs assigned to slot, so that
// consecutive slots land on different cores.
func SpreadCPUs(slot int) []int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		n = runtime.NumCPU()
	}
	return spreadCPUs(slot, n)
}

func spreadCPUs(slot, n int) []int {
	if slot < 0 || n <= 0 {
		return nil
	}
	a, b := (slot*2)%n, (slot*2+1)%n
	if a == b {
		return []int{a}
	}
	return []int{a, b}
}

// Process is a started external process.
type Process struct {
	cmd    *exec.Cmd
	stderr *os.File
	lines  *bufio.Scanner
	done   chan struct{}

	mu       sync.Mutex
	exitCode int
	waitErr  error
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.waitErr = err
	p.exitCode = p.cmd.ProcessState.ExitCode()
	p.mu.Unlock()
	close(p.done)
}

// Pid returns the operating system process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Terminate asks the process group to exit.
func (p *Process) Terminate() error {
	return p.signal(false)
}

// Kill forcibly ends the process group.
func (p *Process) Kill() error {
	return p.signal(true)
}

func (p *Process) signal(force bool) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	err := signalGroup(p.cmd, force)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits and returns its exit error, if any.
func (p *Process) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// ExitCode reports the exit code without blocking. exited is false while the
// process runs. A process ended by a signal reports -1.
func (p *Process) ExitCode() (code int, exited bool) {
	select {
	case <-p.done:
	default:
		return 0, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, true
}

// ReadErrorLine returns the next line the process wrote to stderr. Carriage
// returns also end a line, since encoders redraw progress with them. It returns
// io.EOF after the process and every inheritor of its stderr are gone. It must
// be called from a single goroutine.
func (p *Process) ReadErrorLine() (string, error) {
	for p.lines.Scan() {
		if line := bytes.TrimSpace(p.lines.Bytes()); len(line) > 0 {
			return string(line), nil
		}
	}
	_ = p.stderr.Close()
	if err := p.lines.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		return "", err
	}
	return "", io.EOF
}

// Stats samples CPU and resident memory of the running process.
func (p *Process) Stats(ctx context.Context) (Stats, error) {
	if _, exited := p.ExitCode(); exited {
		return Stats{}, ErrNotRunning
	}
	proc, err := gopsutilprocess.NewProcessWithContext(ctx, int32(p.Pid()))
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	if pct, err := proc.CPUPercentWithContext(ctx); err == nil {
		st.CPUPercent = pct
	}
	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		st.RSSBytes = mem.RSS
	}
	return st, nil
}

func newLineScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxLineBytes)
	sc.Split(scanCRLF)
	return sc
}

// scanCRLF is bufio.ScanLines that also splits on a bare '\r'.
func scanCRLF(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
