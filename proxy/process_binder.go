package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/reglet-dev/reglet-sandbox/rpc"
)

// Process binder defaults.
const (
	DefaultWatchInterval = time.Second
	DefaultExitGrace     = 3 * time.Second
)

// ProcessStats is a resource snapshot of the host process.
type ProcessStats struct {
	PID        int32
	RSS        uint64
	CPUPercent float64
}

// ProcessBinder runs the host as a child process and talks to it over the
// child's stdin and stdout. The child is expected to run
// "sandboxd serve --listen stdio".
type ProcessBinder struct {
	Path   string
	Args   []string
	Env    []string
	Stderr io.Writer
	Logger *slog.Logger

	// WatchInterval is how often the child's pid is checked.
	WatchInterval time.Duration

	// ExitGrace is how long Release waits for a clean exit before killing.
	ExitGrace time.Duration

	mu      sync.Mutex
	current *processBinding
}

func (b *ProcessBinder) Bind(ctx context.Context) (Binding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(b.Path, b.Args...) //nolint:gosec // operator-configured host binary
	cmd.Env = b.Env
	cmd.Stderr = b.Stderr
	// Plain os pipes so Wait never closes our ends under a pending read.
	childIn, stdin, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox stdin: %w", err)
	}
	stdout, childOut, err := os.Pipe()
	if err != nil {
		_ = childIn.Close()
		_ = stdin.Close()
		return nil, fmt.Errorf("sandbox stdout: %w", err)
	}
	cmd.Stdin, cmd.Stdout = childIn, childOut
	startErr := cmd.Start()
	_ = childIn.Close()
	_ = childOut.Close()
	if startErr != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, fmt.Errorf("start sandbox %s: %w", b.Path, startErr)
	}

	pb := &processBinding{
		cmd:    cmd,
		conn:   rpc.NewSplitStreamConn(stdout, stdin),
		stdin:  stdin,
		exited: make(chan struct{}),
		lost:   make(chan struct{}),
		grace:  b.ExitGrace,
		logger: logger,
	}
	if pb.grace <= 0 {
		pb.grace = DefaultExitGrace
	}
	go func() {
		pb.waitErr = cmd.Wait()
		close(pb.exited)
		pb.markLost()
	}()

	interval := b.WatchInterval
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	go pb.watchdog(interval)

	b.mu.Lock()
	b.current = pb
	b.mu.Unlock()

	logger.Info("sandbox process started", "pid", cmd.Process.Pid)
	return pb, nil
}

// Stats reports resource use of the current child.
func (b *ProcessBinder) Stats(ctx context.Context) (ProcessStats, error) {
	b.mu.Lock()
	pb := b.current
	b.mu.Unlock()
	if pb == nil {
		return ProcessStats{}, errors.New("no sandbox process")
	}

	pid := int32(pb.cmd.Process.Pid) //nolint:gosec // pids fit in int32
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return ProcessStats{}, fmt.Errorf("inspect sandbox process: %w", err)
	}
	stats := ProcessStats{PID: pid}
	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil {
		stats.RSS = mem.RSS
	}
	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = cpu
	}
	return stats, nil
}

type processBinding struct {
	cmd     *exec.Cmd
	conn    *rpc.StreamConn
	stdin   io.Closer
	exited  chan struct{}
	waitErr error
	lost    chan struct{}
	lostMu  sync.Once
	release sync.Once
	grace   time.Duration
	logger  *slog.Logger
}

func (b *processBinding) Conn() rpc.Conn        { return b.conn }
func (b *processBinding) Lost() <-chan struct{} { return b.lost }

func (b *processBinding) markLost() {
	b.lostMu.Do(func() { close(b.lost) })
}

// watchdog covers children that stop answering without their pipes closing.
func (b *processBinding) watchdog(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	pid := int32(b.cmd.Process.Pid) //nolint:gosec // pids fit in int32
	for {
		select {
		case <-b.exited:
			return
		case <-ticker.C:
			alive, err := process.PidExists(pid)
			if err == nil && !alive {
				b.logger.Warn("sandbox process disappeared", "pid", pid)
				b.markLost()
				return
			}
		}
	}
}

// Release closes stdin so the child exits on its own, and kills it if it
// is still running after the grace period.
func (b *processBinding) Release(ctx context.Context) error {
	b.release.Do(func() {
		_ = b.stdin.Close()
		timer := time.NewTimer(b.grace)
		defer timer.Stop()
		select {
		case <-b.exited:
		case <-timer.C:
			_ = b.cmd.Process.Kill()
			<-b.exited
		case <-ctx.Done():
			_ = b.cmd.Process.Kill()
			<-b.exited
		}
		_ = b.conn.Close()
		b.logger.Info("sandbox process exited", "pid", b.cmd.Process.Pid, "error", b.waitErr)
	})
	return nil
}
