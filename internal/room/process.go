package room

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/process"
)

// maxDiagnostics bounds how much of a room server's error stream is kept
// for crash reports.
const maxDiagnostics = 8 << 10

// SpawnSpec describes a room-server process to launch.
type SpawnSpec struct {
	// Program is the path of the room-server executable.
	Program string
	// Port and RoomID are passed as the program's only arguments.
	Port   uint16
	RoomID string
	// WorkDir is the game's install directory.
	WorkDir string
	// Env entries are merged over the inherited environment.
	Env map[string]string
}

// Process is a handle on a spawned room-server process. The orchestrator
// depends only on this capability, so tests can substitute a fake.
type Process interface {
	Alive() bool
	PID() int
	// Diagnostics returns captured error-stream output, used when the
	// process dies during the startup health gate.
	Diagnostics() string
	Stop() error
}

// Spawner launches room-server processes.
type Spawner interface {
	Spawn(ctx context.Context, spec SpawnSpec) (Process, error)
}

// ExecSpawner is the production Spawner backed by os/exec.
type ExecSpawner struct{}

// Spawn launches the room server with (port, roomId) as arguments and the
// game's install directory as working directory.
func (ExecSpawner) Spawn(_ context.Context, spec SpawnSpec) (Process, error) {
	// Intentionally not exec.CommandContext: room servers outlive the
	// request that created them and are terminated explicitly by Stop().
	cmd := exec.Command(spec.Program, strconv.Itoa(int(spec.Port)), spec.RoomID)
	cmd.Dir = spec.WorkDir

	if len(spec.Env) > 0 {
		env := os.Environ()
		for k, v := range spec.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}

	p := &execProcess{
		cmd: cmd,
		logger: log.With().
			Str("component", "room_process").
			Str("room_id", spec.RoomID).
			Uint16("port", spec.Port).
			Logger(),
	}
	cmd.Stderr = &p.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start room server: %w", err)
	}

	p.pid = cmd.Process.Pid
	p.running = true
	p.startedAt = time.Now()
	if proc, err := process.NewProcess(int32(p.pid)); err == nil {
		p.proc = proc
	}

	p.logger.Info().
		Int("pid", p.pid).
		Str("program", spec.Program).
		Str("workdir", spec.WorkDir).
		Msg("room server started")

	go p.wait()
	return p, nil
}

// execProcess wraps a running exec.Cmd with exit tracking and bounded
// stderr capture.
type execProcess struct {
	mu        sync.Mutex
	cmd       *exec.Cmd
	proc      *process.Process
	pid       int
	running   bool
	exitCode  int
	startedAt time.Time
	stderr    boundedBuffer
	logger    zerolog.Logger
}

// wait blocks on the child and records its exit.
func (p *execProcess) wait() {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.running = false
	p.exitCode = -1
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}
	pid := p.pid
	exitCode := p.exitCode
	p.mu.Unlock()

	evt := p.logger.Info()
	if err != nil && exitCode != 0 {
		evt = p.logger.Warn().Err(err)
	}
	evt.Int("pid", pid).Int("exit_code", exitCode).Msg("room server exited")
}

// Alive reports whether the process is still running. The exec.Cmd wait
// status is authoritative; gopsutil covers the edge where wait has not
// observed the exit yet.
func (p *execProcess) Alive() bool {
	p.mu.Lock()
	running := p.running
	proc := p.proc
	p.mu.Unlock()

	if !running {
		return false
	}
	if proc != nil {
		if up, err := proc.IsRunning(); err == nil {
			return up
		}
	}
	return running
}

// PID returns the process ID.
func (p *execProcess) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// Diagnostics returns the captured error-stream output.
func (p *execProcess) Diagnostics() string {
	return p.stderr.String()
}

// Stop terminates the room server: SIGTERM first, SIGKILL if it has not
// exited shortly after.
func (p *execProcess) Stop() error {
	p.mu.Lock()
	if !p.running || p.cmd.Process == nil {
		p.mu.Unlock()
		return nil
	}
	proc := p.cmd.Process
	p.mu.Unlock()

	p.logger.Info().Int("pid", p.pid).Msg("stopping room server")

	if err := proc.Signal(os.Interrupt); err != nil {
		return proc.Kill()
	}

	deadline := time.After(5 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			running := p.running
			p.mu.Unlock()
			if !running {
				return nil
			}
		case <-deadline:
			p.logger.Warn().Int("pid", p.pid).Msg("room server did not stop, killing")
			return proc.Kill()
		}
	}
}

// boundedBuffer is a concurrency-safe write buffer that keeps at most
// maxDiagnostics bytes.
type boundedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf.Len() < maxDiagnostics {
		remaining := maxDiagnostics - b.buf.Len()
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
