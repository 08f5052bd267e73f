package runtime

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
)

// ProcessRuntime runs "containers" as local processes. The image is the
// binary to execute unless a command is given. Mounts are not applied; the
// process sees the host filesystem. Useful for testing a locally built
// server without a container daemon.
type ProcessRuntime struct {
	mu    sync.Mutex
	procs map[string]*process
}

type process struct {
	spec types.ContainerSpec
	cmd  *exec.Cmd
	logs *LogBuffer
	done chan struct{}
}

// NewProcessRuntime creates an empty process runtime
func NewProcessRuntime() *ProcessRuntime {
	return &ProcessRuntime{procs: make(map[string]*process)}
}

// PullImage checks the binary is resolvable
func (r *ProcessRuntime) PullImage(_ context.Context, ref string) error {
	if _, err := exec.LookPath(ref); err != nil {
		return fmt.Errorf("failed to resolve binary %s: %w", ref, err)
	}
	return nil
}

// CreateContainer records the spec; the process starts on StartContainer
func (r *ProcessRuntime) CreateContainer(_ context.Context, spec *types.ContainerSpec) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.procs[spec.ID]; ok {
		return "", fmt.Errorf("container %s already exists", spec.ID)
	}
	r.procs[spec.ID] = &process{spec: *spec, logs: &LogBuffer{}}
	return spec.ID, nil
}

// StartContainer starts the process with its output captured to the log
// path. A process that exited, or was stopped, is started again with the
// same spec and its output appended to the same log.
func (r *ProcessRuntime) StartContainer(_ context.Context, id string) error {
	p, err := r.get(id)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if p.cmd != nil && running(p.done) {
		return fmt.Errorf("process %s already running with PID %d", id, p.cmd.Process.Pid)
	}

	argv := p.spec.Command
	if len(argv) == 0 {
		argv = []string{p.spec.Image}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), p.spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	var file *os.File
	if p.spec.LogPath != "" {
		file, err = os.OpenFile(p.spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
	}

	if err := cmd.Start(); err != nil {
		if file != nil {
			file.Close()
		}
		return fmt.Errorf("failed to start process: %w", err)
	}

	done := make(chan struct{})
	p.cmd = cmd
	p.done = done

	var wg sync.WaitGroup
	wg.Add(2)
	go p.capture(&wg, stdout, file)
	go p.capture(&wg, stderr, file)

	go func() {
		// Pipes must be drained before Wait closes them
		wg.Wait()
		_ = cmd.Wait()
		if file != nil {
			_ = file.Close()
		}
		close(done)
	}()

	logger := log.WithComponent("runtime")
	logger.Debug().
		Str("container", id).
		Int("pid", cmd.Process.Pid).
		Msg("Process started")

	return nil
}

func (p *process) capture(wg *sync.WaitGroup, reader io.Reader, file *os.File) {
	defer wg.Done()

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		p.logs.Append(line)
		if file != nil {
			_, _ = fmt.Fprintln(file, line)
		}
	}
}

// StopContainer sends SIGTERM to the process group and waits up to timeout
func (r *ProcessRuntime) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	p, err := r.get(id)
	if err != nil {
		return err
	}
	pid, done := r.handle(p)
	if !running(done) {
		return nil
	}

	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("failed to send SIGTERM: %w", err)
	}

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%s: %w", id, ErrStopTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// KillContainer sends SIGKILL to the process group and waits for exit
func (r *ProcessRuntime) KillContainer(ctx context.Context, id string) error {
	p, err := r.get(id)
	if err != nil {
		return err
	}
	pid, done := r.handle(p)
	if !running(done) {
		return nil
	}

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("failed to kill process: %w", err)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeleteContainer kills the process if needed and forgets it
func (r *ProcessRuntime) DeleteContainer(ctx context.Context, id string) error {
	r.mu.Lock()
	_, ok := r.procs[id]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	if err := r.KillContainer(ctx, id); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.procs, id)
	r.mu.Unlock()
	return nil
}

// ContainerStatus reports created, running or exited
func (r *ProcessRuntime) ContainerStatus(_ context.Context, id string) (types.ContainerStatus, error) {
	p, err := r.get(id)
	if err != nil {
		return types.ContainerStatusUnknown, err
	}

	_, done := r.handle(p)

	switch {
	case done == nil:
		return types.ContainerStatusCreated, nil
	case running(done):
		return types.ContainerStatusRunning, nil
	default:
		return types.ContainerStatusExited, nil
	}
}

// ContainerLogs returns the captured output
func (r *ProcessRuntime) ContainerLogs(_ context.Context, id string) (io.ReadCloser, error) {
	p, err := r.get(id)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(strings.NewReader(p.logs.String())), nil
}

// Exec runs the command on the host with the process environment
func (r *ProcessRuntime) Exec(ctx context.Context, id string, command []string) ([]byte, error) {
	p, err := r.get(id)
	if err != nil {
		return nil, err
	}
	if len(command) == 0 {
		return nil, fmt.Errorf("no command to exec in %s", id)
	}

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Env = append(os.Environ(), p.spec.Env...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("exec %v in %s: %w", command, id, err)
	}
	return out, nil
}

// ListContainers returns the processes created for project
func (r *ProcessRuntime) ListContainers(_ context.Context, project string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	for id, p := range r.procs {
		if p.spec.Project == project {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// WaitForLog waits for a line containing pattern in the process output
func (r *ProcessRuntime) WaitForLog(ctx context.Context, id, pattern string) error {
	p, err := r.get(id)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if p.logs.Contains(pattern) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for log pattern %q in %s: %w", pattern, id, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Close kills every process still running
func (r *ProcessRuntime) Close() error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.procs))
	for id := range r.procs {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		_ = r.DeleteContainer(context.Background(), id)
	}
	return nil
}

func (r *ProcessRuntime) get(id string) (*process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.procs[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrContainerNotFound)
	}
	return p, nil
}

func (r *ProcessRuntime) handle(p *process) (int, chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.cmd == nil {
		return 0, nil
	}
	return p.cmd.Process.Pid, p.done
}

func running(done chan struct{}) bool {
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// LogBuffer provides thread-safe log buffering with timestamps
type LogBuffer struct {
	mu    sync.RWMutex
	lines []logLine
}

type logLine struct {
	timestamp time.Time
	content   string
}

// Append adds a log line to the buffer
func (lb *LogBuffer) Append(line string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	lb.lines = append(lb.lines, logLine{
		timestamp: time.Now(),
		content:   line,
	})
}

// String returns all logs as a single string
func (lb *LogBuffer) String() string {
	return lb.Since(time.Time{})
}

// Since returns logs since the given timestamp
func (lb *LogBuffer) Since(since time.Time) string {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	var buf bytes.Buffer
	for _, line := range lb.lines {
		if line.timestamp.After(since) {
			buf.WriteString(line.content)
			buf.WriteString("\n")
		}
	}

	return buf.String()
}

// Contains checks if the logs contain a specific pattern
func (lb *LogBuffer) Contains(pattern string) bool {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	for _, line := range lb.lines {
		if strings.Contains(line.content, pattern) {
			return true
		}
	}

	return false
}

// Lines returns the number of log lines
func (lb *LogBuffer) Lines() int {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	return len(lb.lines)
}
