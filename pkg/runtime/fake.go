package runtime

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cuemby/burrow/pkg/types"
)

// FakeRuntime is an in-memory Runtime for tests. Failures are scripted per
// image or container ID and every call is recorded as "<op>:<target>".
type FakeRuntime struct {
	mu         sync.Mutex
	containers map[string]*FakeContainer
	calls      []string

	pullFailures map[string]int
	pullErr      map[string]error
	startErr     map[string]error
	exitOnStart  map[string]bool
	stopErr      map[string]error
	killErr      map[string]error
	deleteErr    map[string]error
	execFunc     func(id string, command []string) ([]byte, error)
	onStart      func(spec types.ContainerSpec)
}

// FakeContainer is the recorded state of one fake container
type FakeContainer struct {
	Spec   types.ContainerSpec
	Status types.ContainerStatus
}

// NewFakeRuntime creates an empty fake runtime
func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{
		containers:   make(map[string]*FakeContainer),
		pullFailures: make(map[string]int),
		pullErr:      make(map[string]error),
		startErr:     make(map[string]error),
		exitOnStart:  make(map[string]bool),
		stopErr:      make(map[string]error),
		killErr:      make(map[string]error),
		deleteErr:    make(map[string]error),
	}
}

// TransientPullError is what scripted transient pull failures return
var TransientPullError = status.Error(codes.Unavailable, "registry unavailable")

// FailPull makes the next n pulls of image fail with a transient error
func (f *FakeRuntime) FailPull(image string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pullFailures[image] = n
}

// RejectPull makes every pull of image fail with err
func (f *FakeRuntime) RejectPull(image string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pullErr[image] = err
}

// FailStart makes StartContainer fail for id
func (f *FakeRuntime) FailStart(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startErr[id] = err
}

// ExitOnStart makes the container for id exit right after it starts
func (f *FakeRuntime) ExitOnStart(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exitOnStart[id] = true
}

// FailStop makes StopContainer fail for id
func (f *FakeRuntime) FailStop(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopErr[id] = err
}

// FailKill makes KillContainer fail for id
func (f *FakeRuntime) FailKill(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killErr[id] = err
}

// FailDelete makes DeleteContainer fail for id
func (f *FakeRuntime) FailDelete(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteErr[id] = err
}

// OnExec sets the handler for Exec calls
func (f *FakeRuntime) OnExec(fn func(id string, command []string) ([]byte, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execFunc = fn
}

// OnStart sets a hook run after a container is started, outside the lock
func (f *FakeRuntime) OnStart(fn func(spec types.ContainerSpec)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onStart = fn
}

// Calls returns the recorded calls in order
func (f *FakeRuntime) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CallCount returns how many recorded calls start with prefix
func (f *FakeRuntime) CallCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// Container returns a copy of the container state
func (f *FakeRuntime) Container(id string) (FakeContainer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[id]
	if !ok {
		return FakeContainer{}, false
	}
	return *c, true
}

// Len returns the number of containers that exist
func (f *FakeRuntime) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

func (f *FakeRuntime) record(op, target string) {
	f.calls = append(f.calls, op+":"+target)
}

func (f *FakeRuntime) PullImage(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.record("pull", ref)
	if err := f.pullErr[ref]; err != nil {
		return err
	}
	if f.pullFailures[ref] > 0 {
		f.pullFailures[ref]--
		return fmt.Errorf("failed to pull image %s: %w", ref, TransientPullError)
	}
	return nil
}

func (f *FakeRuntime) CreateContainer(_ context.Context, spec *types.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.record("create", spec.ID)
	if _, ok := f.containers[spec.ID]; ok {
		return "", fmt.Errorf("container %s already exists", spec.ID)
	}
	f.containers[spec.ID] = &FakeContainer{Spec: *spec, Status: types.ContainerStatusCreated}
	return spec.ID, nil
}

func (f *FakeRuntime) StartContainer(_ context.Context, id string) error {
	f.mu.Lock()
	f.record("start", id)
	c, ok := f.containers[id]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrContainerNotFound)
	}
	if err := f.startErr[id]; err != nil {
		f.mu.Unlock()
		return err
	}
	c.Status = types.ContainerStatusRunning
	if f.exitOnStart[id] {
		c.Status = types.ContainerStatusExited
	}
	spec := c.Spec
	hook := f.onStart
	f.mu.Unlock()

	if spec.LogPath != "" {
		_ = os.WriteFile(spec.LogPath, []byte("started "+id+"\n"), 0o644)
	}
	if hook != nil {
		hook(spec)
	}
	return nil
}

func (f *FakeRuntime) StopContainer(_ context.Context, id string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.record("stop", id)
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrContainerNotFound)
	}
	if err := f.stopErr[id]; err != nil {
		return err
	}
	if c.Status == types.ContainerStatusRunning {
		c.Status = types.ContainerStatusExited
	}
	return nil
}

func (f *FakeRuntime) KillContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.record("kill", id)
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrContainerNotFound)
	}
	if err := f.killErr[id]; err != nil {
		return err
	}
	if c.Status == types.ContainerStatusRunning {
		c.Status = types.ContainerStatusExited
	}
	return nil
}

func (f *FakeRuntime) DeleteContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.record("delete", id)
	if err := f.deleteErr[id]; err != nil {
		return err
	}
	delete(f.containers, id)
	return nil
}

func (f *FakeRuntime) ContainerStatus(_ context.Context, id string) (types.ContainerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[id]
	if !ok {
		return types.ContainerStatusUnknown, fmt.Errorf("%s: %w", id, ErrContainerNotFound)
	}
	return c.Status, nil
}

func (f *FakeRuntime) ContainerLogs(_ context.Context, id string) (io.ReadCloser, error) {
	f.mu.Lock()
	c, ok := f.containers[id]
	var path string
	if ok {
		path = c.Spec.LogPath
	}
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrContainerNotFound)
	}
	if path == "" {
		return io.NopCloser(strings.NewReader("")), nil
	}
	return os.Open(path)
}

func (f *FakeRuntime) Exec(_ context.Context, id string, command []string) ([]byte, error) {
	f.mu.Lock()
	f.record("exec", id)
	c, ok := f.containers[id]
	running := ok && c.Status == types.ContainerStatusRunning
	fn := f.execFunc
	f.mu.Unlock()

	if !running {
		return nil, fmt.Errorf("container %s is not running", id)
	}
	if fn == nil {
		return nil, nil
	}
	return fn(id, command)
}

func (f *FakeRuntime) ListContainers(_ context.Context, project string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var ids []string
	for id, c := range f.containers {
		if c.Spec.Project == project {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *FakeRuntime) Close() error {
	return nil
}

var (
	_ Runtime = (*FakeRuntime)(nil)
	_ Runtime = (*ProcessRuntime)(nil)
	_ Runtime = (*ContainerdRuntime)(nil)
)
