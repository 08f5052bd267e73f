package runtime

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/containerd/containerd/errdefs"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cuemby/burrow/pkg/types"
)

const (
	// LabelProject tags every container with the cluster project that owns it
	LabelProject = "burrow.project"

	// LabelLogPath records where the container's stdout and stderr go on the host
	LabelLogPath = "burrow.log-path"
)

var (
	// ErrContainerNotFound is returned for operations on unknown containers
	ErrContainerNotFound = errors.New("container not found")

	// ErrStopTimeout is returned when a container ignored SIGTERM for the
	// whole stop timeout; callers escalate with KillContainer
	ErrStopTimeout = errors.New("container did not stop in time")
)

// Runtime creates and drives the containers of a test cluster
type Runtime interface {
	// PullImage fetches an image so containers can be created from it
	PullImage(ctx context.Context, ref string) error

	// CreateContainer creates (but does not start) a container
	CreateContainer(ctx context.Context, spec *types.ContainerSpec) (string, error)

	// StartContainer starts the container's main process
	StartContainer(ctx context.Context, id string) error

	// StopContainer sends SIGTERM and waits up to timeout for exit.
	// A container that is not running is not an error.
	StopContainer(ctx context.Context, id string, timeout time.Duration) error

	// KillContainer sends SIGKILL and waits for exit
	KillContainer(ctx context.Context, id string) error

	// DeleteContainer removes the container and its filesystem.
	// Deleting an unknown container is not an error.
	DeleteContainer(ctx context.Context, id string) error

	// ContainerStatus reports whether the container is running or exited
	ContainerStatus(ctx context.Context, id string) (types.ContainerStatus, error)

	// ContainerLogs opens the captured stdout and stderr of the container
	ContainerLogs(ctx context.Context, id string) (io.ReadCloser, error)

	// Exec runs a command inside a running container
	Exec(ctx context.Context, id string, command []string) ([]byte, error)

	// ListContainers returns the IDs of every container labelled with project
	ListContainers(ctx context.Context, project string) ([]string, error)

	// Close releases the runtime's connection
	Close() error
}

// IsTransient reports whether err is a network or daemon hiccup worth
// retrying, as opposed to a bad reference or a missing image.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errdefs.IsUnavailable(err) {
		return true
	}
	if errdefs.IsNotFound(err) || errdefs.IsInvalidArgument(err) {
		return false
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
			return true
		}
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
