package lifecycle

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

var (
	// ErrDuplicateName is returned when an instance name is already registered
	ErrDuplicateName = errors.New("duplicate instance name")

	// ErrAlreadyUp is returned when instances are added to, or Start is
	// called on, a cluster that has left the not-started state
	ErrAlreadyUp = errors.New("cluster already started")

	// ErrUnknownCapability is returned for a capability with no provisioner
	ErrUnknownCapability = errors.New("unknown capability")

	// ErrInstanceExited is returned while probing an instance whose
	// container is no longer running
	ErrInstanceExited = errors.New("instance container exited")

	// ErrLogStalled is returned when an instance with a connection timeout
	// is past its start timeout and its server log stopped growing
	ErrLogStalled = errors.New("server log stopped growing")

	// ErrInterrupted is returned by Start when Shutdown ran before the
	// cluster came up
	ErrInterrupted = errors.New("cluster shut down while starting")
)

// ServiceTimeoutError is returned when a service never became ready
type ServiceTimeoutError struct {
	Service string
	Timeout time.Duration
	Err     error
}

func (e *ServiceTimeoutError) Error() string {
	return fmt.Sprintf("service %s not ready after %v: %v", e.Service, e.Timeout, e.Err)
}

func (e *ServiceTimeoutError) Unwrap() error {
	return e.Err
}

// InstanceStartError is returned when an instance container exited during
// start or its port never opened. Status and LogExcerpt are best effort.
type InstanceStartError struct {
	Instance   string
	Address    string
	Status     types.ContainerStatus
	LogExcerpt string
	Err        error
}

func (e *InstanceStartError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "instance %s failed to start", e.Instance)
	if e.Address != "" {
		fmt.Fprintf(&b, " on %s", e.Address)
	}
	fmt.Fprintf(&b, " (container %s): %v", e.Status, e.Err)
	if e.LogExcerpt != "" {
		b.WriteString("\nlast log lines:\n")
		b.WriteString(e.LogExcerpt)
	}
	return b.String()
}

func (e *InstanceStartError) Unwrap() error {
	return e.Err
}

// MarkerError reports sanitizer or fatal markers found in instance logs
// during shutdown. It is raised only after every teardown step ran.
type MarkerError struct {
	// SanitizerInstance is the first instance with a sanitizer report
	SanitizerInstance string
	SanitizerExcerpt  string

	// FatalInstance is the first instance with a fatal server log line
	FatalInstance string
	FatalExcerpt  string
}

func (e *MarkerError) Error() string {
	var parts []string
	if e.SanitizerInstance != "" {
		parts = append(parts, fmt.Sprintf("sanitizer assert found in logs of %s", e.SanitizerInstance))
	}
	if e.FatalInstance != "" {
		parts = append(parts, fmt.Sprintf("fatal messages found in logs of %s", e.FatalInstance))
	}
	return strings.Join(parts, "; ")
}

func (e *MarkerError) empty() bool {
	return e.SanitizerInstance == "" && e.FatalInstance == ""
}
