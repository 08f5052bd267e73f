package health

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"
)

// Execer runs a command inside a container. A non-zero exit status is
// reported as an error; output holds combined stdout and stderr.
type Execer interface {
	Exec(ctx context.Context, containerID string, command []string) ([]byte, error)
}

// maxOutput bounds how much command output ends up in the result message
const maxOutput = 100

// ExecChecker is healthy when Command exits zero. With a ContainerID it runs
// inside that container through Runtime, otherwise on the host.
type ExecChecker struct {
	Command     []string
	Timeout     time.Duration
	ContainerID string
	Runtime     Execer
}

func NewExecChecker(command []string) *ExecChecker {
	return &ExecChecker{Command: command, Timeout: 10 * time.Second}
}

func (e *ExecChecker) Check(ctx context.Context) Result {
	start := time.Now()

	if len(e.Command) == 0 {
		return result(start, false, errors.New("no command"), "exec")
	}
	if e.ContainerID != "" && e.Runtime == nil {
		return result(start, false, errors.New("no runtime"), "exec in %s", e.ContainerID)
	}

	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	var (
		output []byte
		err    error
	)
	if e.ContainerID != "" {
		output, err = e.Runtime.Exec(ctx, e.ContainerID, e.Command)
	} else {
		output, err = exec.CommandContext(ctx, e.Command[0], e.Command[1:]...).CombinedOutput()
	}

	out := strings.TrimSpace(string(output))
	if len(out) > maxOutput {
		out = out[:maxOutput] + "..."
	}
	return result(start, true, err, "%s: %s", strings.Join(e.Command, " "), out)
}

func (e *ExecChecker) Type() CheckType {
	return CheckTypeExec
}

// WithTimeout bounds one command run
func (e *ExecChecker) WithTimeout(timeout time.Duration) *ExecChecker {
	e.Timeout = timeout
	return e
}

// WithContainer runs the command inside the given container
func (e *ExecChecker) WithContainer(containerID string, runtime Execer) *ExecChecker {
	e.ContainerID = containerID
	e.Runtime = runtime
	return e
}
