package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"
)

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
	CheckTypeExec CheckType = "exec"
)

// Result represents the outcome of a health check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
	// Err is the underlying failure, kept so callers can classify it
	Err error
}

// Checker runs one readiness check
type Checker interface {
	Check(ctx context.Context) Result
	Type() CheckType
}

func result(start time.Time, healthy bool, err error, format string, args ...any) Result {
	return Result{
		Healthy:   healthy && err == nil,
		Message:   fmt.Sprintf(format, args...),
		CheckedAt: start,
		Duration:  time.Since(start),
		Err:       err,
	}
}

// ErrUnhealthy is returned by Probe when a check ran but reported unhealthy
var ErrUnhealthy = errors.New("health check failed")

// Probe runs a single check and converts the result into an error.
// Failures keep the checker's underlying error in the chain so retry
// policies can tell "not listening yet" apart from hard failures.
func Probe(ctx context.Context, c Checker) error {
	res := c.Check(ctx)
	if res.Healthy {
		return nil
	}
	if res.Err != nil {
		return fmt.Errorf("%s check: %s: %w", c.Type(), res.Message, res.Err)
	}
	return fmt.Errorf("%s check: %s: %w", c.Type(), res.Message, ErrUnhealthy)
}

// IsNotListening reports whether err means the peer is not accepting
// connections yet: refused, unreachable host or network, or a dial timeout.
func IsNotListening(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
