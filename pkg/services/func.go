package services

import (
	"context"
	"time"

	"github.com/cuemby/burrow/pkg/retry"
)

// Func is a Provisioner assembled from closures, for services that are not
// plain containers or for tests
type Func struct {
	ServiceName string
	ImageRefs   []string
	Timeout     time.Duration
	Interval    time.Duration
	Rollback    bool
	Vars        map[string]string

	OnStart func(ctx context.Context) error
	// Ready is polled until it returns nil
	Ready  func(ctx context.Context) error
	OnStop func(ctx context.Context, kill bool) error
}

func (f *Func) Name() string {
	return f.ServiceName
}

func (f *Func) Images() []string {
	return f.ImageRefs
}

func (f *Func) Start(ctx context.Context) error {
	if f.OnStart == nil {
		return nil
	}
	return f.OnStart(ctx)
}

func (f *Func) WaitReady(ctx context.Context, timeout time.Duration) error {
	if f.Ready == nil {
		return nil
	}
	interval := f.Interval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	return retry.Fixed(interval, timeout).Poll(ctx, f.ServiceName+" readiness", f.Ready)
}

func (f *Func) ReadyTimeout() time.Duration {
	return f.Timeout
}

func (f *Func) Stop(ctx context.Context, kill bool) error {
	if f.OnStop == nil {
		return nil
	}
	return f.OnStop(ctx, kill)
}

func (f *Func) NeedsRollback() bool {
	return f.Rollback
}

func (f *Func) Exports() (map[string]string, error) {
	out := make(map[string]string, len(f.Vars))
	for k, v := range f.Vars {
		out[k] = v
	}
	return out, nil
}
