package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"

	"github.com/containerd/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "grpc unavailable", err: status.Error(codes.Unavailable, "connection reset"), want: true},
		{name: "grpc resource exhausted", err: status.Error(codes.ResourceExhausted, "rate limited"), want: true},
		{name: "grpc aborted", err: status.Error(codes.Aborted, "aborted"), want: true},
		{name: "wrapped grpc unavailable", err: fmt.Errorf("pull: %w", status.Error(codes.Unavailable, "x")), want: true},
		{name: "errdefs unavailable", err: fmt.Errorf("pull: %w", errdefs.ErrUnavailable), want: true},
		{name: "errdefs not found", err: fmt.Errorf("pull: %w", errdefs.ErrNotFound), want: false},
		{name: "connection reset", err: syscall.ECONNRESET, want: true},
		{name: "unexpected eof", err: io.ErrUnexpectedEOF, want: true},
		{name: "grpc invalid argument", err: status.Error(codes.InvalidArgument, "bad ref"), want: false},
		{name: "plain", err: errors.New("manifest unknown"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestFakeRuntimeTransientPull(t *testing.T) {
	f := NewFakeRuntime()
	f.FailPull("zookeeper:3.8", 2)

	ctx := context.Background()
	err := f.PullImage(ctx, "zookeeper:3.8")
	assert.True(t, IsTransient(err))
	assert.Error(t, f.PullImage(ctx, "zookeeper:3.8"))
	assert.NoError(t, f.PullImage(ctx, "zookeeper:3.8"))
	assert.Equal(t, 3, f.CallCount("pull:"))
}
