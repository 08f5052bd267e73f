package health

import (
	"context"
	"errors"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCPChecker_Listening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	checker := NewTCPChecker(ln.Addr().String()).WithTimeout(time.Second)
	assert.NoError(t, Probe(context.Background(), checker))
	assert.Equal(t, CheckTypeTCP, checker.Type())
}

func TestTCPChecker_NotListening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	result := NewTCPChecker(addr).Check(context.Background())
	assert.False(t, result.Healthy)
	assert.True(t, IsNotListening(result.Err))
}

func TestIsNotListening(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "refused", err: &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, want: true},
		{name: "host unreachable", err: syscall.EHOSTUNREACH, want: true},
		{name: "network unreachable", err: syscall.ENETUNREACH, want: true},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "other", err: errors.New("container exited"), want: false},
		{name: "unhealthy", err: ErrUnhealthy, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsNotListening(tt.err))
		})
	}
}
