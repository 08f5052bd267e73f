package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type stubExecer struct {
	gotID  string
	gotCmd []string
	output []byte
	err    error
}

func (s *stubExecer) Exec(_ context.Context, containerID string, command []string) ([]byte, error) {
	s.gotID = containerID
	s.gotCmd = command
	return s.output, s.err
}

func TestExecChecker_InContainer(t *testing.T) {
	stub := &stubExecer{output: []byte("accepting connections")}
	checker := NewExecChecker([]string{"pg_isready", "-U", "postgres"}).WithContainer("proj-postgres1", stub)

	result := checker.Check(context.Background())

	assert.True(t, result.Healthy, result.Message)
	assert.Equal(t, "proj-postgres1", stub.gotID)
	assert.Equal(t, []string{"pg_isready", "-U", "postgres"}, stub.gotCmd)
	assert.Contains(t, result.Message, "accepting connections")
}

func TestExecChecker_InContainerFails(t *testing.T) {
	stub := &stubExecer{err: errors.New("exit status 2")}
	checker := NewExecChecker([]string{"redis-cli", "ping"}).WithContainer("proj-redis1", stub)

	err := Probe(context.Background(), checker)

	assert.ErrorContains(t, err, "exit status 2")
	assert.False(t, IsNotListening(err))
}

func TestExecChecker_ContainerWithoutRuntime(t *testing.T) {
	checker := NewExecChecker([]string{"true"})
	checker.ContainerID = "orphan"

	assert.False(t, checker.Check(context.Background()).Healthy)
}

func TestExecChecker_Host(t *testing.T) {
	assert.True(t, NewExecChecker([]string{"true"}).Check(context.Background()).Healthy)
	assert.False(t, NewExecChecker([]string{"false"}).Check(context.Background()).Healthy)
	assert.False(t, NewExecChecker(nil).Check(context.Background()).Healthy)
	assert.Equal(t, CheckTypeExec, NewExecChecker(nil).Type())
}
