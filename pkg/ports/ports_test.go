package ports

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alwaysFree(int) bool { return true }

func TestParseWorkerPorts(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    []int
		wantErr bool
	}{
		{name: "space separated", raw: "30001 30002 30003", want: []int{30001, 30002, 30003}},
		{name: "extra whitespace", raw: "  30001\t30002\n", want: []int{30001, 30002}},
		{name: "empty", raw: "", want: []int{}},
		{name: "not a number", raw: "30001 abc", wantErr: true},
		{name: "out of range", raw: "70000", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseWorkerPorts(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestArbiterAcquireInOrder(t *testing.T) {
	pool := NewPool([]int{40001, 40002, 40003}).WithProbe(alwaysFree)
	a := pool.NewArbiter("cluster-a")

	p1, err := a.Acquire()
	require.NoError(t, err)
	p2, err := a.Acquire()
	require.NoError(t, err)

	assert.Equal(t, 40001, p1)
	assert.Equal(t, 40002, p2)
	assert.Equal(t, []int{40003}, pool.Free())
	assert.Len(t, a.Leased(), 2)
}

func TestArbiterNeverReturnsLeasedPort(t *testing.T) {
	pool := NewPool([]int{40001, 40002}).WithProbe(alwaysFree)
	a := pool.NewArbiter("cluster-a")

	seen := map[int]bool{}
	for i := 0; i < 2; i++ {
		p, err := a.Acquire()
		require.NoError(t, err)
		assert.False(t, seen[p], "port %d handed out twice", p)
		seen[p] = true
	}

	_, err := a.Acquire()
	assert.True(t, errors.Is(err, ErrPoolExhausted))
}

func TestArbitersShareOnePool(t *testing.T) {
	pool := NewPool([]int{40001, 40002}).WithProbe(alwaysFree)
	a := pool.NewArbiter("cluster-a")
	b := pool.NewArbiter("cluster-b")

	pa, err := a.Acquire()
	require.NoError(t, err)
	pb, err := b.Acquire()
	require.NoError(t, err)
	assert.NotEqual(t, pa, pb)

	holder, ok := pool.Holder(pb)
	require.True(t, ok)
	assert.Equal(t, "cluster-b", holder)

	// Releasing one arbiter must not free the other's ports.
	a.ReleaseAll()
	assert.Equal(t, []int{pa}, pool.Free())
}

func TestReleaseAllMakesPortsAcquirableAgain(t *testing.T) {
	pool := NewPool([]int{40001}).WithProbe(alwaysFree)
	a := pool.NewArbiter("cluster-a")

	p, err := a.Acquire()
	require.NoError(t, err)

	a.ReleaseAll()
	assert.Empty(t, a.Leased())

	again, err := a.Acquire()
	require.NoError(t, err)
	assert.Equal(t, p, again)
}

func TestReleaseAllIdempotent(t *testing.T) {
	pool := NewPool([]int{40001}).WithProbe(alwaysFree)
	a := pool.NewArbiter("cluster-a")

	a.ReleaseAll()
	a.ReleaseAll()
	assert.Equal(t, []int{40001}, pool.Free())
}

func TestAcquireSkipsPortsThatFailBindProbe(t *testing.T) {
	busy := map[int]bool{40001: true}
	pool := NewPool([]int{40001, 40002}).WithProbe(func(p int) bool { return !busy[p] })
	a := pool.NewArbiter("cluster-a")

	p, err := a.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 40002, p)

	// The busy port stays in the free set; it was never leased.
	assert.Equal(t, []int{40001}, pool.Free())
}

func TestAcquireExhaustedWhenNothingBinds(t *testing.T) {
	pool := NewPool([]int{40001, 40002}).WithProbe(func(int) bool { return false })
	_, err := pool.NewArbiter("cluster-a").Acquire()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestIsPortFree(t *testing.T) {
	l, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port

	assert.False(t, IsPortFree(port))
	require.NoError(t, l.Close())
	assert.True(t, IsPortFree(port))
}

func TestNewPoolDeduplicates(t *testing.T) {
	pool := NewPool([]int{40001, 40001, 40002})
	assert.Equal(t, []int{40001, 40002}, pool.All())
}

func TestLazyPortMemoizes(t *testing.T) {
	pool := NewPool([]int{40001, 40002}).WithProbe(alwaysFree)
	a := pool.NewArbiter("cluster-a")
	lp := NewLazyPort(a)

	_, ok := lp.Assigned()
	assert.False(t, ok)

	first, err := lp.Get()
	require.NoError(t, err)
	second, err := lp.Get()
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, a.Leased(), 1)

	got, ok := lp.Assigned()
	assert.True(t, ok)
	assert.Equal(t, first, got)
}

func TestLazyPortPropagatesExhaustion(t *testing.T) {
	pool := NewPool(nil).WithProbe(alwaysFree)
	lp := NewLazyPort(pool.NewArbiter("cluster-a"))

	_, err := lp.Get()
	assert.ErrorIs(t, err, ErrPoolExhausted)
	_, ok := lp.Assigned()
	assert.False(t, ok)
}
