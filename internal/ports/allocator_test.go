package ports

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAllocator(t *testing.T, min, max int) *Allocator {
	t.Helper()
	a, err := New("", min, max)
	require.NoError(t, err)
	a.probe = func(string, int) bool { return true }
	return a
}

func TestNew_RejectsBadRange(t *testing.T) {
	_, err := New("", 9001, 9000)
	assert.Error(t, err)
	_, err = New("", 0, 10)
	assert.Error(t, err)
	_, err = New("", 1, 70000)
	assert.Error(t, err)
}

func TestReserve_SinglePort(t *testing.T) {
	a := newTestAllocator(t, 9000, 9000)

	port, err := a.Reserve("agent-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 9000, port)

	_, err = a.Reserve("agent-2", 0)
	assert.ErrorIs(t, err, ErrNoFreePort)

	a.Release("agent-1")
	port, err = a.Reserve("agent-2", 0)
	require.NoError(t, err)
	assert.Equal(t, 9000, port)
}

func TestReserve_SameOwnerIsIdempotent(t *testing.T) {
	a := newTestAllocator(t, 9000, 9010)

	p1, err := a.Reserve("agent-1", 0)
	require.NoError(t, err)
	p2, err := a.Reserve("agent-1", 0)
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
	assert.Len(t, a.Held(), 1)
}

func TestReserve_Preferred(t *testing.T) {
	a := newTestAllocator(t, 9000, 9010)

	port, err := a.Reserve("agent-1", 9005)
	require.NoError(t, err)
	assert.Equal(t, 9005, port)

	_, err = a.Reserve("agent-2", 9005)
	assert.ErrorIs(t, err, ErrPortInUse)

	owner, ok := a.Owner(9005)
	require.True(t, ok)
	assert.Equal(t, "agent-1", owner)
}

func TestReserve_SkipsPortsBoundByOtherProcesses(t *testing.T) {
	a := newTestAllocator(t, 9000, 9002)
	a.probe = func(_ string, port int) bool { return port != 9000 }

	port, err := a.Reserve("agent-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 9001, port)

	_, err = a.Reserve("agent-2", 9000)
	assert.ErrorIs(t, err, ErrPortInUse)
}

func TestReserve_ProbesRealSockets(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port

	a, err := New("127.0.0.1", busy, busy)
	require.NoError(t, err)

	_, err = a.Reserve("agent-1", 0)
	assert.ErrorIs(t, err, ErrNoFreePort)
	_, err = a.Reserve("agent-1", busy)
	assert.ErrorIs(t, err, ErrPortInUse, "port "+strconv.Itoa(busy))
}

// No two owners ever hold the same port, regardless of interleaving.
func TestReserve_ConcurrentOwnersGetDistinctPorts(t *testing.T) {
	a := newTestAllocator(t, 9000, 9049)

	var wg sync.WaitGroup
	results := make(chan int, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner := fmt.Sprintf("agent-%d", i)
			port, err := a.Reserve(owner, 0)
			if err == nil {
				results <- port
				if i%3 == 0 {
					a.Release(owner)
				}
			}
		}(i)
	}
	wg.Wait()
	close(results)

	held := a.Held()
	seen := make(map[int]string)
	for owner, port := range held {
		prev, dup := seen[port]
		assert.False(t, dup, "port %d held by %s and %s", port, prev, owner)
		seen[port] = owner
		got, ok := a.Owner(port)
		assert.True(t, ok)
		assert.Equal(t, owner, got)
	}
	assert.LessOrEqual(t, len(held), 50)
}

func TestRelease_UnknownOwnerIsNoop(t *testing.T) {
	a := newTestAllocator(t, 9000, 9001)
	assert.NotPanics(t, func() { a.Release("ghost") })
	_, ok := a.Port("ghost")
	assert.False(t, ok)
}
