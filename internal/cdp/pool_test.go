// internal/cdp/pool_test.go
package cdp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeConn implements Conn in memory and counts attach calls per target.
type fakeConn struct {
	mu       sync.Mutex
	attaches map[string]int
	detached []string
	closed   bool
	nextSess int64
	attachDelay time.Duration

	done chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{attaches: make(map[string]int), done: make(chan struct{})}
}

func (f *fakeConn) Call(ctx context.Context, sessionID, method string, params, out any) error {
	return nil
}

func (f *fakeConn) AttachTarget(ctx context.Context, targetID string) (string, error) {
	if f.attachDelay > 0 {
		time.Sleep(f.attachDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attaches[targetID]++
	id := atomic.AddInt64(&f.nextSess, 1)
	return fmt.Sprintf("sess-%s-%d", targetID, id), nil
}

func (f *fakeConn) DetachTarget(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached = append(f.detached, sessionID)
	return nil
}

func (f *fakeConn) Done() <-chan struct{} { return f.done }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) attachCount(targetID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attaches[targetID]
}

func newTestPool(t *testing.T, shared Conn, dial DedicatedDialer) *Pool {
	t.Helper()
	return NewPool(shared, dial, zaptest.NewLogger(t))
}

func TestPoolConcurrentGetOrCreateConverges(t *testing.T) {
	shared := newFakeConn()
	shared.attachDelay = 5 * time.Millisecond
	pool := newTestPool(t, shared, nil)

	const callers = 16
	sessions := make([]*Session, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := pool.GetOrCreate(context.Background(), "t1", false)
			require.NoError(t, err)
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	for _, s := range sessions[1:] {
		assert.Same(t, sessions[0], s, "concurrent callers must converge on one session")
	}
	assert.Equal(t, 1, shared.attachCount("t1"), "exactly one attach for the shared mode")
}

func TestPoolCachesPerTarget(t *testing.T) {
	shared := newFakeConn()
	pool := newTestPool(t, shared, nil)

	s1, err := pool.GetOrCreate(context.Background(), "t1", false)
	require.NoError(t, err)
	s2, err := pool.GetOrCreate(context.Background(), "t2", false)
	require.NoError(t, err)
	again, err := pool.GetOrCreate(context.Background(), "t1", false)
	require.NoError(t, err)

	assert.Same(t, s1, again)
	assert.NotSame(t, s1, s2)
	assert.NotEqual(t, s1.ID, s2.ID, "pool entries are unique per target")
}

func TestPoolDedicatedSessionsAreIsolated(t *testing.T) {
	shared := newFakeConn()
	var dialed []*fakeConn
	dial := func(ctx context.Context) (Conn, error) {
		c := newFakeConn()
		dialed = append(dialed, c)
		return c, nil
	}
	pool := newTestPool(t, shared, dial)

	sharedSess, err := pool.GetOrCreate(context.Background(), "t1", false)
	require.NoError(t, err)
	ded1, err := pool.GetOrCreate(context.Background(), "t1", true)
	require.NoError(t, err)
	ded2, err := pool.GetOrCreate(context.Background(), "t1", true)
	require.NoError(t, err)

	require.Len(t, dialed, 2, "every dedicated request opens its own transport")
	assert.NotSame(t, ded1, ded2, "dedicated sessions are never cached")
	assert.True(t, ded1.Dedicated)

	// Closing one dedicated session must not touch the shared transport or
	// the sibling dedicated session.
	require.NoError(t, ded1.Close(context.Background()))
	assert.True(t, dialed[0].closed)
	assert.False(t, dialed[1].closed)
	assert.False(t, shared.closed)
	require.NoError(t, sharedSess.Call(context.Background(), "Page.enable", nil, nil))
	require.NoError(t, ded2.Call(context.Background(), "Page.enable", nil, nil))

	// The closed session refuses further use.
	assert.ErrorIs(t, ded1.Call(context.Background(), "Page.enable", nil, nil), ErrSessionClosed)
}

func TestPoolInvalidateFlushesSharedOnly(t *testing.T) {
	shared := newFakeConn()
	dial := func(ctx context.Context) (Conn, error) { return newFakeConn(), nil }
	pool := newTestPool(t, shared, dial)

	s, err := pool.GetOrCreate(context.Background(), "t1", false)
	require.NoError(t, err)
	ded, err := pool.GetOrCreate(context.Background(), "t1", true)
	require.NoError(t, err)

	pool.Invalidate()

	assert.ErrorIs(t, s.Call(context.Background(), "Page.enable", nil, nil), ErrSessionClosed,
		"shared sessions must surface their invalidity before further use")
	require.NoError(t, ded.Call(context.Background(), "Page.enable", nil, nil),
		"dedicated sessions survive a shared-transport loss")

	// Next use re-establishes a fresh shared session.
	fresh, err := pool.GetOrCreate(context.Background(), "t1", false)
	require.NoError(t, err)
	assert.NotSame(t, s, fresh)
	assert.Equal(t, 2, shared.attachCount("t1"))
}

func TestPoolResetClosesEverything(t *testing.T) {
	shared := newFakeConn()
	var dialed []*fakeConn
	dial := func(ctx context.Context) (Conn, error) {
		c := newFakeConn()
		dialed = append(dialed, c)
		return c, nil
	}
	pool := newTestPool(t, shared, dial)

	s, err := pool.GetOrCreate(context.Background(), "t1", false)
	require.NoError(t, err)
	ded, err := pool.GetOrCreate(context.Background(), "t2", true)
	require.NoError(t, err)

	pool.Reset(context.Background())

	assert.ErrorIs(t, s.Call(context.Background(), "Page.enable", nil, nil), ErrSessionClosed)
	assert.ErrorIs(t, ded.Call(context.Background(), "Page.enable", nil, nil), ErrSessionClosed)
	require.Len(t, dialed, 1)
	assert.True(t, dialed[0].closed, "owned dedicated transports are closed on reset")
	assert.False(t, shared.closed, "the shared transport itself stays up")
}

func TestPoolDropInvalidatesWithoutDetach(t *testing.T) {
	shared := newFakeConn()
	pool := newTestPool(t, shared, nil)

	s, err := pool.GetOrCreate(context.Background(), "t1", false)
	require.NoError(t, err)

	pool.Drop("t1")
	assert.ErrorIs(t, s.Call(context.Background(), "Page.enable", nil, nil), ErrSessionClosed)
	assert.Empty(t, shared.detached, "dropping a dead target must not detach over the wire")
}
