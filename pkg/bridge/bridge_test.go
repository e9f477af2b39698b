package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdemchak/jupyter-bridge/pkg/store"
)

// testConfig keeps the polling loop fast enough for tests.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DequeueTimeout = 200 * time.Millisecond
	cfg.FastPollInterval = 10 * time.Millisecond
	cfg.SlowPollInterval = 20 * time.Millisecond
	return cfg
}

func testBridge(cfg Config) (*Bridge, *store.MemoryStore) {
	st := store.NewMemoryStore()
	return New(st, cfg, logr.Discard()), st
}

func TestEnqueueWritesSlot(t *testing.T) {
	b, st := testBridge(testConfig())
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, Request, "c1", []byte(`{"op":"ping"}`)))

	fields, err := st.GetAll(ctx, "c1:request")
	require.NoError(t, err)
	assert.Equal(t, `{"op":"ping"}`, fields[fieldMessage])
	assert.Equal(t, "", fields[fieldPickupTime])
	assert.NotEmpty(t, fields[fieldPostedTime])

	ttl, armed := st.TTL("c1:request")
	assert.True(t, armed)
	assert.Greater(t, ttl, 23*time.Hour)
}

func TestEnqueueOccupiedSlot(t *testing.T) {
	b, st := testBridge(testConfig())
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, Reply, "c5", []byte("A")))
	err := b.Enqueue(ctx, Reply, "c5", []byte("B"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSlotOccupied))

	// the first message is untouched
	value, _, err := st.GetField(ctx, "c5:reply", fieldMessage)
	require.NoError(t, err)
	assert.Equal(t, "A", value)
}

func TestDequeueReturnsPendingMessage(t *testing.T) {
	b, st := testBridge(testConfig())
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, Request, "c1", []byte(`{"op":"ping"}`)))

	payload, validReader, err := b.Dequeue(ctx, Request, "c1", false)
	require.NoError(t, err)
	assert.True(t, validReader)
	assert.Equal(t, []byte(`{"op":"ping"}`), payload)

	fields, err := st.GetAll(ctx, "c1:request")
	require.NoError(t, err)
	_, occupied := fields[fieldMessage]
	assert.False(t, occupied)
	assert.NotEmpty(t, fields[fieldPickupTime])
	assert.Equal(t, "10", fields[fieldFastPollsLeft])
	assert.Equal(t, dequeueIdleStatus, fields[fieldDequeueBusy])
}

func TestDequeueWaitsForLateEnqueue(t *testing.T) {
	b, _ := testBridge(testConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	var payload []byte
	var validReader bool
	var dequeueErr error
	go func() {
		defer wg.Done()
		payload, validReader, dequeueErr = b.Dequeue(ctx, Reply, "c1", false)
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, b.Enqueue(ctx, Reply, "c1", []byte("OK")))
	wg.Wait()

	require.NoError(t, dequeueErr)
	assert.True(t, validReader)
	assert.Equal(t, []byte("OK"), payload)
}

func TestDequeueTimeout(t *testing.T) {
	b, st := testBridge(testConfig())
	ctx := context.Background()

	start := time.Now()
	payload, validReader, err := b.Dequeue(ctx, Request, "c9", false)
	require.NoError(t, err)
	assert.True(t, validReader)
	assert.Nil(t, payload)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)

	// interlock released, slot kept alive for a future enqueue
	busy, _, err := st.GetField(ctx, "c9:request", fieldDequeueBusy)
	require.NoError(t, err)
	assert.Equal(t, dequeueIdleStatus, busy)
	_, armed := st.TTL("c9:request")
	assert.True(t, armed)
}

func TestRedundantReaderRejected(t *testing.T) {
	b, st := testBridge(testConfig())
	ctx := context.Background()

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		close(started)
		_, validReader, err := b.Dequeue(ctx, Request, "c3", false)
		assert.NoError(t, err)
		assert.True(t, validReader)
	}()

	<-started
	time.Sleep(50 * time.Millisecond)

	payload, validReader, err := b.Dequeue(ctx, Request, "c3", false)
	require.NoError(t, err)
	assert.False(t, validReader)
	assert.Nil(t, payload)

	// the redundant reader must not have cleared the winner's flag
	busy, _, err := st.GetField(ctx, "c3:request", fieldDequeueBusy)
	require.NoError(t, err)
	assert.Equal(t, dequeueBusyStatus, busy)

	<-done
	busy, _, err = st.GetField(ctx, "c3:request", fieldDequeueBusy)
	require.NoError(t, err)
	assert.Equal(t, dequeueIdleStatus, busy)
}

func TestDequeueResetFirstDiscardsPredecessorMessage(t *testing.T) {
	b, st := testBridge(testConfig())
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, Request, "c1", []byte("left over")))

	payload, validReader, err := b.Dequeue(ctx, Request, "c1", true)
	require.NoError(t, err)
	assert.True(t, validReader)
	assert.Nil(t, payload)

	_, present, err := st.GetField(ctx, "c1:request", fieldMessage)
	require.NoError(t, err)
	assert.False(t, present)
}

func TestDequeueCadenceDownshift(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFastPolls = 2
	cfg.DequeueTimeout = 30 * time.Millisecond
	b, st := testBridge(cfg)
	ctx := context.Background()

	_, _, err := b.Dequeue(ctx, Reply, "c4", false)
	require.NoError(t, err)
	left, _, err := st.GetField(ctx, "c4:reply", fieldFastPollsLeft)
	require.NoError(t, err)
	assert.Equal(t, "1", left)

	_, _, err = b.Dequeue(ctx, Reply, "c4", false)
	require.NoError(t, err)
	left, _, err = st.GetField(ctx, "c4:reply", fieldFastPollsLeft)
	require.NoError(t, err)
	assert.Equal(t, "0", left)

	// exhausted budget stays at zero; the waiter is on the slow interval now
	_, _, err = b.Dequeue(ctx, Reply, "c4", false)
	require.NoError(t, err)
	left, _, err = st.GetField(ctx, "c4:reply", fieldFastPollsLeft)
	require.NoError(t, err)
	assert.Equal(t, "0", left)

	// a successful round trip reseeds the budget
	require.NoError(t, b.Enqueue(ctx, Reply, "c4", []byte("OK")))
	payload, validReader, err := b.Dequeue(ctx, Reply, "c4", false)
	require.NoError(t, err)
	assert.True(t, validReader)
	assert.Equal(t, []byte("OK"), payload)
	left, _, err = st.GetField(ctx, "c4:reply", fieldFastPollsLeft)
	require.NoError(t, err)
	assert.Equal(t, "2", left)
}

// faultyStore fails reads of one field to exercise the interlock release on
// store faults.
type faultyStore struct {
	store.Store
	failField string
}

func (s *faultyStore) GetField(ctx context.Context, key, field string) (string, bool, error) {
	if field == s.failField {
		return "", false, errors.New("store unavailable")
	}
	return s.Store.GetField(ctx, key, field)
}

func TestDequeueReleasesInterlockOnStoreFault(t *testing.T) {
	st := store.NewMemoryStore()
	b := New(&faultyStore{Store: st, failField: fieldFastPollsLeft}, testConfig(), logr.Discard())
	ctx := context.Background()

	_, validReader, err := b.Dequeue(ctx, Request, "c1", false)
	require.Error(t, err)
	assert.True(t, validReader)

	busy, _, err := st.GetField(ctx, "c1:request", fieldDequeueBusy)
	require.NoError(t, err)
	assert.Equal(t, dequeueIdleStatus, busy)
}

func TestDequeueCanceledCallerReleasesInterlock(t *testing.T) {
	cfg := testConfig()
	cfg.DequeueTimeout = time.Minute
	b, st := testBridge(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		payload, validReader, err := b.Dequeue(ctx, Reply, "c1", false)
		assert.NoError(t, err)
		assert.True(t, validReader)
		assert.Nil(t, payload)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	<-done

	busy, _, err := st.GetField(context.Background(), "c1:reply", fieldDequeueBusy)
	require.NoError(t, err)
	assert.Equal(t, dequeueIdleStatus, busy)
}

func TestDiscardStrandedReply(t *testing.T) {
	b, st := testBridge(testConfig())
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, Reply, "c2", []byte("stale")))

	stranded, found, err := b.DiscardStrandedReply(ctx, "c2")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "stale", stranded)

	_, present, err := st.GetField(ctx, "c2:reply", fieldMessage)
	require.NoError(t, err)
	assert.False(t, present)

	// nothing stranded the second time around
	_, found, err = b.DiscardStrandedReply(ctx, "c2")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestScrubRemovesSlotsKeepsStats(t *testing.T) {
	b, st := testBridge(testConfig())
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, Request, "c1", []byte("{}")))
	require.NoError(t, b.Enqueue(ctx, Reply, "c2", []byte("OK")))

	require.NoError(t, b.Scrub(ctx))

	keys, err := st.Scan(ctx, "*:request")
	require.NoError(t, err)
	assert.Empty(t, keys)
	keys, err = st.Scan(ctx, "*:reply")
	require.NoError(t, err)
	assert.Empty(t, keys)

	keys, err = st.Scan(ctx, "stat:*")
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestRoundTripIdentity(t *testing.T) {
	b, _ := testBridge(testConfig())
	ctx := context.Background()

	payload := []byte{0x00, 0xff, '{', '}', '\n'}
	require.NoError(t, b.Enqueue(ctx, Request, "c1", payload))

	got, validReader, err := b.Dequeue(ctx, Request, "c1", false)
	require.NoError(t, err)
	assert.True(t, validReader)
	assert.Equal(t, payload, got)
}
