package estimator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kairos/internal/endpoint"
	"kairos/internal/messages"
)

const testClockHz = 50_000_000

func newTestEstimator(t *testing.T, clockHz uint64) (*Estimator, *endpoint.Queue[messages.TimeSync]) {
	t.Helper()
	q := endpoint.NewQueue[messages.TimeSync](64)
	e := New(q, clockHz, Options{})
	t.Cleanup(e.Stop)
	// Let the start-of-run pre-drain finish so test syncs aren't discarded
	// as residue.
	time.Sleep(50 * time.Millisecond)
	return e, q
}

func nowMicros() messages.SystemMicros {
	return messages.SystemMicros(time.Now().UnixMicro())
}

func TestEstimateInvalidUntilFirstSync(t *testing.T) {
	e, q := newTestEstimator(t, testClockHz)

	// No syncs queued: the estimate must stay invalid.
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, messages.InvalidTimestamp, e.CurrentEstimate())

	require.NoError(t, q.Send(messages.TimeSync{DAQTime: 1_000_000, SystemTime: nowMicros()}, time.Millisecond))

	require.Eventually(t, func() bool {
		return e.CurrentEstimate() != messages.InvalidTimestamp
	}, 100*time.Millisecond, 5*time.Millisecond)

	est := e.CurrentEstimate()
	assert.GreaterOrEqual(t, uint64(est), uint64(1_000_000))
	// Bounded by the anchor plus 100 ms of clock ticks.
	assert.LessOrEqual(t, uint64(est), uint64(1_000_000+testClockHz/10))
}

func TestAnchorIsLargestDAQTime(t *testing.T) {
	e, q := newTestEstimator(t, testClockHz)

	now := nowMicros()
	require.NoError(t, q.Send(messages.TimeSync{DAQTime: 2_000_000, SystemTime: now}, time.Millisecond))
	require.NoError(t, q.Send(messages.TimeSync{DAQTime: 1_000_000, SystemTime: now}, time.Millisecond))

	require.Eventually(t, func() bool {
		return e.CurrentEstimate() != messages.InvalidTimestamp
	}, time.Second, 5*time.Millisecond)

	// The older observation must not drag the estimate below the newer anchor.
	assert.GreaterOrEqual(t, uint64(e.CurrentEstimate()), uint64(2_000_000))
}

func TestFutureSyncDoesNotUpdateEstimate(t *testing.T) {
	e, q := newTestEstimator(t, testClockHz)

	// system_time ten seconds in the local future: a clock-skew anomaly.
	future := messages.SystemMicros(time.Now().Add(10 * time.Second).UnixMicro())
	require.NoError(t, q.Send(messages.TimeSync{DAQTime: 5_000_000, SystemTime: future}, time.Millisecond))

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, messages.InvalidTimestamp, e.CurrentEstimate())
}

func TestResidualSyncsDiscardedAtStart(t *testing.T) {
	q := endpoint.NewQueue[messages.TimeSync](64)
	// Residue from a previous run: an absurdly large anchor.
	stale := messages.TimeSync{DAQTime: 1 << 60, SystemTime: nowMicros()}
	require.NoError(t, q.Send(stale, time.Millisecond))

	e := New(q, testClockHz, Options{})
	defer e.Stop()

	// Give the pre-drain time to finish, then feed a real sync.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, q.Send(messages.TimeSync{DAQTime: 1_000, SystemTime: nowMicros()}, time.Millisecond))

	require.Eventually(t, func() bool {
		est := e.CurrentEstimate()
		return est != messages.InvalidTimestamp && est < 1<<60
	}, time.Second, 5*time.Millisecond)
}

func TestEstimateMonotoneBetweenAnchors(t *testing.T) {
	e, q := newTestEstimator(t, testClockHz)
	require.NoError(t, q.Send(messages.TimeSync{DAQTime: 0, SystemTime: nowMicros()}, time.Millisecond))
	require.Eventually(t, func() bool {
		return e.CurrentEstimate() != messages.InvalidTimestamp
	}, time.Second, 5*time.Millisecond)

	prev := e.CurrentEstimate()
	for i := 0; i < 50; i++ {
		time.Sleep(5 * time.Millisecond)
		cur := e.CurrentEstimate()
		require.GreaterOrEqual(t, uint64(cur), uint64(prev))
		prev = cur
	}
}

func TestAnchorAge(t *testing.T) {
	e, q := newTestEstimator(t, testClockHz)
	_, ok := e.AnchorAge()
	assert.False(t, ok)

	require.NoError(t, q.Send(messages.TimeSync{DAQTime: 1, SystemTime: nowMicros()}, time.Millisecond))
	require.Eventually(t, func() bool {
		_, ok := e.AnchorAge()
		return ok
	}, time.Second, 5*time.Millisecond)

	age, ok := e.AnchorAge()
	require.True(t, ok)
	assert.Less(t, age, time.Second)
}
