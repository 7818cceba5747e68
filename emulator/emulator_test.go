package emulator

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kairos/internal/endpoint"
	"kairos/internal/messages"
	"kairos/telemetry/health"
)

// testConf uses a 1 MHz clock so DAQ ticks line up with wall-clock
// microseconds and the tests stay fast.
func testConf() ConfParams {
	return ConfParams{
		MinReadoutWindowTicks: 100,
		MaxReadoutWindowTicks: 200,
		TriggerWindowOffset:   50,
		MinLinksInRequest:     1,
		MaxLinksInRequest:     3,
		TriggerIntervalTicks:  100_000,
		ClockFrequencyHz:      1_000_000,
		RepeatTriggerCount:    1,
		InitialTokenCount:     0,
		Links:                 []uint32{0, 1, 2, 3, 4},
	}
}

type rig struct {
	em        *Emulator
	timeSyncQ *endpoint.Queue[messages.TimeSync]
	decisionQ *endpoint.Queue[messages.TriggerDecision]
	inhibitQ  *endpoint.Queue[messages.TriggerInhibit]
	tokenQ    *endpoint.Queue[messages.TriggerDecisionToken]
}

func newRig(t *testing.T, withInhibit, withTokens bool) *rig {
	t.Helper()
	r := &rig{
		timeSyncQ: endpoint.NewQueue[messages.TimeSync](64),
		decisionQ: endpoint.NewQueue[messages.TriggerDecision](64),
	}
	eps := Endpoints{TimeSyncSource: r.timeSyncQ, DecisionSink: r.decisionQ}
	if withInhibit {
		r.inhibitQ = endpoint.NewQueue[messages.TriggerInhibit](16)
		eps.InhibitSource = r.inhibitQ
	}
	if withTokens {
		r.tokenQ = endpoint.NewQueue[messages.TriggerDecisionToken](16)
		eps.TokenSource = r.tokenQ
	}
	em, err := New(eps, Options{})
	require.NoError(t, err)
	r.em = em
	t.Cleanup(func() {
		if em.Running() {
			_ = em.Stop()
		}
	})
	return r
}

// feedSync anchors the estimator at DAQ tick 0 = now, so the estimate tracks
// wall-clock microseconds from here on.
func (r *rig) feedSync(t *testing.T) {
	t.Helper()
	// Let the estimator's start-of-run pre-drain finish so this sync isn't
	// discarded as residue from a previous run.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, r.timeSyncQ.Send(messages.TimeSync{
		DAQTime:    0,
		SystemTime: messages.SystemMicros(time.Now().UnixMicro()),
	}, time.Millisecond))
}

func (r *rig) receive(t *testing.T, timeout time.Duration) messages.TriggerDecision {
	t.Helper()
	d, err := r.decisionQ.Receive(timeout)
	require.NoError(t, err, "expected a decision within %v", timeout)
	return d
}

func TestEndpointsRequired(t *testing.T) {
	_, err := New(Endpoints{}, Options{})
	require.Error(t, err)
	_, err = New(Endpoints{TimeSyncSource: endpoint.NewQueue[messages.TimeSync](1)}, Options{})
	require.Error(t, err)
}

func TestCommandPreconditions(t *testing.T) {
	r := newRig(t, false, false)
	em := r.em

	assert.True(t, errors.Is(em.Start(StartParams{Run: 1, TriggerIntervalTicks: 1}), ErrBadState))
	assert.True(t, errors.Is(em.Stop(), ErrBadState))
	assert.True(t, errors.Is(em.Pause(), ErrBadState))
	assert.True(t, errors.Is(em.Resume(ResumeParams{TriggerIntervalTicks: 1}), ErrBadState))
	assert.True(t, errors.Is(em.Scrap(), ErrBadState))

	require.NoError(t, em.Configure(testConf()))
	assert.True(t, em.Configured())

	require.NoError(t, em.Start(StartParams{Run: 1, TriggerIntervalTicks: 100_000}))
	assert.True(t, em.Running())
	assert.True(t, errors.Is(em.Configure(testConf()), ErrBadState))
	assert.True(t, errors.Is(em.Scrap(), ErrBadState))
	assert.True(t, errors.Is(em.Start(StartParams{Run: 2, TriggerIntervalTicks: 1}), ErrBadState))
	assert.True(t, errors.Is(em.Resume(ResumeParams{TriggerIntervalTicks: 1}), ErrBadState))

	require.NoError(t, em.Stop())
	assert.False(t, em.Running())
	require.NoError(t, em.Scrap())
	assert.False(t, em.Configured())
}

func TestConfigureRejectsBadDocument(t *testing.T) {
	r := newRig(t, false, false)
	p := testConf()
	p.MinReadoutWindowTicks = 500
	p.MaxReadoutWindowTicks = 100
	err := r.em.Configure(p)
	assert.True(t, errors.Is(err, ErrInvalidConfiguration))
	assert.False(t, r.em.Configured())
}

func TestStartRejectsZeroInterval(t *testing.T) {
	r := newRig(t, false, false)
	require.NoError(t, r.em.Configure(testConf()))
	err := r.em.Start(StartParams{Run: 1, TriggerIntervalTicks: 0})
	assert.True(t, errors.Is(err, ErrInvalidTriggerInterval))
	assert.False(t, r.em.Running())
}

func TestBasicRunEmitsDecisions(t *testing.T) {
	r := newRig(t, false, false)
	require.NoError(t, r.em.Configure(testConf()))
	require.NoError(t, r.em.Start(StartParams{Run: 7, TriggerIntervalTicks: 100_000}))
	r.feedSync(t)

	for i := 0; i < 3; i++ {
		d := r.receive(t, 2*time.Second)
		assert.Equal(t, messages.TriggerNumber(i+1), d.TriggerNumber)
		assert.Equal(t, messages.RunNumber(7), d.RunNumber)
		assert.Zero(t, uint64(d.Timestamp)%100_000)
	}
	require.NoError(t, r.em.Stop())
}

func TestPauseResumeKeepsTriggerNumbersContiguous(t *testing.T) {
	r := newRig(t, false, false)
	require.NoError(t, r.em.Configure(testConf()))
	require.NoError(t, r.em.Start(StartParams{Run: 7, TriggerIntervalTicks: 100_000}))
	r.feedSync(t)

	var last messages.TriggerNumber
	for i := 0; i < 3; i++ {
		last = r.receive(t, 2*time.Second).TriggerNumber
	}
	require.Equal(t, messages.TriggerNumber(3), last)

	require.NoError(t, r.em.Pause())
	assert.True(t, r.em.Paused())
	time.Sleep(100 * time.Millisecond)
	endpoint.Drain[messages.TriggerDecision](r.decisionQ, 10*time.Millisecond)
	_, err := r.decisionQ.Receive(400 * time.Millisecond)
	require.Error(t, err, "no emissions while paused")

	require.NoError(t, r.em.Resume(ResumeParams{TriggerIntervalTicks: 50_000}))
	d := r.receive(t, 2*time.Second)
	assert.Equal(t, messages.TriggerNumber(4), d.TriggerNumber)
	assert.Zero(t, uint64(d.Timestamp)%50_000)
	require.NoError(t, r.em.Stop())
}

func TestInhibitStopsEmission(t *testing.T) {
	r := newRig(t, true, false)
	require.NoError(t, r.em.Configure(testConf()))
	require.NoError(t, r.em.Start(StartParams{Run: 7, TriggerIntervalTicks: 50_000}))
	r.feedSync(t)

	r.receive(t, 2*time.Second)
	require.NoError(t, r.inhibitQ.Send(messages.TriggerInhibit{Busy: true}, time.Millisecond))
	time.Sleep(100 * time.Millisecond)
	endpoint.Drain[messages.TriggerDecision](r.decisionQ, 10*time.Millisecond)
	_, err := r.decisionQ.Receive(300 * time.Millisecond)
	require.Error(t, err, "no emissions while inhibited")

	require.NoError(t, r.inhibitQ.Send(messages.TriggerInhibit{Busy: false}, time.Millisecond))
	r.receive(t, 2*time.Second)
	require.NoError(t, r.em.Stop())
}

func TestCreditExhaustionAndInfo(t *testing.T) {
	r := newRig(t, false, true)
	p := testConf()
	p.InitialTokenCount = 2
	p.TriggerIntervalTicks = 50_000
	require.NoError(t, r.em.Configure(p))
	require.NoError(t, r.em.Start(StartParams{Run: 11, TriggerIntervalTicks: 50_000}))
	r.feedSync(t)

	r.receive(t, 2*time.Second)
	r.receive(t, 2*time.Second)
	_, err := r.decisionQ.Receive(300 * time.Millisecond)
	require.Error(t, err, "credit exhausted")

	require.Eventually(t, func() bool {
		return r.em.Info().InhibitedTotal > 0
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, r.tokenQ.Send(messages.NewToken(11), time.Millisecond))
	d := r.receive(t, 2*time.Second)
	assert.Equal(t, messages.TriggerNumber(3), d.TriggerNumber)

	// The "new" fields reset on read, the totals do not.
	info := r.em.Info()
	assert.Equal(t, uint64(3), info.TriggersTotal)
	again := r.em.Info()
	assert.Zero(t, again.NewTriggers)
	assert.Equal(t, uint64(3), again.TriggersTotal)
	require.NoError(t, r.em.Stop())
}

func TestStopBurst(t *testing.T) {
	r := newRig(t, true, false)
	p := testConf()
	p.TriggerIntervalTicks = 50_000
	p.StopBurstCount = 3
	require.NoError(t, r.em.Configure(p))
	require.NoError(t, r.em.Start(StartParams{Run: 5, TriggerIntervalTicks: 50_000}))

	// Hold the run inhibited before the first anchor lands so the burst is
	// the only output. The consumer's own pre-drain is a single short receive
	// on an empty queue, so it has finished well before the inhibit is sent.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.inhibitQ.Send(messages.TriggerInhibit{Busy: true}, time.Millisecond))
	r.feedSync(t)
	time.Sleep(300 * time.Millisecond)
	endpoint.Drain[messages.TriggerDecision](r.decisionQ, 10*time.Millisecond)

	require.NoError(t, r.em.Stop())

	var burst []messages.TriggerDecision
	for i := 0; i < 3; i++ {
		burst = append(burst, r.receive(t, time.Second))
	}
	for i, d := range burst {
		assert.Equal(t, messages.TriggerNumber(i+1), d.TriggerNumber)
		assert.Equal(t, burst[0].Timestamp, d.Timestamp)
	}
	_, err := r.decisionQ.Receive(100 * time.Millisecond)
	require.Error(t, err)
}

func TestRestartResetsTriggerNumbers(t *testing.T) {
	r := newRig(t, false, false)
	require.NoError(t, r.em.Configure(testConf()))

	require.NoError(t, r.em.Start(StartParams{Run: 1, TriggerIntervalTicks: 100_000}))
	r.feedSync(t)
	first := r.receive(t, 2*time.Second)
	require.Equal(t, messages.TriggerNumber(1), first.TriggerNumber)
	require.NoError(t, r.em.Stop())
	endpoint.Drain[messages.TriggerDecision](r.decisionQ, 10*time.Millisecond)

	require.NoError(t, r.em.Start(StartParams{Run: 2, TriggerIntervalTicks: 100_000}))
	r.feedSync(t)
	d := r.receive(t, 2*time.Second)
	assert.Equal(t, messages.TriggerNumber(1), d.TriggerNumber)
	assert.Equal(t, messages.RunNumber(2), d.RunNumber)
	require.NoError(t, r.em.Stop())
}

func TestHealthReflectsLifecycle(t *testing.T) {
	r := newRig(t, false, false)
	require.NoError(t, r.em.Configure(testConf()))

	snap := r.em.Health(context.Background())
	// Not running: the estimator probe reports unknown, nothing is unhealthy.
	assert.NotEqual(t, health.StatusUnhealthy, snap.Overall)

	require.NoError(t, r.em.Start(StartParams{Run: 1, TriggerIntervalTicks: 100_000}))
	r.feedSync(t)
	require.Eventually(t, func() bool {
		r.emHealthInvalidate()
		return r.em.Health(context.Background()).Overall == health.StatusHealthy
	}, 2*time.Second, 50*time.Millisecond)
	require.NoError(t, r.em.Stop())
}

func (r *rig) emHealthInvalidate() {
	// Health snapshots are TTL-cached; tests force recomputation.
	r.em.healthEval.ForceInvalidate()
}

func TestLifecycleEventsPublished(t *testing.T) {
	r := newRig(t, false, false)
	sub, err := r.em.Bus().Subscribe(16)
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	require.NoError(t, r.em.Configure(testConf()))
	select {
	case ev := <-sub.C():
		assert.Equal(t, "configured", ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no lifecycle event")
	}
}
