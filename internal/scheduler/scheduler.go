// Package scheduler emits trigger decisions on a regular grid of DAQ ticks,
// gated by the timestamp estimate, the inhibit flag, the pause flag, and the
// credit balance.
package scheduler

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"kairos/internal/endpoint"
	"kairos/internal/flow"
	"kairos/internal/messages"
	"kairos/internal/telemetry/events"
	"kairos/internal/telemetry/metrics"
	"kairos/logger"
)

const (
	waitSleep   = time.Millisecond
	idleSleep   = 10 * time.Millisecond
	sendTimeout = 10 * time.Millisecond
)

// Config carries the per-run trigger generation parameters. Values are fixed
// for the run except the interval, which resume may change through
// SetInterval.
type Config struct {
	ClockHz        uint64
	IntervalTicks  uint64
	TriggerOffset  uint64
	DelayTicks     uint64
	MinWindowTicks uint64
	MaxWindowTicks uint64
	WindowOffset   uint64
	MinLinks       int
	MaxLinks       int
	Links          []messages.GeoID
	TriggerType    messages.TriggerType
	RepeatCount    int
	StopBurstCount int
}

// Deps wires the scheduler to its collaborators. Estimate and Inhibited are
// read every cycle; Credits may be nil, in which case credit is unlimited.
type Deps struct {
	Estimate  func() messages.Timestamp
	Inhibited func() bool
	Running   *atomic.Bool
	Paused    *atomic.Bool
	Credits   *flow.CreditTracker
	Sink      endpoint.Sender[messages.TriggerDecision]
	Logger    *zap.Logger
	Bus       events.Bus
	Metrics   metrics.Provider
}

// Scheduler is the single producer of trigger decisions for a run; trigger
// numbers and timestamps are monotone because no other goroutine emits.
type Scheduler struct {
	cfg      Config
	deps     Deps
	interval atomic.Uint64
	run      messages.RunNumber
	rng      *decisionSource
	done     chan struct{}

	lastTriggerNumber uint64

	triggersTotal  atomic.Uint64
	newTriggers    atomic.Uint64
	inhibitedTotal atomic.Uint64
	newInhibited   atomic.Uint64
	droppedSends   atomic.Uint64

	lg         *zap.Logger
	mTriggers  metrics.Counter
	mInhibited metrics.Counter
	mDropped   metrics.Counter
	sendTimer  func() metrics.Timer
}

// New constructs a scheduler for one run and starts its emitter goroutine.
// Call Join to wait for it after clearing the running flag.
func New(cfg Config, run messages.RunNumber, deps Deps) *Scheduler {
	if cfg.RepeatCount < 1 {
		cfg.RepeatCount = 1
	}
	s := &Scheduler{
		cfg:  cfg,
		deps: deps,
		run:  run,
		rng:  newDecisionSource(run, cfg),
		done: make(chan struct{}),
		lg:   logger.Component(deps.Logger, "decision-scheduler"),
	}
	s.interval.Store(cfg.IntervalTicks)
	prov := deps.Metrics
	if prov == nil {
		prov = metrics.NewNoopProvider()
	}
	s.mTriggers = prov.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: "kairos", Subsystem: "scheduler", Name: "triggers_total", Help: "Trigger decisions emitted"}})
	s.mInhibited = prov.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: "kairos", Subsystem: "scheduler", Name: "inhibited_total", Help: "Grid points skipped for lack of credit"}})
	s.mDropped = prov.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: "kairos", Subsystem: "scheduler", Name: "dropped_sends_total", Help: "Decisions dropped on sink send timeout"}})
	s.sendTimer = prov.NewTimer(metrics.HistogramOpts{CommonOpts: metrics.CommonOpts{Namespace: "kairos", Subsystem: "scheduler", Name: "send_seconds", Help: "Decision sink send latency"}})
	go s.runLoop()
	return s
}

// SetInterval atomically replaces the grid interval. The emitter realigns to
// the new cadence from its next cycle.
func (s *Scheduler) SetInterval(ticks uint64) { s.interval.Store(ticks) }

// Interval returns the interval currently in effect.
func (s *Scheduler) Interval() uint64 { return s.interval.Load() }

// Join blocks until the emitter goroutine has exited. The caller must clear
// the running flag first.
func (s *Scheduler) Join() { <-s.done }

// Counters is the point-in-time statistics view used by the info surface.
type Counters struct {
	TriggersTotal  uint64
	NewTriggers    uint64
	InhibitedTotal uint64
	NewInhibited   uint64
	DroppedSends   uint64
}

// CountersSnapshot returns the totals and resets the "new since last query"
// values to zero.
func (s *Scheduler) CountersSnapshot() Counters {
	return Counters{
		TriggersTotal:  s.triggersTotal.Load(),
		NewTriggers:    s.newTriggers.Swap(0),
		InhibitedTotal: s.inhibitedTotal.Load(),
		NewInhibited:   s.newInhibited.Swap(0),
		DroppedSends:   s.droppedSends.Load(),
	}
}

// DroppedSends reports decisions lost to sink send timeouts.
func (s *Scheduler) DroppedSends() uint64 { return s.droppedSends.Load() }

// TriggersTotal reports decisions emitted this run without disturbing the
// exchange-zero info fields.
func (s *Scheduler) TriggersTotal() uint64 { return s.triggersTotal.Load() }

func (s *Scheduler) runLoop() {
	defer close(s.done)

	// No decisions until we know what time it is.
	for s.deps.Running.Load() && s.deps.Estimate() == messages.InvalidTimestamp {
		time.Sleep(idleSleep)
	}
	if s.deps.Estimate() == messages.InvalidTimestamp {
		// Stopped before the first time sync; there is no grid to burst on.
		s.lg.Debug("stopped before first timestamp estimate")
		return
	}

	interval := s.interval.Load()
	next := s.alignNext(s.deps.Estimate(), interval)
	s.lg.Debug("first grid point",
		zap.Uint64(logger.FieldTimestamp, uint64(next)),
		zap.Uint64(logger.FieldInterval, interval))

	for s.deps.Running.Load() {
		if !s.waitUntil(next + messages.Timestamp(s.cfg.DelayTicks)) {
			break
		}

		paused := s.deps.Paused.Load()
		inhibited := s.deps.Inhibited()
		creditOK := s.deps.Credits == nil || s.deps.Credits.Credits() > 0
		switch {
		case !paused && !inhibited && creditOK:
			s.emit(next)
		case !creditOK:
			s.inhibitedTotal.Add(1)
			s.newInhibited.Add(1)
			s.mInhibited.Inc(1)
			s.lg.Debug("grid point skipped: no credit", zap.Uint64(logger.FieldTimestamp, uint64(next)))
		default:
			s.lg.Debug("grid point skipped",
				zap.Uint64(logger.FieldTimestamp, uint64(next)),
				zap.Bool("paused", paused),
				zap.Bool("inhibited", inhibited))
		}

		// Resume may have swapped the interval; realign so subsequent
		// timestamps sit on the new cadence's grid rather than the old one's.
		if cur := s.interval.Load(); cur != interval {
			interval = cur
			next = s.alignNext(s.deps.Estimate(), interval)
			s.lg.Debug("interval changed; grid realigned",
				zap.Uint64(logger.FieldInterval, interval),
				zap.Uint64(logger.FieldTimestamp, uint64(next)))
		} else {
			next += messages.Timestamp(interval)
		}
	}

	if s.cfg.StopBurstCount > 0 {
		s.stopBurst(next)
	}
}

// alignNext returns the next interval boundary above the estimate plus the
// trigger offset, which always lies strictly after the estimate. With a
// non-zero offset an earlier grid point may also lie after the estimate; it
// is skipped.
func (s *Scheduler) alignNext(estimate messages.Timestamp, interval uint64) messages.Timestamp {
	return messages.Timestamp(uint64(estimate)/interval*interval + interval + s.cfg.TriggerOffset)
}

// waitUntil sleeps until the estimate reaches target or the running flag
// clears, and reports whether the target was reached.
func (s *Scheduler) waitUntil(target messages.Timestamp) bool {
	for s.deps.Estimate() < target {
		if !s.deps.Running.Load() {
			return false
		}
		time.Sleep(waitSleep)
	}
	return true
}

// emit builds one decision for the grid point and sends RepeatCount copies of
// it, each with its own trigger number and each consuming one credit.
func (s *Scheduler) emit(gridPoint messages.Timestamp) {
	d := s.rng.build(gridPoint, s.run)
	for i := 0; i < s.cfg.RepeatCount; i++ {
		s.lastTriggerNumber++
		d.TriggerNumber = messages.TriggerNumber(s.lastTriggerNumber)
		if s.deps.Credits != nil {
			s.deps.Credits.Track(d.TriggerNumber)
			s.deps.Credits.Debit()
		}
		s.send(d)
	}
}

// stopBurst emits the final diagnostic burst at the pending grid point. It
// bypasses every gate: its purpose is to exercise downstream drain logic.
func (s *Scheduler) stopBurst(gridPoint messages.Timestamp) {
	s.lg.Info("emitting stop burst",
		zap.Int(logger.FieldCount, s.cfg.StopBurstCount),
		zap.Uint64(logger.FieldTimestamp, uint64(gridPoint)))
	d := s.rng.build(gridPoint, s.run)
	for i := 0; i < s.cfg.StopBurstCount; i++ {
		s.lastTriggerNumber++
		d.TriggerNumber = messages.TriggerNumber(s.lastTriggerNumber)
		if s.deps.Credits != nil {
			s.deps.Credits.Track(d.TriggerNumber)
		}
		s.send(d)
	}
}

// send hands one decision to the sink. A timeout drops the decision but the
// trigger number and counters advance regardless, so the downstream view
// shows an explicit gap instead of a silently reused number.
func (s *Scheduler) send(d messages.TriggerDecision) {
	timer := s.sendTimer()
	err := s.deps.Sink.Send(d, sendTimeout)
	timer.ObserveDuration()
	if err != nil {
		s.droppedSends.Add(1)
		s.mDropped.Inc(1)
		s.lg.Warn("decision dropped: sink send timed out",
			zap.Uint64(logger.FieldTriggerNumber, uint64(d.TriggerNumber)),
			zap.Uint64(logger.FieldTimestamp, uint64(d.Timestamp)))
		if s.deps.Bus != nil {
			_ = s.deps.Bus.Publish(events.Event{
				Category: events.CategoryScheduler,
				Type:     "dropped_send",
				Severity: "warn",
				Fields:   map[string]interface{}{"trigger_number": uint64(d.TriggerNumber)},
			})
		}
	}
	s.triggersTotal.Add(1)
	s.newTriggers.Add(1)
	s.mTriggers.Inc(1)
}
