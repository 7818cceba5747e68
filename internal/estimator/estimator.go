// Package estimator maintains a continuously readable estimate of the
// current DAQ timestamp, extrapolated from the stream of TimeSync messages
// the readout units emit.
package estimator

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"kairos/internal/endpoint"
	"kairos/internal/messages"
	"kairos/internal/telemetry/events"
	"kairos/internal/telemetry/metrics"
	"kairos/logger"
)

const (
	receiveTimeout = time.Millisecond
	pollSleep      = 10 * time.Millisecond

	// staleAnchorMicros is how long we extrapolate from one anchor before
	// warning that the sync stream has gone quiet.
	staleAnchorMicros = 3_000_000
)

// Options carries the optional observability hooks.
type Options struct {
	Logger  *zap.Logger
	Bus     events.Bus
	Metrics metrics.Provider
}

// Estimator consumes TimeSync messages on a background goroutine and
// publishes a monotone estimate of the current DAQ tick. The estimate reads
// as InvalidTimestamp until the first valid TimeSync has been anchored.
type Estimator struct {
	clockHz  uint64
	estimate atomic.Uint64
	running  atomic.Bool
	done     chan struct{}

	// wall-clock micros at which the anchor was last replaced; 0 until the
	// first anchor lands. Feeds the staleness health probe.
	anchoredAt atomic.Int64

	lg       *zap.Logger
	bus      events.Bus
	warnRate *rate.Limiter

	skewWarnings  metrics.Counter
	staleWarnings metrics.Counter
}

// New creates the estimator and starts its consumer goroutine. Call Stop to
// terminate and join it.
func New(source endpoint.Receiver[messages.TimeSync], clockHz uint64, opts Options) *Estimator {
	e := &Estimator{
		clockHz:  clockHz,
		done:     make(chan struct{}),
		lg:       logger.Component(opts.Logger, "timestamp-estimator"),
		bus:      opts.Bus,
		warnRate: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
	prov := opts.Metrics
	if prov == nil {
		prov = metrics.NewNoopProvider()
	}
	e.skewWarnings = prov.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: "kairos", Subsystem: "estimator", Name: "skew_warnings_total", Help: "TimeSync anchors observed with system_time in the local future"}})
	e.staleWarnings = prov.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: "kairos", Subsystem: "estimator", Name: "stale_anchor_warnings_total", Help: "Extrapolation periods exceeding the stale-anchor window"}})
	e.estimate.Store(uint64(messages.InvalidTimestamp))
	e.running.Store(true)
	go e.run(source)
	return e
}

// CurrentEstimate returns the latest published estimate. Non-blocking and
// wait-free; returns InvalidTimestamp until the first anchor lands.
func (e *Estimator) CurrentEstimate() messages.Timestamp {
	return messages.Timestamp(e.estimate.Load())
}

// AnchorAge reports how long ago the anchor TimeSync was last replaced, or
// false if no anchor has landed yet.
func (e *Estimator) AnchorAge() (time.Duration, bool) {
	at := e.anchoredAt.Load()
	if at == 0 {
		return 0, false
	}
	return time.Duration(time.Now().UnixMicro()-at) * time.Microsecond, true
}

// Stop signals the consumer goroutine and joins it.
func (e *Estimator) Stop() {
	e.running.Store(false)
	<-e.done
}

func (e *Estimator) run(source endpoint.Receiver[messages.TimeSync]) {
	defer close(e.done)

	// The producers outlive the previous run, so the queue may hold syncs
	// from before this start. Pop everything immediately available and drop
	// it. This may also discard early syncs from the current run, which only
	// delays the first estimate slightly.
	if n := endpoint.Drain[messages.TimeSync](source, receiveTimeout); n > 0 {
		e.lg.Debug("discarded residual time syncs", zap.Int(logger.FieldCount, n))
	}

	anchor := messages.TimeSync{DAQTime: messages.InvalidTimestamp}
	updates := 0

	// The source may have multiple writers; whatever we read, the sync with
	// the largest daq_time wins.
	for e.running.Load() {
		if t, err := source.Receive(receiveTimeout); err == nil {
			e.lg.Debug("received time sync",
				zap.Uint64("daq_time", uint64(t.DAQTime)),
				zap.Uint64("system_time", uint64(t.SystemTime)),
				zap.Uint64(logger.FieldEstimate, e.estimate.Load()))
			if anchor.DAQTime == messages.InvalidTimestamp || t.DAQTime > anchor.DAQTime {
				anchor = t
				e.anchoredAt.Store(time.Now().UnixMicro())
			}
		}

		if anchor.DAQTime != messages.InvalidTimestamp {
			nowMicros := uint64(time.Now().UnixMicro())
			if nowMicros < uint64(anchor.SystemTime) {
				e.reportSkew(anchor, nowMicros)
			} else {
				delta := nowMicros - uint64(anchor.SystemTime)
				if delta > staleAnchorMicros {
					e.reportStale(delta)
				}
				estimate := uint64(anchor.DAQTime) + delta*e.clockHz/1_000_000
				if updates%100 == 0 {
					e.lg.Debug("updating timestamp estimate", zap.Uint64(logger.FieldEstimate, estimate))
				}
				updates++
				e.estimate.Store(estimate)
			}
		}

		time.Sleep(pollSleep)
	}

	// Whatever is still queued belongs to nobody now; drop it so the next
	// run's pre-drain has less to chew through.
	endpoint.Drain[messages.TimeSync](source, receiveTimeout)
}

func (e *Estimator) reportSkew(anchor messages.TimeSync, nowMicros uint64) {
	e.skewWarnings.Inc(1)
	if !e.warnRate.Allow() {
		return
	}
	e.lg.Warn("time sync from the future; estimate not updated",
		zap.Uint64("anchor_system_time", uint64(anchor.SystemTime)),
		zap.Uint64("now_micros", nowMicros))
	if e.bus != nil {
		_ = e.bus.Publish(events.Event{
			Category: events.CategoryEstimator,
			Type:     "invalid_time_sync",
			Severity: "warn",
			Fields:   map[string]interface{}{"anchor_system_time": uint64(anchor.SystemTime), "now_micros": nowMicros},
		})
	}
}

func (e *Estimator) reportStale(deltaMicros uint64) {
	e.staleWarnings.Inc(1)
	if !e.warnRate.Allow() {
		return
	}
	e.lg.Warn("no time sync received recently; still extrapolating",
		zap.Uint64("anchor_age_micros", deltaMicros))
	if e.bus != nil {
		_ = e.bus.Publish(events.Event{
			Category: events.CategoryEstimator,
			Type:     "stale_anchor",
			Severity: "warn",
			Fields:   map[string]interface{}{"anchor_age_micros": deltaMicros},
		})
	}
}
