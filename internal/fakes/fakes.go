// Package fakes provides the peer modules the emulator talks to during
// standalone tests: a time-sync producer, an inhibit toggler, a token
// generator, and a decision receiver. The daemon wires them in place of a
// real readout and data-flow system.
package fakes

import (
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"kairos/internal/endpoint"
	"kairos/internal/messages"
	"kairos/logger"
)

const sendTimeout = 10 * time.Millisecond

// TimeSyncSource emits one TimeSync per timesync interval, aligned to the
// DAQ-tick grid the same way real readout units do.
type TimeSyncSource struct {
	sink          endpoint.Sender[messages.TimeSync]
	clockHz       uint64
	intervalTicks uint64
	running       atomic.Bool
	done          chan struct{}
	lg            *zap.Logger
}

// NewTimeSyncSource creates a stopped source. intervalTicks of 0 defaults to
// one sync per second of DAQ time.
func NewTimeSyncSource(sink endpoint.Sender[messages.TimeSync], clockHz, intervalTicks uint64, lg *zap.Logger) *TimeSyncSource {
	if intervalTicks == 0 {
		intervalTicks = clockHz
	}
	return &TimeSyncSource{sink: sink, clockHz: clockHz, intervalTicks: intervalTicks, lg: logger.Component(lg, "fake-timesync-source")}
}

func (s *TimeSyncSource) Start() {
	s.done = make(chan struct{})
	s.running.Store(true)
	go s.sendTimeSyncs()
}

func (s *TimeSyncSource) Stop() {
	s.running.Store(false)
	<-s.done
}

func (s *TimeSyncSource) now() (ticks uint64, micros uint64) {
	us := uint64(time.Now().UnixMicro())
	// Whole seconds and the sub-second remainder are scaled separately so the
	// product stays within uint64 at present-day epoch values.
	return us/1_000_000*s.clockHz + us%1_000_000*s.clockHz/1_000_000, us
}

func (s *TimeSyncSource) sendTimeSyncs() {
	defer close(s.done)
	nowTicks, nowMicros := s.now()
	next := nowTicks/s.intervalTicks*s.intervalTicks + s.intervalTicks
	for {
		for s.running.Load() && nowTicks < next {
			time.Sleep(time.Millisecond)
			nowTicks, nowMicros = s.now()
		}
		if !s.running.Load() {
			return
		}
		s.lg.Debug("sending time sync",
			zap.Uint64("daq_time", nowTicks),
			zap.Uint64("system_time", nowMicros))
		_ = s.sink.Send(messages.TimeSync{DAQTime: messages.Timestamp(nowTicks), SystemTime: messages.SystemMicros(nowMicros)}, sendTimeout)
		next += s.intervalTicks
	}
}

// InhibitGenerator toggles the busy state on a fixed wall-clock period.
type InhibitGenerator struct {
	sink     endpoint.Sender[messages.TriggerInhibit]
	interval time.Duration
	running  atomic.Bool
	done     chan struct{}
	lg       *zap.Logger
}

func NewInhibitGenerator(sink endpoint.Sender[messages.TriggerInhibit], interval time.Duration, lg *zap.Logger) *InhibitGenerator {
	return &InhibitGenerator{sink: sink, interval: interval, lg: logger.Component(lg, "fake-inhibit-generator")}
}

func (g *InhibitGenerator) Start() {
	g.done = make(chan struct{})
	g.running.Store(true)
	go g.sendInhibits()
}

func (g *InhibitGenerator) Stop() {
	g.running.Store(false)
	<-g.done
}

func (g *InhibitGenerator) sendInhibits() {
	defer close(g.done)
	nextSwitch := time.Now().Add(g.interval)
	busy := false
	for {
		for g.running.Load() && time.Now().Before(nextSwitch) {
			time.Sleep(time.Millisecond)
		}
		if !g.running.Load() {
			return
		}
		busy = !busy
		g.lg.Debug("sending inhibit", zap.Bool("busy", busy))
		_ = g.sink.Send(messages.TriggerInhibit{Busy: busy}, sendTimeout)
		nextSwitch = nextSwitch.Add(g.interval)
	}
}

// TokenGenerator sends an initial batch of credit tokens and then a steady
// stream with normally distributed inter-arrival times.
type TokenGenerator struct {
	sink          endpoint.Sender[messages.TriggerDecisionToken]
	meanInterval  time.Duration
	sigmaInterval time.Duration
	initialTokens int
	run           messages.RunNumber
	running       atomic.Bool
	done          chan struct{}
	lg            *zap.Logger
}

func NewTokenGenerator(sink endpoint.Sender[messages.TriggerDecisionToken], mean, sigma time.Duration, initial int, lg *zap.Logger) *TokenGenerator {
	return &TokenGenerator{sink: sink, meanInterval: mean, sigmaInterval: sigma, initialTokens: initial, lg: logger.Component(lg, "fake-token-generator")}
}

// Start begins token production for the given run.
func (g *TokenGenerator) Start(run messages.RunNumber) {
	g.run = run
	g.done = make(chan struct{})
	g.running.Store(true)
	go g.sendTokens()
}

func (g *TokenGenerator) Stop() {
	g.running.Store(false)
	<-g.done
}

func (g *TokenGenerator) sendTokens() {
	defer close(g.done)
	rng := rand.New(rand.NewSource(int64(g.run)))
	for i := 0; i < g.initialTokens; i++ {
		g.lg.Debug("sending initial token", zap.Uint64(logger.FieldRunNumber, uint64(g.run)))
		_ = g.sink.Send(messages.NewToken(g.run), sendTimeout)
	}
	for g.running.Load() {
		_ = g.sink.Send(messages.NewToken(g.run), sendTimeout)
		interval := time.Duration(math.Round(rng.NormFloat64()*float64(g.sigmaInterval) + float64(g.meanInterval)))
		if interval <= 0 {
			interval = time.Millisecond
		}
		time.Sleep(interval)
	}
}

// DecisionReceiver drains the decision sink the way a data-flow orchestrator
// would, counting what arrives.
type DecisionReceiver struct {
	source  endpoint.Receiver[messages.TriggerDecision]
	count   atomic.Uint64
	running atomic.Bool
	done    chan struct{}
	lg      *zap.Logger
}

func NewDecisionReceiver(source endpoint.Receiver[messages.TriggerDecision], lg *zap.Logger) *DecisionReceiver {
	return &DecisionReceiver{source: source, lg: logger.Component(lg, "fake-request-receiver")}
}

func (r *DecisionReceiver) Start() {
	r.done = make(chan struct{})
	r.running.Store(true)
	go r.receive()
}

func (r *DecisionReceiver) Stop() {
	r.running.Store(false)
	<-r.done
}

// Count reports how many decisions have arrived.
func (r *DecisionReceiver) Count() uint64 { return r.count.Load() }

func (r *DecisionReceiver) receive() {
	defer close(r.done)
	for r.running.Load() {
		if _, err := r.source.Receive(10 * time.Millisecond); err != nil {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if n := r.count.Add(1); n%10 == 0 {
			r.lg.Debug("received trigger decisions", zap.Uint64(logger.FieldCount, n))
		}
	}
}
