package flow

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"kairos/internal/endpoint"
	"kairos/internal/messages"
	"kairos/internal/telemetry/events"
	"kairos/internal/telemetry/metrics"
	"kairos/logger"
)

// openDumpInterval is how often the tracker logs the set of decisions still
// awaiting acknowledgement.
const openDumpInterval = 3 * time.Second

// CreditTrackerOptions carries the optional observability hooks plus the
// paused predicate that mutes the periodic open-decision dump.
type CreditTrackerOptions struct {
	Logger  *zap.Logger
	Bus     events.Bus
	Metrics metrics.Provider
	Paused  func() bool
}

// CreditTracker consumes TriggerDecisionTokens for one run. Each token for
// the current run grants one credit; a token naming a trigger number also
// retires that entry from the open-decisions set. Credits are only consumed
// by the scheduler (via Debit) and only granted here, and never go negative.
type CreditTracker struct {
	runNumber messages.RunNumber
	credits   atomic.Int64
	running   atomic.Bool
	done      chan struct{}

	mu   sync.Mutex
	open map[messages.TriggerNumber]struct{}

	lg     *zap.Logger
	bus    events.Bus
	paused func() bool

	tokensReceived metrics.Counter
	unknownTokens  metrics.Counter
	unknownCount   atomic.Uint64
}

// NewCreditTracker starts the token consumer with the configured initial
// credit. Call Stop to terminate and join.
func NewCreditTracker(source endpoint.Receiver[messages.TriggerDecisionToken], run messages.RunNumber, initialCredit int64, opts CreditTrackerOptions) *CreditTracker {
	t := &CreditTracker{
		runNumber: run,
		done:      make(chan struct{}),
		open:      make(map[messages.TriggerNumber]struct{}),
		lg:        logger.Component(opts.Logger, "credit-tracker"),
		bus:       opts.Bus,
		paused:    opts.Paused,
	}
	if t.paused == nil {
		t.paused = func() bool { return false }
	}
	prov := opts.Metrics
	if prov == nil {
		prov = metrics.NewNoopProvider()
	}
	t.tokensReceived = prov.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: "kairos", Subsystem: "flow", Name: "tokens_received_total", Help: "Decision tokens accepted for the current run"}})
	t.unknownTokens = prov.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: "kairos", Subsystem: "flow", Name: "unknown_tokens_total", Help: "Tokens naming a trigger number not in the open-decisions set"}})
	t.credits.Store(initialCredit)
	t.running.Store(true)
	go t.consume(source)
	return t
}

// Credits returns the current credit balance.
func (t *CreditTracker) Credits() int64 { return t.credits.Load() }

// Debit consumes one credit if any is available and reports whether it did.
// The balance never goes below zero.
func (t *CreditTracker) Debit() bool {
	for {
		c := t.credits.Load()
		if c <= 0 {
			return false
		}
		if t.credits.CompareAndSwap(c, c-1) {
			return true
		}
	}
}

// Track records an emitted decision as awaiting acknowledgement.
func (t *CreditTracker) Track(n messages.TriggerNumber) {
	t.mu.Lock()
	t.open[n] = struct{}{}
	t.mu.Unlock()
}

// Open returns the trigger numbers still awaiting acknowledgement, sorted.
func (t *CreditTracker) Open() []messages.TriggerNumber {
	t.mu.Lock()
	out := make([]messages.TriggerNumber, 0, len(t.open))
	for n := range t.open {
		out = append(out, n)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// UnknownTokens reports how many tokens named a trigger number that was not
// open.
func (t *CreditTracker) UnknownTokens() uint64 { return t.unknownCount.Load() }

// Stop signals the consumer goroutine and joins it.
func (t *CreditTracker) Stop() {
	t.running.Store(false)
	<-t.done
}

func (t *CreditTracker) consume(source endpoint.Receiver[messages.TriggerDecisionToken]) {
	defer close(t.done)
	lastDump := time.Now()
	for t.running.Load() {
		tok, err := source.Receive(receiveTimeout)
		if err != nil {
			time.Sleep(idleSleep)
		} else {
			t.accept(tok)
		}
		if time.Since(lastDump) >= openDumpInterval {
			lastDump = time.Now()
			t.dumpOpen()
		}
	}
}

func (t *CreditTracker) accept(tok messages.TriggerDecisionToken) {
	if tok.RunNumber != t.runNumber {
		t.lg.Debug("ignoring token for other run",
			zap.Uint64(logger.FieldRunNumber, uint64(tok.RunNumber)))
		return
	}
	t.credits.Add(1)
	t.tokensReceived.Inc(1)
	if tok.TriggerNumber == messages.InvalidTriggerNumber {
		return
	}
	t.mu.Lock()
	_, known := t.open[tok.TriggerNumber]
	if known {
		delete(t.open, tok.TriggerNumber)
	}
	t.mu.Unlock()
	if !known {
		t.unknownCount.Add(1)
		t.unknownTokens.Inc(1)
		t.lg.Warn("token acknowledges unknown trigger",
			zap.Uint64(logger.FieldTriggerNumber, uint64(tok.TriggerNumber)))
		if t.bus != nil {
			_ = t.bus.Publish(events.Event{
				Category: events.CategoryFlow,
				Type:     "unknown_token",
				Severity: "warn",
				Fields:   map[string]interface{}{"trigger_number": uint64(tok.TriggerNumber)},
			})
		}
	}
}

func (t *CreditTracker) dumpOpen() {
	if t.paused() {
		return
	}
	open := t.Open()
	if len(open) == 0 {
		return
	}
	nums := make([]uint64, len(open))
	for i, n := range open {
		nums[i] = uint64(n)
	}
	t.lg.Info("decisions awaiting acknowledgement",
		zap.Int(logger.FieldCount, len(nums)),
		zap.Uint64s("trigger_numbers", nums),
		zap.Int64(logger.FieldCredits, t.Credits()))
}
