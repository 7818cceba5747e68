// Package emulator composes the trigger-decision emulator behind a single
// facade: a lifecycle command surface (configure, start, stop, pause,
// resume, scrap) over four concurrent workers — the timestamp estimator, the
// inhibit consumer, the credit tracker, and the decision scheduler.
package emulator

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"kairos/internal/endpoint"
	"kairos/internal/estimator"
	"kairos/internal/flow"
	"kairos/internal/messages"
	"kairos/internal/scheduler"
	"kairos/internal/telemetry/events"
	"kairos/internal/telemetry/metrics"
	"kairos/logger"
	"kairos/telemetry/health"
)

// Endpoints binds the emulator to its message lanes. TimeSyncSource and
// DecisionSink are mandatory; InhibitSource and TokenSource are optional —
// an absent inhibit source means never inhibited, an absent token source
// means unlimited credit.
type Endpoints struct {
	TimeSyncSource endpoint.Receiver[messages.TimeSync]
	InhibitSource  endpoint.Receiver[messages.TriggerInhibit]
	TokenSource    endpoint.Receiver[messages.TriggerDecisionToken]
	DecisionSink   endpoint.Sender[messages.TriggerDecision]
}

// Options tunes the observability wiring.
type Options struct {
	Logger         *zap.Logger
	MetricsEnabled bool
	MetricsBackend string // "prometheus" (default) or "otel"
	TriggerType    uint32
	HealthTTL      time.Duration
}

// ModuleInfo is the on-demand statistics record served to the host. The
// "New" fields are exchange-zero: reading them resets them.
type ModuleInfo struct {
	TriggersTotal  uint64 `json:"triggers_total"`
	NewTriggers    uint64 `json:"new_triggers"`
	InhibitedTotal uint64 `json:"inhibited_total"`
	NewInhibited   uint64 `json:"new_inhibited"`
	DroppedSends   uint64 `json:"dropped_sends"`
}

// Emulator is the lifecycle controller. All commands are safe for concurrent
// use; workers exist only between start and stop.
type Emulator struct {
	eps Endpoints
	lg  *zap.Logger

	provider    metrics.Provider
	bus         events.Bus
	healthEval  *health.Evaluator
	healthGauge metrics.Gauge

	mu         sync.Mutex // serializes lifecycle transitions
	configured atomic.Bool
	running    atomic.Bool
	paused     atomic.Bool

	conf        ConfParams
	triggerType messages.TriggerType
	runNumber   messages.RunNumber

	est     *estimator.Estimator
	inhibit *flow.InhibitConsumer
	credits *flow.CreditTracker
	sched   *scheduler.Scheduler

	configDrift atomic.Bool
}

// New wires an emulator to its endpoints. Workers are not started until the
// start command.
func New(eps Endpoints, opts Options) (*Emulator, error) {
	if eps.TimeSyncSource == nil {
		return nil, badStatef("time sync source endpoint is required")
	}
	if eps.DecisionSink == nil {
		return nil, badStatef("decision sink endpoint is required")
	}
	e := &Emulator{
		eps:         eps,
		lg:          logger.Component(opts.Logger, "trigger-emulator"),
		triggerType: messages.TriggerType(opts.TriggerType),
	}
	e.provider = selectMetricsProvider(opts)
	e.bus = events.NewBus(e.provider)
	ttl := opts.HealthTTL
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	e.healthEval = health.NewEvaluator(ttl, e.healthProbes()...)
	if e.provider != nil {
		e.healthGauge = e.provider.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{Namespace: "kairos", Subsystem: "health", Name: "status", Help: "Overall health status (1=healthy,0.5=degraded,0=unhealthy,-1=unknown)"}})
		e.healthGauge.Set(-1)
	}
	return e, nil
}

// selectMetricsProvider maps the options onto a metrics backend. Metrics
// disabled yields a noop provider so instrumentation call sites stay
// unconditional.
func selectMetricsProvider(opts Options) metrics.Provider {
	if !opts.MetricsEnabled {
		return metrics.NewNoopProvider()
	}
	switch strings.ToLower(opts.MetricsBackend) {
	case "", "prom", "prometheus":
		return metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
	case "otel", "opentelemetry":
		return metrics.NewOTelProvider(metrics.OTelProviderOptions{ServiceName: "kairos"})
	default:
		return metrics.NewNoopProvider()
	}
}

// Configure validates and stores the configuration document.
func (e *Emulator) Configure(p ConfParams) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running.Load() {
		return badStatef("configure while running")
	}
	if err := p.Validate(); err != nil {
		return err
	}
	e.conf = p
	e.configured.Store(true)
	e.configDrift.Store(false)
	e.lg.Info("configured",
		zap.Uint64("clock_hz", p.ClockFrequencyHz),
		zap.Uint64(logger.FieldInterval, p.TriggerIntervalTicks),
		zap.Int("links", len(p.Links)))
	e.publishLifecycle("configured")
	return nil
}

// Start validates the start parameters, resets per-run state, and launches
// the workers.
func (e *Emulator) Start(p StartParams) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.configured.Load() {
		return badStatef("start before configure")
	}
	if e.running.Load() {
		return badStatef("start while running")
	}
	// The stored configuration is revalidated: scrap/configure races or
	// hand-edited documents must not reach the workers.
	if err := e.conf.Validate(); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}

	e.runNumber = messages.RunNumber(p.Run)
	e.paused.Store(false)
	e.running.Store(true)

	e.est = estimator.New(e.eps.TimeSyncSource, e.conf.ClockFrequencyHz, estimator.Options{
		Logger:  e.lg,
		Bus:     e.bus,
		Metrics: e.provider,
	})
	if e.eps.InhibitSource != nil {
		e.inhibit = flow.NewInhibitConsumer(e.eps.InhibitSource, e.lg)
	}
	if e.eps.TokenSource != nil {
		e.credits = flow.NewCreditTracker(e.eps.TokenSource, e.runNumber, int64(e.conf.InitialTokenCount), flow.CreditTrackerOptions{
			Logger:  e.lg,
			Bus:     e.bus,
			Metrics: e.provider,
			Paused:  e.paused.Load,
		})
	}
	e.sched = scheduler.New(e.schedulerConfig(p.TriggerIntervalTicks), e.runNumber, scheduler.Deps{
		Estimate:  e.est.CurrentEstimate,
		Inhibited: e.inhibitedNow,
		Running:   &e.running,
		Paused:    &e.paused,
		Credits:   e.credits,
		Sink:      e.eps.DecisionSink,
		Logger:    e.lg,
		Bus:       e.bus,
		Metrics:   e.provider,
	})

	e.lg.Info("started",
		zap.Uint64(logger.FieldRunNumber, p.Run),
		zap.Uint64(logger.FieldInterval, p.TriggerIntervalTicks))
	e.publishLifecycle("started")
	return nil
}

// Stop clears the running flag and joins every worker. The scheduler emits
// its end-of-run burst on the way out, before the sink goes quiet.
func (e *Emulator) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running.Load() {
		return badStatef("stop while not running")
	}
	e.running.Store(false)
	e.sched.Join()
	if e.credits != nil {
		e.credits.Stop()
		e.credits = nil
	}
	if e.inhibit != nil {
		e.inhibit.Stop()
		e.inhibit = nil
	}
	e.est.Stop()
	e.est = nil
	e.lg.Info("stopped", zap.Uint64(logger.FieldRunNumber, uint64(e.runNumber)))
	e.publishLifecycle("stopped")
	return nil
}

// Pause gates decision emission without tearing anything down.
func (e *Emulator) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running.Load() {
		return badStatef("pause while not running")
	}
	e.paused.Store(true)
	e.lg.Info("paused")
	e.publishLifecycle("paused")
	return nil
}

// Resume lifts the pause gate, optionally at a new trigger cadence.
func (e *Emulator) Resume(p ResumeParams) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running.Load() {
		return badStatef("resume while not running")
	}
	if !e.paused.Load() {
		return badStatef("resume while not paused")
	}
	if err := e.conf.Validate(); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	e.sched.SetInterval(p.TriggerIntervalTicks)
	e.paused.Store(false)
	e.lg.Info("resumed", zap.Uint64(logger.FieldInterval, p.TriggerIntervalTicks))
	e.publishLifecycle("resumed")
	return nil
}

// Scrap discards the stored configuration.
func (e *Emulator) Scrap() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running.Load() {
		return badStatef("scrap while running")
	}
	if !e.configured.Load() {
		return badStatef("scrap while not configured")
	}
	e.configured.Store(false)
	e.lg.Info("scrapped")
	e.publishLifecycle("scrapped")
	return nil
}

// Configured reports whether a configuration document is stored.
func (e *Emulator) Configured() bool { return e.configured.Load() }

// Running reports whether the workers are live.
func (e *Emulator) Running() bool { return e.running.Load() }

// Paused reports whether decision emission is gated by pause.
func (e *Emulator) Paused() bool { return e.paused.Load() }

// Info returns the statistics record and resets the "new since last query"
// fields.
func (e *Emulator) Info() ModuleInfo {
	e.mu.Lock()
	sched := e.sched
	e.mu.Unlock()
	if sched == nil {
		return ModuleInfo{}
	}
	c := sched.CountersSnapshot()
	return ModuleInfo{
		TriggersTotal:  c.TriggersTotal,
		NewTriggers:    c.NewTriggers,
		InhibitedTotal: c.InhibitedTotal,
		NewInhibited:   c.NewInhibited,
		DroppedSends:   c.DroppedSends,
	}
}

// Health evaluates (or serves the cached) health snapshot and mirrors the
// rollup onto the status gauge.
func (e *Emulator) Health(ctx context.Context) health.Snapshot {
	snap := e.healthEval.Evaluate(ctx)
	if e.healthGauge != nil {
		e.healthGauge.Set(health.GaugeValue(snap.Overall))
	}
	return snap
}

// Bus exposes the telemetry event bus for external observers.
func (e *Emulator) Bus() events.Bus { return e.bus }

// MetricsHandler returns the scrape handler when the Prometheus backend is
// active, else nil.
func (e *Emulator) MetricsHandler() http.Handler {
	if hp, ok := e.provider.(interface{ MetricsHandler() http.Handler }); ok {
		return hp.MetricsHandler()
	}
	return nil
}

// NoteConfigDrift records that the on-disk configuration no longer matches
// what configure stored. Surfaced through health; never applied mid-run.
func (e *Emulator) NoteConfigDrift(drifted bool) {
	if e.configDrift.Swap(drifted) != drifted && drifted {
		e.lg.Warn("configuration file changed on disk; restart or reconfigure to apply")
		e.publishConfigEvent()
	}
}

func (e *Emulator) inhibitedNow() bool {
	if e.inhibit == nil {
		return false
	}
	return e.inhibit.Inhibited()
}

func (e *Emulator) schedulerConfig(intervalTicks uint64) scheduler.Config {
	return scheduler.Config{
		ClockHz:        e.conf.ClockFrequencyHz,
		IntervalTicks:  intervalTicks,
		TriggerOffset:  e.conf.TriggerOffset,
		DelayTicks:     e.conf.TriggerDelayTicks,
		MinWindowTicks: e.conf.MinReadoutWindowTicks,
		MaxWindowTicks: e.conf.MaxReadoutWindowTicks,
		WindowOffset:   e.conf.TriggerWindowOffset,
		MinLinks:       e.conf.MinLinksInRequest,
		MaxLinks:       e.conf.MaxLinksInRequest,
		Links:          e.conf.GeoIDs(),
		TriggerType:    e.triggerType,
		RepeatCount:    e.conf.RepeatTriggerCount,
		StopBurstCount: e.conf.StopBurstCount,
	}
}

func (e *Emulator) publishLifecycle(transition string) {
	if e.bus == nil {
		return
	}
	_ = e.bus.Publish(events.Event{
		Category: events.CategoryLifecycle,
		Type:     transition,
		Fields:   map[string]interface{}{"run_number": uint64(e.runNumber)},
	})
}

func (e *Emulator) publishConfigEvent() {
	if e.bus == nil {
		return
	}
	_ = e.bus.Publish(events.Event{
		Category: events.CategoryConfig,
		Type:     "drift_detected",
		Severity: "warn",
	})
}

func (e *Emulator) healthProbes() []health.Probe {
	estimatorProbe := health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		e.mu.Lock()
		est := e.est
		e.mu.Unlock()
		if est == nil {
			return health.Unknown("estimator", "not running")
		}
		if est.CurrentEstimate() == messages.InvalidTimestamp {
			return health.Degraded("estimator", "no timestamp estimate yet")
		}
		if age, ok := est.AnchorAge(); ok && age > 3*time.Second {
			return health.Degraded("estimator", "time sync stream stale")
		}
		return health.Healthy("estimator")
	})
	flowProbe := health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		e.mu.Lock()
		credits := e.credits
		e.mu.Unlock()
		if credits == nil {
			return health.Healthy("flow")
		}
		if credits.Credits() == 0 {
			return health.Degraded("flow", "credit starved")
		}
		return health.Healthy("flow")
	})
	sinkProbe := health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		e.mu.Lock()
		sched := e.sched
		e.mu.Unlock()
		if sched == nil {
			return health.Healthy("sink")
		}
		dropped, total := sched.DroppedSends(), sched.TriggersTotal()
		if dropped == 0 {
			return health.Healthy("sink")
		}
		if total > 0 && float64(dropped)/float64(total) >= 0.1 {
			return health.Unhealthy("sink", "dropping a large share of decisions")
		}
		return health.Degraded("sink", "some decisions dropped on send timeout")
	})
	driftProbe := health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		if e.configDrift.Load() {
			return health.Degraded("config", "configuration drifted on disk")
		}
		return health.Healthy("config")
	})
	return []health.Probe{estimatorProbe, flowProbe, sinkProbe, driftProbe}
}
