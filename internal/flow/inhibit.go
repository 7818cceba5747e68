// Package flow tracks downstream backpressure: the inhibit flag and the
// credit/token accounting that gate the decision scheduler.
package flow

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"kairos/internal/endpoint"
	"kairos/internal/messages"
	"kairos/logger"
)

const (
	receiveTimeout = time.Millisecond
	idleSleep      = 10 * time.Millisecond
)

// InhibitConsumer drains TriggerInhibit messages on a background goroutine
// and keeps an atomic flag at the value of the most recent one. The signal
// is level-sensitive: only the latest message matters.
type InhibitConsumer struct {
	inhibited atomic.Bool
	running   atomic.Bool
	done      chan struct{}
	lg        *zap.Logger
}

// NewInhibitConsumer starts the consumer. Call Stop to terminate and join.
func NewInhibitConsumer(source endpoint.Receiver[messages.TriggerInhibit], lg *zap.Logger) *InhibitConsumer {
	c := &InhibitConsumer{done: make(chan struct{}), lg: logger.Component(lg, "inhibit-consumer")}

	// Inhibit state from a previous run means nothing now. The drain finishes
	// before the constructor returns, so messages sent afterwards are kept.
	if n := endpoint.Drain[messages.TriggerInhibit](source, receiveTimeout); n > 0 {
		c.lg.Debug("discarded residual inhibit messages", zap.Int(logger.FieldCount, n))
	}

	c.running.Store(true)
	go c.run(source)
	return c
}

// Inhibited reports the most recently observed busy state.
func (c *InhibitConsumer) Inhibited() bool { return c.inhibited.Load() }

// Stop signals the consumer goroutine and joins it.
func (c *InhibitConsumer) Stop() {
	c.running.Store(false)
	<-c.done
}

func (c *InhibitConsumer) run(source endpoint.Receiver[messages.TriggerInhibit]) {
	defer close(c.done)

	for c.running.Load() {
		m, err := source.Receive(receiveTimeout)
		if err != nil {
			time.Sleep(idleSleep)
			continue
		}
		if c.inhibited.Swap(m.Busy) != m.Busy {
			c.lg.Debug("inhibit state changed", zap.Bool("busy", m.Busy))
		}
	}
}
