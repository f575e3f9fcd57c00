// Package bridge delivers job events to one subscriber over a pluggable transport.
package bridge

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/salas/internal/models"
)

// ErrTransportGone wraps sink failures; the subscriber is treated as disconnected.
var ErrTransportGone = errors.New("transport gone")

// DefaultWriteWait bounds a single write to the subscriber
const DefaultWriteWait = 10 * time.Second

// Sink writes events to a transport. Sinks know nothing about jobs. Writes
// never overlap, but Close may be called while a write is blocked and
// should make it return.
type Sink interface {
	WriteEvent(ev models.Event) error
	Close() error
}

// Pinger is implemented by sinks that can send keepalives
type Pinger interface {
	Ping() error
}

// Aborter is implemented by sinks whose Close does not unblock a stuck
// write on its own
type Aborter interface {
	Abort() error
}

// Bridge owns the outbound channel of a job. Sends after Close are silent
// no-ops, a failed or stalled write closes the bridge, and Close is
// idempotent. Once Close returns no further event reaches the sink.
type Bridge struct {
	sink      Sink
	logger    arbor.ILogger
	writeWait time.Duration

	slot   chan struct{} // held while writing to the sink
	done   chan struct{} // closed with the bridge
	closed atomic.Bool
	sent   atomic.Int64
}

// New creates an open Bridge over sink
func New(sink Sink, logger arbor.ILogger) *Bridge {
	return &Bridge{
		sink:      sink,
		logger:    logger,
		writeWait: DefaultWriteWait,
		slot:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// WithWriteWait sets how long one write may block before the subscriber is
// considered gone. Call it before the first Send.
func (b *Bridge) WithWriteWait(d time.Duration) *Bridge {
	if d > 0 {
		b.writeWait = d
	}
	return b
}

// Send delivers ev. It reports whether the event was written.
func (b *Bridge) Send(ev models.Event) bool {
	if !b.write(func() error { return b.sink.WriteEvent(ev) }) {
		return false
	}
	b.sent.Add(1)
	return true
}

// Ping sends a keepalive if the sink supports one
func (b *Bridge) Ping() bool {
	pinger, ok := b.sink.(Pinger)
	if !ok {
		return false
	}
	return b.write(pinger.Ping)
}

// Close closes the bridge and its sink, waiting up to the write wait for a
// write in progress. Only the first call has an effect.
func (b *Bridge) Close() {
	if !b.shut() {
		return
	}

	timer := time.NewTimer(b.writeWait)
	defer timer.Stop()

	select {
	case b.slot <- struct{}{}:
		// never released: nothing writes after close
		b.closeSink()
	case <-timer.C:
		b.logger.Warn().Dur("write_wait", b.writeWait).Msg("Subscriber write still blocked, aborting it")
		b.abortSink()
	}
}

// Closed reports whether the bridge no longer delivers events
func (b *Bridge) Closed() bool {
	return b.closed.Load()
}

// Sent returns the number of events written to the sink
func (b *Bridge) Sent() int {
	return int(b.sent.Load())
}

// write runs fn holding the write slot. A write outlasting the write wait
// closes the bridge and aborts the sink under it.
func (b *Bridge) write(fn func() error) bool {
	select {
	case b.slot <- struct{}{}:
	case <-b.done:
		return false
	}
	defer func() { <-b.slot }()

	if b.closed.Load() {
		return false
	}

	watchdog := time.AfterFunc(b.writeWait, b.stalled)
	defer watchdog.Stop()

	if err := fn(); err != nil {
		b.gone(err)
		return false
	}
	return true
}

// gone handles a failed write; the caller holds the slot
func (b *Bridge) gone(err error) {
	if !b.shut() {
		return
	}
	b.logger.Debug().
		Err(fmt.Errorf("%w: %v", ErrTransportGone, err)).
		Int("sent", b.Sent()).
		Msg("Subscriber unreachable, closing bridge")
	b.closeSink()
}

func (b *Bridge) stalled() {
	if !b.shut() {
		return
	}
	b.logger.Warn().
		Dur("write_wait", b.writeWait).
		Int("sent", b.Sent()).
		Msg("Subscriber stopped reading, closing bridge")
	b.abortSink()
}

// shut marks the bridge closed; only the first caller gets true
func (b *Bridge) shut() bool {
	if !b.closed.CompareAndSwap(false, true) {
		return false
	}
	close(b.done)
	return true
}

func (b *Bridge) abortSink() {
	if aborter, ok := b.sink.(Aborter); ok {
		if err := aborter.Abort(); err != nil {
			b.logger.Debug().Err(err).Msg("Sink abort failed")
		}
	}
	b.closeSink()
}

func (b *Bridge) closeSink() {
	if err := b.sink.Close(); err != nil {
		b.logger.Debug().Err(err).Msg("Sink close failed")
	}
}
