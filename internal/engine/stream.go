package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrChannelClosed is returned by Subscribe after a run's stream has been
// closed.
var ErrChannelClosed = errors.New("progress channel closed")

// ErrNoChannel is returned by Subscribe for a run with no open stream.
var ErrNoChannel = errors.New("no progress channel for run")

const subscriberBuffer = 64

// Subscription is one consumer of a run's progress stream. Events arrive
// on C; the channel is closed when the stream closes.
type Subscription struct {
	C     <-chan Event
	runID string
	id    int
	ch    chan Event
}

type runChannel struct {
	subs       map[int]chan Event
	nextSub    int
	closed     bool
	dropped    int
	closeTimer *time.Timer
}

// Broker fans progress events out to per-run subscriber channels. Sends
// to slow subscribers never block: the event is dropped and counted
// instead. After a run's complete event the channel stays open for a
// grace period so late readers can drain, then closes itself.
type Broker struct {
	mu         sync.Mutex
	runs       map[string]*runChannel
	closeDelay time.Duration
}

// NewBroker creates a broker whose channels self-close closeDelay after
// the run's complete event.
func NewBroker(closeDelay time.Duration) *Broker {
	return &Broker{
		runs:       make(map[string]*runChannel),
		closeDelay: closeDelay,
	}
}

// OpenChannel creates the stream for a run. Opening an existing stream is
// a no-op.
func (b *Broker) OpenChannel(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.runs[runID]; !ok {
		b.runs[runID] = &runChannel{subs: make(map[int]chan Event)}
	}
}

// Subscribe attaches a consumer to the run's stream.
func (b *Broker) Subscribe(runID string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rc, ok := b.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoChannel, runID)
	}
	if rc.closed {
		return nil, fmt.Errorf("%w: %s", ErrChannelClosed, runID)
	}

	ch := make(chan Event, subscriberBuffer)
	id := rc.nextSub
	rc.nextSub++
	rc.subs[id] = ch
	return &Subscription{C: ch, runID: runID, id: id, ch: ch}, nil
}

// Unsubscribe detaches a consumer. Safe to call after the stream closed.
func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	rc, ok := b.runs[sub.runID]
	if !ok || rc.closed {
		return
	}
	if ch, ok := rc.subs[sub.id]; ok {
		delete(rc.subs, sub.id)
		close(ch)
	}
}

// Publish delivers ev to every subscriber of its run. Full subscriber
// buffers drop the event rather than blocking the pipeline. Publishing a
// complete event arms the grace-period close.
func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rc, ok := b.runs[ev.RunID]
	if !ok || rc.closed {
		return
	}

	for _, ch := range rc.subs {
		select {
		case ch <- ev:
		default:
			rc.dropped++
			if rc.dropped%10 == 1 {
				debugLog("run %s: dropped %d progress events (slow subscriber)", ev.RunID, rc.dropped)
			}
		}
	}

	if ev.Type == EventComplete && rc.closeTimer == nil {
		runID := ev.RunID
		rc.closeTimer = time.AfterFunc(b.closeDelay, func() {
			b.Close(runID)
		})
	}
}

// Close shuts the run's stream immediately, closing every subscriber
// channel.
func (b *Broker) Close(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rc, ok := b.runs[runID]
	if !ok || rc.closed {
		return
	}
	rc.closed = true
	if rc.closeTimer != nil {
		rc.closeTimer.Stop()
	}
	for id, ch := range rc.subs {
		delete(rc.subs, id)
		close(ch)
	}
}

// Dropped reports how many events the run's stream has discarded.
func (b *Broker) Dropped(runID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if rc, ok := b.runs[runID]; ok {
		return rc.dropped
	}
	return 0
}
