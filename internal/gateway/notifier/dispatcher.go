package notifier

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"tothemoon/internal/logger"
)

const defaultBuffer = 64

// Dispatcher 异步投递事件：队列满时丢弃并告警，发送失败只记日志。
type Dispatcher struct {
	sender  TextNotifier
	queue   chan Event
	allowed map[EventType]bool
	log     *logger.Component

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
	onSent  func(Event, error)
}

// NewDispatcher builds a dispatcher. An empty filter lets every event through.
func NewDispatcher(sender TextNotifier, buffer int, filter []EventType) *Dispatcher {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	var allowed map[EventType]bool
	if len(filter) > 0 {
		allowed = make(map[EventType]bool, len(filter))
		for _, t := range filter {
			allowed[t] = true
		}
	}
	return &Dispatcher{
		sender:  sender,
		queue:   make(chan Event, buffer),
		allowed: allowed,
		log:     logger.With("notifier"),
		done:    make(chan struct{}),
	}
}

// OnSent registers a hook observed after each delivery attempt.
func (d *Dispatcher) OnSent(fn func(Event, error)) { d.onSent = fn }

func (d *Dispatcher) Notify(ev Event) {
	if d == nil {
		return
	}
	// 升级类事件不受过滤器影响
	if d.allowed != nil && !d.allowed[ev.Type] && !ev.Type.Escalation() {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- ev:
	default:
		d.dropped.Add(1)
		d.log.Warnf("notification queue full, dropping %s %s %s", ev.Type, ev.Symbol, ev.PositionID)
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Run delivers queued events until ctx is cancelled or Close drains the queue.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.once.Do(func() { close(d.done) })
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-d.queue:
			if !ok {
				return nil
			}
			d.deliver(ev)
		}
	}
}

func (d *Dispatcher) deliver(ev Event) {
	if d.sender == nil {
		return
	}
	err := d.sender.SendText(MessageFor(ev).RenderMarkdown())
	if err != nil {
		d.log.Warnf("send %s notification failed: %v", ev.Type, err)
	}
	if d.onSent != nil {
		d.onSent(ev, err)
	}
}

// Close stops accepting events and waits up to timeout for the queue to drain.
func (d *Dispatcher) Close(timeout time.Duration) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	select {
	case <-d.done:
	case <-time.After(timeout):
		d.log.Warnf("notification queue not drained within %s", timeout)
	}
}
