package notifier

import (
	"strings"
	"sync"
	"time"

	"tothemoon/internal/logger"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventOpened               EventType = "OPENED"
	EventClosed               EventType = "CLOSED"
	EventRiskRejected         EventType = "RISK_REJECTED"
	EventPhantomDetected      EventType = "PHANTOM_DETECTED"
	EventCloseFailed          EventType = "CLOSE_FAILED"
	EventOrderUnknown         EventType = "ORDER_UNKNOWN"
	EventShutdownPendingClose EventType = "SHUTDOWN_PENDING_CLOSE"
)

// Escalation reports whether the event asks for operator attention.
func (t EventType) Escalation() bool {
	switch t {
	case EventCloseFailed, EventOrderUnknown, EventShutdownPendingClose:
		return true
	}
	return false
}

func ParseEventType(s string) (EventType, bool) {
	t := EventType(strings.ToUpper(strings.TrimSpace(s)))
	switch t {
	case EventOpened, EventClosed, EventRiskRejected, EventPhantomDetected,
		EventCloseFailed, EventOrderUnknown, EventShutdownPendingClose:
		return t, true
	}
	return "", false
}

// Event 是交易核心对外发出的结构化通知。
type Event struct {
	Type       EventType
	PositionID string
	Symbol     string
	Side       string
	Reason     string
	Pnl        decimal.NullDecimal
	Price      decimal.NullDecimal
	Detail     string
	At         time.Time
}

// Sink 接收事件，不得阻塞调用方。
type Sink interface {
	Notify(Event)
}

// TextNotifier defines a minimal text notification interface.
type TextNotifier interface {
	SendText(text string) error
}

type nopSink struct{}

func (nopSink) Notify(Event) {}

// Nop discards every event.
func Nop() Sink { return nopSink{} }

// Recorder keeps events in memory; used by dry runs and tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of type t in arrival order.
func (r *Recorder) OfType(t EventType) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type logText struct{}

func (logText) SendText(text string) error {
	logger.Infof("notify: %s", strings.ReplaceAll(text, "\n", " | "))
	return nil
}

// LogText writes notifications to the process log; used when no chat sender
// is configured.
func LogText() TextNotifier { return logText{} }
