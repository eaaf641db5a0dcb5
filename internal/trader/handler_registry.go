package trader

import (
	"fmt"

	"tothemoon/internal/logger"
)

// HandlerRegistry manages event handlers and dispatches events to them.
type HandlerRegistry struct {
	handlers map[EventType]EventHandler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[EventType]EventHandler),
	}
}

// Register adds a handler, replacing any existing one for the same type.
func (r *HandlerRegistry) Register(h EventHandler) {
	if h == nil {
		return
	}
	r.handlers[h.Type()] = h
}

func (r *HandlerRegistry) Get(t EventType) (EventHandler, bool) {
	h, ok := r.handlers[t]
	return h, ok
}

// typed wraps a handler method that expects payload type P.
func typed[P any](typ EventType, fn func(t *Trader, p P) error) EventHandler {
	return handlerFunc{typ: typ, fn: func(t *Trader, payload any) error {
		p, ok := payload.(P)
		if !ok {
			return fmt.Errorf("event %s: unexpected payload %T", typ, payload)
		}
		return fn(t, p)
	}}
}

// RegisterDefaultHandlers registers all built-in event handlers.
func (r *HandlerRegistry) RegisterDefaultHandlers() {
	r.Register(typed(EvtAdmit, (*Trader).handleAdmit))
	r.Register(typed(EvtCommitOpen, (*Trader).handleCommitOpen))
	r.Register(typed(EvtReleaseEntry, (*Trader).handleReleaseEntry))
	r.Register(typed(EvtEntryUnknown, (*Trader).handleEntryUnknown))
	r.Register(typed(EvtPriceTick, (*Trader).handleTick))
	r.Register(typed(EvtManualClose, (*Trader).handleManualClose))
	r.Register(typed(EvtCloseResult, (*Trader).handleCloseResult))
	r.Register(typed(EvtReconcile, (*Trader).handleReconcile))
	r.Register(typed(EvtUnknownList, (*Trader).handleUnknownList))
	r.Register(typed(EvtRestore, (*Trader).handleRestore))
	r.Register(typed(EvtRedispatch, (*Trader).handleRedispatch))
	r.Register(typed(EvtShutdownSweep, (*Trader).handleShutdownSweep))
	r.Register(handlerFunc{typ: EvtBarrier, fn: func(*Trader, any) error { return nil }})
	logger.Debugf("Trader: registered %d event handlers", len(r.handlers))
}
