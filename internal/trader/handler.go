package trader

// EventHandler handles one event type inside the actor loop.
type EventHandler interface {
	Type() EventType

	// Handle processes the event. Payloads carrying result fields are filled
	// in place and read by the SendSync caller after the reply.
	Handle(ctx *HandlerContext, payload any) error
}

// HandlerContext gives handlers access to Trader internals.
type HandlerContext struct {
	trader *Trader
}

func NewHandlerContext(t *Trader) *HandlerContext {
	return &HandlerContext{trader: t}
}

func (c *HandlerContext) Trader() *Trader {
	return c.trader
}

// handlerFunc adapts a method on Trader into an EventHandler.
type handlerFunc struct {
	typ EventType
	fn  func(t *Trader, payload any) error
}

func (h handlerFunc) Type() EventType { return h.typ }

func (h handlerFunc) Handle(ctx *HandlerContext, payload any) error {
	return h.fn(ctx.Trader(), payload)
}
