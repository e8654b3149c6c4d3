package pgpubsub

import "sync"

// emitterHandler is one registered callback, optionally one-shot.
type emitterHandler struct {
	fn   func(args ...any)
	once bool
}

// Emitter is a synchronous, channel-keyed publish/subscribe hub. Handlers
// for a channel fire in registration order during Emit; there is no
// ordering guarantee across channels. It is the generalized form of the
// per-channel dispatch the teacher's ConnectionManager does for WebSocket
// broadcast (pkg/events/manager.go), minus the WebSocket transport.
type Emitter struct {
	mu       sync.Mutex
	handlers map[string][]*emitterHandler
}

// NewEmitter creates an empty Emitter.
func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[string][]*emitterHandler)}
}

// On registers fn to be called every time channel is emitted on.
func (e *Emitter) On(channel string, fn func(args ...any)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[channel] = append(e.handlers[channel], &emitterHandler{fn: fn})
}

// Once registers fn to be called at most once, then automatically removed.
func (e *Emitter) Once(channel string, fn func(args ...any)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[channel] = append(e.handlers[channel], &emitterHandler{fn: fn, once: true})
}

// Off removes all handlers for channel. With no channel names, it clears
// every registered channel.
func (e *Emitter) Off(channels ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(channels) == 0 {
		e.handlers = make(map[string][]*emitterHandler)
		return
	}
	for _, ch := range channels {
		delete(e.handlers, ch)
	}
}

// Emit synchronously invokes every handler registered for channel, in
// registration order, passing args through. One-shot handlers are removed
// after firing.
func (e *Emitter) Emit(channel string, args ...any) {
	e.mu.Lock()
	hs := e.handlers[channel]
	if len(hs) == 0 {
		e.mu.Unlock()
		return
	}
	snapshot := make([]*emitterHandler, len(hs))
	copy(snapshot, hs)

	var remaining []*emitterHandler
	for _, h := range hs {
		if !h.once {
			remaining = append(remaining, h)
		}
	}
	if len(remaining) == 0 {
		delete(e.handlers, channel)
	} else {
		e.handlers[channel] = remaining
	}
	e.mu.Unlock()

	for _, h := range snapshot {
		h.fn(args...)
	}
}

// Channels returns the names of channels with at least one handler.
func (e *Emitter) Channels() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.handlers))
	for ch := range e.handlers {
		names = append(names, ch)
	}
	return names
}
