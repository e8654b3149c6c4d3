package pgpubsub

import (
	"context"
	"fmt"
	"sync"
)

// PubSub is the public entry point: connect/close/listen/unlisten/notify/
// destroy, plus the notification demultiplexer that decides whether an
// inbound notification reaches user handlers.
type PubSub struct {
	opts  Options
	sup   *Supervisor
	sv    execer // narrow view of sup, handed to every ChannelLock
	codec *Codec
	emit  *Emitter // per-channel user payload events

	mu       sync.Mutex
	registry map[string]Lock // user channel -> lock
	closed   bool
}

// New constructs a PubSub. opts.ConnString or opts.Conn must be set; if
// opts.Conn is set it is reused directly instead of dialing.
func New(opts Options) *PubSub {
	opts = withDefaults(opts)

	var dialer Dialer
	if opts.Conn != nil {
		conn := opts.Conn
		used := false
		dialer = func(ctx context.Context) (Conn, error) {
			if used {
				return nil, fmt.Errorf("pgpubsub: injected Conn can only be dialed once")
			}
			used = true
			return conn, nil
		}
	} else {
		dialer = NewPgxDialer(opts.ConnString)
	}

	sup := NewSupervisor(dialer, opts)
	p := &PubSub{
		opts:     opts,
		sup:      sup,
		sv:       sup,
		codec:    NewCodec(opts.Logger),
		emit:     NewEmitter(),
		registry: make(map[string]Lock),
	}
	sup.OnEveryNotification(p.demux)
	return p
}

// Events exposes connect/reconnect/end/close/error.
func (p *PubSub) Events() *Emitter { return p.sup.Events() }

// State reports the underlying connection supervisor's current state.
func (p *PubSub) State() State { return p.sup.State() }

// Connect establishes the underlying connection.
func (p *PubSub) Connect(ctx context.Context) error {
	return p.sup.Connect(ctx)
}

// Close transitions the connection to closed without releasing any held
// locks — use Destroy for that.
func (p *PubSub) Close(ctx context.Context) error {
	return p.sup.Close(ctx)
}

func (p *PubSub) newLock(channel string) Lock {
	if !p.opts.singleListener() {
		return newNoOpLock(channel)
	}
	return NewChannelLock(channel, p.sv, p.opts.SchemaName, p.opts.AcquireInterval, p.opts.Logger)
}

// Listen obtains or creates the lock for channel, attempts to acquire it,
// and only on success issues LISTEN and emits a "listen" event. In
// multi-listener mode the lock always reports acquired, so contention never
// prevents LISTEN. Repeated calls for the same channel are idempotent: the
// existing lock is reused, and while the channel is already LISTENed,
// LISTEN and "listen" are only repeated when this call's acquire() turned a
// not-acquired lock into an acquired one.
func (p *PubSub) Listen(ctx context.Context, channel string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	lock, exists := p.registry[channel]
	if !exists {
		lock = p.newLock(channel)
		p.registry[channel] = lock
	}
	p.mu.Unlock()

	if !exists {
		if err := lock.init(ctx); err != nil {
			p.mu.Lock()
			delete(p.registry, channel)
			p.mu.Unlock()
			return err
		}
		if err := lock.onRelease(p.onLockReleased(channel, lock)); err != nil {
			p.opts.Logger.Warn("pgpubsub: failed to install release handler", "channel", channel, "error", err)
		}
	}

	wasAcquired := lock.isAcquired()
	acquired := lock.acquire(ctx)
	if !acquired && !p.opts.ExecutionLock {
		// Contended: the specification leaves this open and chooses to
		// silently skip rather than fail the call. The lock stays
		// registered so both the periodic re-acquire timer and the
		// release notification installed above can still win it later.
		return nil
	}
	// In execution-lock mode every instance stays a listener regardless of
	// who holds the lock — only side-effectful execution is gated, and
	// that's the application's call, not the demux's.

	p.sup.mu.Lock()
	listening := p.sup.channels[channel]
	p.sup.mu.Unlock()
	if listening && (wasAcquired || !acquired) {
		// Already LISTENed and no new acquisition happened in this call.
		return nil
	}

	if err := p.sup.Listen(ctx, channel); err != nil {
		return err
	}
	p.sup.Events().Emit("listen", channel)
	return nil
}

// onLockReleased builds the handler installed on a freshly created lock via
// onRelease: on the internal channel's release notification it immediately
// retries acquire(), and on success re-issues LISTEN and emits "listen" —
// the fast-failover path the release notification exists for, rather than
// waiting on the lock's own silent-loss timer. The handler is called on the
// supervisor's receive-loop goroutine, which is also the goroutine that
// executes queued commands, so the work runs on its own goroutine with a
// background context.
func (p *PubSub) onLockReleased(channel string, lock Lock) func(string) {
	return func(string) {
		go func() {
			ctx := context.Background()
			if !lock.acquire(ctx) {
				return
			}
			if err := p.sup.Listen(ctx, channel); err != nil {
				p.opts.Logger.Error("pgpubsub: re-listen after winning released lock failed", "channel", channel, "error", err)
				return
			}
			p.sup.Events().Emit("listen", channel)
		}()
	}
}

// Unlisten issues UNLISTEN, destroys and removes channel's registry entry
// if one exists, and emits "unlisten" with a single-element slice.
func (p *PubSub) Unlisten(ctx context.Context, channel string) error {
	if err := p.sup.Unlisten(ctx, channel); err != nil {
		return err
	}

	p.mu.Lock()
	lock, exists := p.registry[channel]
	delete(p.registry, channel)
	p.mu.Unlock()

	if exists {
		if err := lock.destroy(ctx); err != nil {
			return err
		}
	}

	p.sup.Events().Emit("unlisten", []string{channel})
	return nil
}

// UnlistenAll issues UNLISTEN *, destroys and clears every registry entry,
// and emits a single aggregate "unlisten" event carrying the channel names
// that were registered at call time (the registry is already empty by the
// time any handler observes the event).
func (p *PubSub) UnlistenAll(ctx context.Context) error {
	if err := p.sup.UnlistenAll(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	locks := p.registry
	p.registry = make(map[string]Lock)
	p.mu.Unlock()

	names := make([]string, 0, len(locks))
	var firstErr error
	for ch, lock := range locks {
		names = append(names, ch)
		if err := lock.destroy(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	p.sup.Events().Emit("unlisten", names)
	return firstErr
}

// Notify packs payload with the codec and issues NOTIFY, escaping both the
// channel identifier and the JSON literal, then emits a "notify" event.
func (p *PubSub) Notify(ctx context.Context, channel string, payload any) error {
	packed := p.codec.Pack(payload, false)
	sql := "NOTIFY " + quoteIdentifier(channel) + ", " + quoteLiteral(packed)
	if err := p.sup.Exec(ctx, sql); err != nil {
		return err
	}
	p.sup.Events().Emit("notify", channel, payload)
	return nil
}

// On registers fn for per-channel payload events delivered through the
// demux (distinct from Events(), which carries lifecycle events).
func (p *PubSub) On(channel string, fn func(args ...any)) {
	p.emit.On(channel, fn)
}

// ActiveChannels returns every registered channel whose lock currently
// reports itself acquired.
func (p *PubSub) ActiveChannels() []string {
	return p.channelsWhere(func(l Lock) bool { return l.isAcquired() })
}

// InactiveChannels returns every registered channel whose lock is not
// currently acquired.
func (p *PubSub) InactiveChannels() []string {
	return p.channelsWhere(func(l Lock) bool { return !l.isAcquired() })
}

// AllChannels returns every registered channel name.
func (p *PubSub) AllChannels() []string {
	return p.channelsWhere(func(Lock) bool { return true })
}

// IsActive reports whether channel is registered and its lock is acquired.
// With no channel given, it reports whether at least one registered
// channel is active.
func (p *PubSub) IsActive(channel ...string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(channel) == 0 {
		for _, l := range p.registry {
			if l.isAcquired() {
				return true
			}
		}
		return false
	}
	l, ok := p.registry[channel[0]]
	return ok && l.isAcquired()
}

func (p *PubSub) channelsWhere(pred func(Lock) bool) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.registry))
	for ch, l := range p.registry {
		if pred(l) {
			out = append(out, ch)
		}
	}
	return out
}

// Destroy destroys every live lock while the connection is still up (so
// their UNLISTEN and row DELETE can run), then closes the connection and
// detaches all user-level handlers. Idempotent.
func (p *PubSub) Destroy(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	locks := p.registry
	p.registry = make(map[string]Lock)
	p.mu.Unlock()

	var firstErr error
	for _, l := range locks {
		if err := l.destroy(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	closeErr := p.sup.Close(ctx)

	p.emit.Off()

	if firstErr != nil {
		return firstErr
	}
	return closeErr
}

// demux implements the specification's notification routing rules: ignore
// internal lock-namespace notifications (consumed by the lock's own
// handler), optionally filter self-emitted notifications by pid, and in
// single-listener mode drop notifications for channels this instance is
// not the live listener for. A surviving notification is decoded and
// emitted first as the aggregate "message" event, then through the
// per-channel emitter.
func (p *PubSub) demux(n Notification) {
	if isInternalChannel(n.Channel) {
		return
	}

	if p.opts.Filtered && n.PID == p.sup.PID() {
		return
	}

	if p.opts.singleListener() && !p.opts.ExecutionLock {
		p.mu.Lock()
		lock, ok := p.registry[n.Channel]
		p.mu.Unlock()
		if !ok || !lock.isAcquired() {
			return
		}
	}

	payload := p.codec.Unpack(n.Payload)
	p.sup.Events().Emit("message", n.Channel, payload)
	p.emit.Emit(n.Channel, payload)
}
