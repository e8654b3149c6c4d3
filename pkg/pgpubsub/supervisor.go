package pgpubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is one of the connection supervisor's lifecycle states.
type State int

const (
	Disconnected State = iota
	Connecting
	Ready
	Retrying
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Retrying:
		return "retrying"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// supervisorCmd is a single operation queued for execution by the receive
// loop — the sole goroutine permitted to touch the live Conn, so that
// LISTEN/UNLISTEN/NOTIFY/DML/introspection queries never race
// WaitForNotification on the same connection. run carries the operation
// itself (Exec or QueryRow, closed over its sql/args/dest) rather than a
// fixed shape, so both share one queue and one round-trip mechanism.
type supervisorCmd struct {
	run    func(conn Conn) error
	result chan supervisorCmdResult
}

type supervisorCmdResult struct {
	err error
}

// Supervisor owns the single dedicated connection used for LISTEN/NOTIFY
// traffic, reconnecting with bounded retries and re-subscribing every
// tracked channel on reconnect. It is the generalized, state-machine form
// of the teacher's NotifyListener receive loop, carrying the same cmdCh
// serialization discipline.
type Supervisor struct {
	dialer Dialer
	opts   Options

	events *Emitter // connect, reconnect, end, close, error

	mu         sync.Mutex
	state      State
	conn       Conn
	channels   map[string]bool // tracked LISTEN channels, for re-subscribe
	retries    int
	cancelLoop context.CancelFunc
	loopDone   chan struct{}

	cmdCh chan supervisorCmd

	notifyMu       sync.Mutex
	notifyHandlers map[string]func(Notification)
	broadcast      []func(Notification)
}

// NewSupervisor creates a Supervisor that dials connections via dialer.
func NewSupervisor(dialer Dialer, opts Options) *Supervisor {
	return &Supervisor{
		dialer:         dialer,
		opts:           opts,
		events:         NewEmitter(),
		state:          Disconnected,
		channels:       make(map[string]bool),
		cmdCh:          make(chan supervisorCmd, 32),
		notifyHandlers: make(map[string]func(Notification)),
	}
}

// Events exposes the supervisor's lifecycle emitter (connect, reconnect,
// end, close, error).
func (s *Supervisor) Events() *Emitter { return s.events }

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnNotification installs the single handler invoked whenever a
// notification arrives on channel. Used by ChannelLock to learn about
// releases on its own internal channel.
func (s *Supervisor) OnNotification(channel string, handler func(Notification)) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.notifyHandlers[channel] = handler
}

// RemoveNotificationHandler detaches a previously installed handler.
func (s *Supervisor) RemoveNotificationHandler(channel string) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	delete(s.notifyHandlers, channel)
}

// OnEveryNotification installs a handler invoked for every inbound
// notification regardless of channel, used by the PubSub facade's demux.
func (s *Supervisor) OnEveryNotification(handler func(Notification)) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.broadcast = append(s.broadcast, handler)
}

// Connect dials the connection and blocks until Ready or a terminal
// failure. It is idempotent: calling Connect while already Ready is a
// no-op, matching the requirement that re-connect after close-with-locks
// be safe to repeat.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Ready {
		s.mu.Unlock()
		return nil
	}
	if s.state == Closed {
		s.state = Disconnected
	}
	s.state = Connecting
	s.mu.Unlock()

	conn, err := s.dialer(ctx)
	if err != nil {
		s.mu.Lock()
		s.state = Retrying
		s.mu.Unlock()
		return s.retryLoop(ctx)
	}

	s.becomeReady(conn)

	loopCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancelLoop = cancel
	s.loopDone = make(chan struct{})
	loopDone := s.loopDone
	s.mu.Unlock()

	go func() {
		defer close(loopDone)
		s.receiveLoop(loopCtx)
	}()

	return nil
}

func (s *Supervisor) becomeReady(conn Conn) {
	s.mu.Lock()
	s.conn = conn
	s.state = Ready
	s.retries = 0
	s.mu.Unlock()
	s.events.Emit("connect")
}

// retryLoop implements the Retrying state: wait RetryDelay, attempt
// reconnect, bump the counter, and either succeed (re-listen every tracked
// channel, emit reconnect, reset the counter) or exhaust RetryLimit (emit a
// terminal error and close).
func (s *Supervisor) retryLoop(ctx context.Context) error {
	for {
		s.mu.Lock()
		retries := s.retries
		limit := s.opts.RetryLimit
		s.mu.Unlock()

		if limit > 0 && retries >= limit {
			err := fmt.Errorf("pgpubsub: connect failed after %d retries", limit)
			s.events.Emit("error", err)
			_ = s.Close(ctx)
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.opts.RetryDelay):
		}

		s.mu.Lock()
		s.retries++
		s.state = Connecting
		s.mu.Unlock()

		conn, err := s.dialer(ctx)
		if err != nil {
			s.mu.Lock()
			s.state = Retrying
			s.mu.Unlock()
			continue
		}

		// becomeReady zeroes the counter, so read it first for "reconnect".
		s.mu.Lock()
		n := s.retries
		s.mu.Unlock()

		s.becomeReady(conn)

		loopCtx, cancel := context.WithCancel(context.Background())
		s.mu.Lock()
		s.cancelLoop = cancel
		s.loopDone = make(chan struct{})
		loopDone := s.loopDone
		s.mu.Unlock()

		go func() {
			defer close(loopDone)
			s.receiveLoop(loopCtx)
		}()

		// The receive loop is now draining cmdCh, so re-LISTEN can safely
		// go through Exec instead of touching conn directly.
		if err := s.relistenAll(ctx); err != nil {
			s.events.Emit("error", err)
		}

		s.mu.Lock()
		s.retries = 0
		s.mu.Unlock()

		s.events.Emit("reconnect", n)
		return nil
	}
}

func (s *Supervisor) relistenAll(ctx context.Context) error {
	s.mu.Lock()
	names := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		names = append(names, ch)
	}
	s.mu.Unlock()

	for _, ch := range names {
		if err := s.listenNow(ctx, ch); err != nil {
			return err
		}
	}
	return nil
}

// Listen registers channel in the tracked set and issues LISTEN.
func (s *Supervisor) Listen(ctx context.Context, channel string) error {
	s.mu.Lock()
	s.channels[channel] = true
	s.mu.Unlock()
	return s.listenNow(ctx, channel)
}

func (s *Supervisor) listenNow(ctx context.Context, channel string) error {
	return s.Exec(ctx, "LISTEN "+quoteIdentifier(channel))
}

// Unlisten issues UNLISTEN and removes channel from the tracked set.
func (s *Supervisor) Unlisten(ctx context.Context, channel string) error {
	if err := s.Exec(ctx, "UNLISTEN "+quoteIdentifier(channel)); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.channels, channel)
	s.mu.Unlock()
	return nil
}

// UnlistenAll issues UNLISTEN * and clears the tracked set.
func (s *Supervisor) UnlistenAll(ctx context.Context) error {
	if err := s.Exec(ctx, "UNLISTEN *"); err != nil {
		return err
	}
	s.mu.Lock()
	s.channels = make(map[string]bool)
	s.mu.Unlock()
	return nil
}

// Exec runs sql through the receive loop's command queue.
func (s *Supervisor) Exec(ctx context.Context, sql string, args ...any) error {
	return s.enqueue(ctx, func(conn Conn) error {
		return conn.Exec(ctx, sql, args...)
	})
}

// QueryRow runs sql through the receive loop's command queue and scans the
// single resulting row into dest. Routed through the same queue as Exec,
// rather than called directly from the caller's goroutine, because the
// receive loop's WaitForNotification is concurrently reading the same
// connection; two goroutines touching one *pgx.Conn corrupts the wire
// protocol regardless of which operation either one is performing.
func (s *Supervisor) QueryRow(ctx context.Context, sql string, args []any, dest ...any) error {
	return s.enqueue(ctx, func(conn Conn) error {
		return conn.QueryRow(ctx, sql, args, dest...)
	})
}

// enqueue hands run to the receive loop via cmdCh and blocks for its result,
// bounded by ctx in both directions (queueing and awaiting the result). It
// fails fast with ErrNotConnected before the first Connect and with
// ErrClosed after Close, when no receive loop is running to drain cmdCh.
func (s *Supervisor) enqueue(ctx context.Context, run func(conn Conn) error) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	switch state {
	case Disconnected:
		return ErrNotConnected
	case Closed:
		return ErrClosed
	}

	cmd := supervisorCmd{run: run, result: make(chan supervisorCmdResult, 1)}
	select {
	case s.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case res := <-cmd.result:
		return res.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) PID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return 0
	}
	return s.conn.PID()
}

func (s *Supervisor) ApplicationName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ""
	}
	return s.conn.ApplicationName()
}

// receiveLoop is the sole goroutine that touches the live Conn: it drains
// queued commands, then polls for notifications with a short timeout so it
// periodically returns to drain the queue again.
func (s *Supervisor) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.drainCmds(ctx)

		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		n, err := conn.WaitForNotification(waitCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue // our own poll timeout, not a real disconnect
			}
			s.handleConnLoss(ctx, err)
			return
		}

		s.dispatch(*n)
	}
}

func (s *Supervisor) drainCmds(ctx context.Context) {
	for {
		select {
		case cmd := <-s.cmdCh:
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()
			if conn == nil {
				cmd.result <- supervisorCmdResult{err: ErrNotConnected}
				continue
			}
			cmd.result <- supervisorCmdResult{err: cmd.run(conn)}
		default:
			return
		}
	}
}

func (s *Supervisor) dispatch(n Notification) {
	s.notifyMu.Lock()
	handler := s.notifyHandlers[n.Channel]
	broadcast := make([]func(Notification), len(s.broadcast))
	copy(broadcast, s.broadcast)
	s.notifyMu.Unlock()

	if handler != nil {
		handler(n)
	}
	for _, h := range broadcast {
		h(n)
	}
}

func (s *Supervisor) handleConnLoss(ctx context.Context, err error) {
	s.events.Emit("end", err)

	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close(ctx)
		s.conn = nil
	}
	s.state = Retrying
	// This goroutine is the receive loop that loopDone tracks; clear it so
	// a Close issued from retryLoop (on retry exhaustion) does not wait on
	// itself.
	s.loopDone = nil
	s.mu.Unlock()

	_ = s.retryLoop(ctx)
}

// Close transitions to Closed: the retry loop and receive loop are
// cancelled and the connection is ended. It never releases locks — that is
// the shutdown coordinator's and PubSub.destroy's job.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return nil
	}
	s.state = Closed
	cancel := s.cancelLoop
	done := s.loopDone
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	var err error
	if conn != nil {
		err = conn.Close(ctx)
	}
	s.events.Emit("close")
	return err
}
