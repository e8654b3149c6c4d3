package pgpubsub

import (
	"context"
	"sync"
)

// Lock is the capability set a channel lock exposes, satisfied by both
// ChannelLock and the interchangeable noOpLock used in multi-listener mode.
type Lock interface {
	init(ctx context.Context) error
	acquire(ctx context.Context) bool
	release(ctx context.Context) error
	isAcquired() bool
	onRelease(handler func(channel string)) error
	destroy(ctx context.Context) error
	channel() string
}

// roster is the process-wide collection of live channel locks, used by the
// shutdown coordinator to release every held lock on termination. It is
// safe for concurrent use and safe against re-registration: registering an
// already-registered lock is a no-op rather than a duplicate entry.
type roster struct {
	mu    sync.Mutex
	locks map[Lock]struct{}
}

var globalRoster = newRoster()

func newRoster() *roster {
	return &roster{locks: make(map[Lock]struct{})}
}

func (r *roster) register(l Lock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locks[l] = struct{}{}
}

func (r *roster) unregister(l Lock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.locks, l)
}

// snapshot returns the currently registered locks. Taken under the lock's
// mutex so a concurrent destroy() mid-iteration by the caller is safe: the
// caller iterates its own copy, and unregister calls from those destroy()s
// land on the live map independently.
func (r *roster) snapshot() []Lock {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Lock, 0, len(r.locks))
	for l := range r.locks {
		out = append(out, l)
	}
	return out
}
