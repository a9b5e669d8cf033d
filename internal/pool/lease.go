package pool

import "sync/atomic"

// Lease is exclusive use of one connection for one request. Exactly one of
// Release or Discard takes effect; later calls report false.
type Lease struct {
	pool *Pool
	e    *entry
	done atomic.Bool
}

// Conn is the leased connection. It must not be used after the lease ends.
func (l *Lease) Conn() Conn { return l.e.conn }

// Release returns the connection to the idle set. A connection that is
// already closed is discarded instead.
func (l *Lease) Release() bool {
	if !l.done.CompareAndSwap(false, true) {
		return false
	}
	l.pool.giveBack(l.e, true)
	return true
}

// Discard closes the connection; it never goes back to the idle set.
func (l *Lease) Discard() bool {
	if !l.done.CompareAndSwap(false, true) {
		return false
	}
	l.pool.giveBack(l.e, false)
	return true
}

// Done reports whether the lease has ended.
func (l *Lease) Done() bool { return l.done.Load() }
