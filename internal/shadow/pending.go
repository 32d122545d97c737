package shadow

import (
	"context"
	"time"
)

// Result is the value a correlated uplink carries back to a waiting
// caller: a scalar for the SET family, GET_PROG, REFRESH, DEVICE_TIME and
// OUTSIDE_TEMP, a string for SWVERSION.
type Result struct {
	Value   uint32
	Version string
}

type pendingRequest struct {
	ch chan Result
}

// Waiter parks the caller of a blocking send until the correlated uplink
// arrives or the timeout expires.
type Waiter struct {
	store    *Store
	deviceID uint32
	cseq     uint8
	timeout  time.Duration
	ch       <-chan Result
}

// CSeq returns the sequence number the waiter is parked on.
func (w *Waiter) CSeq() uint8 { return w.cseq }

// Cancel prunes the pending entry without waiting, used when the transmit
// that registered it failed.
func (w *Waiter) Cancel() { w.store.removePending(w.deviceID, w.cseq) }

// Wait blocks until the dispatcher signals the correlated uplink, the
// timeout expires or ctx is cancelled. The pending entry is pruned on every
// exit path; nil means no reply arrived in time.
func (w *Waiter) Wait(ctx context.Context) *Result {
	defer w.store.removePending(w.deviceID, w.cseq)
	select {
	case res := <-w.ch:
		return &res
	case <-w.store.clock.After(w.timeout):
		return nil
	case <-ctx.Done():
		return nil
	}
}

// NextCSeq allocates the control-plane sequence number for the next
// downlink to deviceID: the device counter advances modulo MaxCSeq+1 and
// the previous value is what goes on the wire. Any stale pending entry
// under the returned sequence is evicted, so at most one request is in
// flight per slot. When wait > 0 a pending entry is registered and a
// Waiter for it is returned.
func (s *Store) NextCSeq(deviceID uint32, wait time.Duration) (uint8, *Waiter) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.deviceLocked(deviceID)
	cseq := d.cseq
	if d.cseq == MaxCSeq {
		d.cseq = 0
	} else {
		d.cseq++
	}

	delete(d.pending, cseq)
	if wait <= 0 {
		return cseq, nil
	}

	req := &pendingRequest{ch: make(chan Result, 1)}
	d.pending[cseq] = req
	return cseq, &Waiter{store: s, deviceID: deviceID, cseq: cseq, timeout: wait, ch: req.ch}
}

// LastCSeq returns the sequence number the next correlated response should
// carry: the value most recently placed on the wire for deviceID.
func (s *Store) LastCSeq(deviceID uint32) uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	cseq := s.deviceLocked(deviceID).cseq
	if cseq == 0 {
		return MaxCSeq
	}
	return cseq - 1
}

// Signal delivers a correlated result to the waiter parked on (deviceID,
// cseq). It reports whether a waiter was found; a false return means the
// caller already timed out (or never waited).
func (s *Store) Signal(deviceID uint32, cseq uint8, res Result) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.devices[deviceID]
	if d == nil {
		return false
	}
	req, ok := d.pending[cseq]
	if !ok {
		return false
	}
	select {
	case req.ch <- res:
		return true
	default:
		// Already signalled; the single-buffered channel keeps the first result.
		return false
	}
}

func (s *Store) removePending(deviceID uint32, cseq uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d := s.devices[deviceID]; d != nil {
		delete(d.pending, cseq)
	}
}

// PendingCount returns the number of in-flight requests for deviceID.
func (s *Store) PendingCount(deviceID uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.devices[deviceID]
	if d == nil {
		return 0
	}
	return len(d.pending)
}
