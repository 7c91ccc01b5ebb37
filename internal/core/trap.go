package core

import (
	"errors"
	"sync"
)

// TrapConditionFlags select which portal conditions a trap observes.
type TrapConditionFlags uint32

const (
	// TrapPeerClosed fires when the peer portal closes.
	TrapPeerClosed TrapConditionFlags = 1 << iota

	// TrapDead fires when the portal can produce nothing further: the
	// peer closed and every parcel it sent has been retrieved.
	TrapDead

	// TrapNewLocalParcel fires when a parcel becomes retrievable that
	// was not there when the trap was armed.
	TrapNewLocalParcel

	// TrapLocalParcels fires while more than MinLocalParcels parcels are
	// queued for retrieval.
	TrapLocalParcels

	// TrapLocalBytes fires while more than MinLocalBytes bytes are
	// queued for retrieval.
	TrapLocalBytes
)

// TrapConditions configure one trap.
type TrapConditions struct {
	Flags           TrapConditionFlags
	MinLocalParcels int
	MinLocalBytes   int
}

// PortalStatus is a point-in-time snapshot of a portal's retrievable
// state.
type PortalStatus struct {
	LocalParcels int
	LocalBytes   int
	PeerClosed   bool
	Dead         bool
}

// A TrapEvent reports why a trap fired.
type TrapEvent struct {
	Conditions TrapConditionFlags
	Status     PortalStatus
}

// A TrapHandler observes one firing. Handlers run without any router lock
// held and may call back into the portal.
type TrapHandler func(TrapEvent)

var (
	errTrapConditionsMet = errors.New("trap: conditions already satisfied")
	errTrapDestroyed     = errors.New("trap: destroyed")
)

// A Trap watches one portal for a condition set. Traps are one-shot: a
// firing disarms the trap and it stays quiet until rearmed.
type Trap struct {
	set        *TrapSet
	conditions TrapConditions
	handler    TrapHandler

	// inflight tracks handler invocations for blocking destroy.
	inflight sync.WaitGroup

	// Guarded by set.mu.
	armed     bool
	destroyed bool
}

// A TrapSet is the collection of traps watching one portal, guarded by
// one mutex so firing decisions see a consistent status.
type TrapSet struct {
	mu    sync.Mutex
	traps map[*Trap]struct{}
}

// NewTrapSet returns an empty set.
func NewTrapSet() *TrapSet {
	return &TrapSet{traps: make(map[*Trap]struct{})}
}

// Add registers a new, unarmed trap.
func (ts *TrapSet) Add(conditions TrapConditions, handler TrapHandler) *Trap {
	t := &Trap{set: ts, conditions: conditions, handler: handler}
	ts.mu.Lock()
	ts.traps[t] = struct{}{}
	ts.mu.Unlock()
	return t
}

// satisfied evaluates level-triggered conditions against a status.
func (t *Trap) satisfied(status PortalStatus) TrapConditionFlags {
	var fired TrapConditionFlags
	c := t.conditions
	if c.Flags&TrapPeerClosed != 0 && status.PeerClosed {
		fired |= TrapPeerClosed
	}
	if c.Flags&TrapDead != 0 && status.Dead {
		fired |= TrapDead
	}
	if c.Flags&TrapLocalParcels != 0 && status.LocalParcels > c.MinLocalParcels {
		fired |= TrapLocalParcels
	}
	if c.Flags&TrapLocalBytes != 0 && status.LocalBytes > c.MinLocalBytes {
		fired |= TrapLocalBytes
	}
	return fired
}

// Arm readies the trap. Fails with the trap left unarmed if any observed
// level condition already holds; the caller should consume state and
// retry.
func (t *Trap) Arm(status PortalStatus) error {
	ts := t.set
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if t.destroyed {
		return errTrapDestroyed
	}
	if t.satisfied(status) != 0 {
		return errTrapConditionsMet
	}
	t.armed = true
	return nil
}

// Destroy removes the trap. When blocking, it waits for any in-flight
// handler invocation to return before coming back.
func (t *Trap) Destroy(blocking bool) error {
	ts := t.set
	ts.mu.Lock()
	if t.destroyed {
		ts.mu.Unlock()
		return errTrapDestroyed
	}
	t.destroyed = true
	t.armed = false
	delete(ts.traps, t)
	ts.mu.Unlock()
	if blocking {
		t.inflight.Wait()
	}
	return nil
}

// CollectFirings disarms every armed trap whose conditions hold and
// returns the handler invocations to run. newParcel marks an
// edge-triggered arrival since the last call. Callers invoke the returned
// closures with no locks held.
func (ts *TrapSet) CollectFirings(status PortalStatus, newParcel bool) []func() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	var out []func()
	for t := range ts.traps {
		if !t.armed {
			continue
		}
		fired := t.satisfied(status)
		if newParcel && t.conditions.Flags&TrapNewLocalParcel != 0 {
			fired |= TrapNewLocalParcel
		}
		if fired == 0 {
			continue
		}
		t.armed = false
		t.inflight.Add(1)
		ev := TrapEvent{Conditions: fired, Status: status}
		handler := t.handler
		wg := &t.inflight
		out = append(out, func() {
			defer wg.Done()
			handler(ev)
		})
	}
	return out
}

// IsTrapConditionsMet reports the Arm failure meaning conditions already
// hold.
func IsTrapConditionsMet(err error) bool { return errors.Is(err, errTrapConditionsMet) }
