package trama

import (
	"github.com/tramalabs/trama/internal/core"
)

// TrapConditionFlags select which portal conditions a trap observes.
type TrapConditionFlags uint32

const (
	// TrapPeerClosed fires when the peer portal closes.
	TrapPeerClosed TrapConditionFlags = 1 << iota

	// TrapDead fires when the portal can produce nothing further.
	TrapDead

	// TrapNewLocalParcel fires when a parcel becomes retrievable that was
	// not there when the trap was armed.
	TrapNewLocalParcel

	// TrapLocalParcels fires while more than MinLocalParcels parcels are
	// queued for retrieval.
	TrapLocalParcels

	// TrapLocalBytes fires while more than MinLocalBytes bytes are queued
	// for retrieval.
	TrapLocalBytes
)

// TrapConditions configure one trap.
type TrapConditions struct {
	Flags           TrapConditionFlags
	MinLocalParcels int
	MinLocalBytes   int
}

// A TrapEvent reports why a trap fired.
type TrapEvent struct {
	Conditions TrapConditionFlags
	Status     PortalStatus
}

// A TrapHandler observes one firing. It runs on the goroutine that
// changed the portal's state and may call back into the portal.
type TrapHandler func(TrapEvent)

// Arguments to Trap.Destroy.
const (
	TrapBlocking    = true
	TrapNonBlocking = false
)

// A Trap watches one portal for a condition set. Traps are one-shot: a
// firing disarms the trap and it stays quiet until rearmed.
type Trap struct {
	portal *Portal
	core   *core.Trap
}

// CreateTrap registers a trap on the portal. The trap starts unarmed.
func (p *Portal) CreateTrap(conds TrapConditions, handler TrapHandler) (*Trap, error) {
	if handler == nil {
		return nil, failure(ErrInvalidArgument, errNilTrapHandler)
	}
	if err := p.usable(); err != nil {
		return nil, err
	}
	node := p.node
	tr := p.router.Traps().Add(core.TrapConditions{
		Flags:           core.TrapConditionFlags(conds.Flags),
		MinLocalParcels: conds.MinLocalParcels,
		MinLocalBytes:   conds.MinLocalBytes,
	}, func(ev core.TrapEvent) {
		node.met.IncrCounterWithLabels(MetricTramaTrapFireCount, 1, node.labels)
		handler(TrapEvent{
			Conditions: TrapConditionFlags(ev.Conditions),
			Status:     statusFromCore(ev.Status),
		})
	})
	return &Trap{portal: p, core: tr}, nil
}

// Arm readies the trap. When an observed level condition already holds
// the trap stays unarmed and Arm fails with ErrFailedPrecondition; the
// caller should consume portal state and retry.
func (t *Trap) Arm() error {
	err := t.core.Arm(t.portal.router.Status())
	if err == nil {
		return nil
	}
	if core.IsTrapConditionsMet(err) {
		return failure(ErrFailedPrecondition, err)
	}
	return failure(ErrNotFound, err)
}

// Destroy removes the trap. With TrapBlocking it waits for any in-flight
// handler invocation to return first.
func (t *Trap) Destroy(blocking bool) error {
	if err := t.core.Destroy(blocking); err != nil {
		return failure(ErrNotFound, err)
	}
	return nil
}
