package core

import "github.com/tramalabs/trama/internal/sequence"

// A RouteEdge is one router's connection toward one direction of its
// route. At any time it holds at most one primary link and at most one
// decaying link. While a decaying link exists, parcels below its cutoff
// still flow over it; everything else uses the primary link.
//
// Guarded by the owning router's lock.
type RouteEdge struct {
	primary  RouterLink
	decaying RouterLink

	// Cutoffs for the decaying link, unknown until set. lengthTo bounds
	// the sequence numbers transmitted over it; lengthFrom bounds the
	// numbers expected from it.
	lengthTo      sequence.Number
	hasLengthTo   bool
	lengthFrom    sequence.Number
	hasLengthFrom bool

	// decayDeferred marks that the next primary link adopted must start
	// decaying immediately.
	decayDeferred bool
}

func (e *RouteEdge) PrimaryLink() RouterLink  { return e.primary }
func (e *RouteEdge) DecayingLink() RouterLink { return e.decaying }

// IsStable reports that the edge has nothing decaying and no decay
// pending for its next link.
func (e *RouteEdge) IsStable() bool {
	return e.decaying == nil && !e.decayDeferred
}

// SetPrimaryLink installs the edge's primary link. If a decay was
// deferred, the new link begins decaying at once and the edge stays
// without a primary.
func (e *RouteEdge) SetPrimaryLink(l RouterLink) {
	if e.primary != nil {
		panic("core: edge already has a primary link")
	}
	if e.decayDeferred {
		if e.decaying != nil {
			panic("core: deferred decay with a live decaying link")
		}
		e.decayDeferred = false
		e.decaying = l
		return
	}
	e.primary = l
}

// ReleasePrimaryLink detaches and returns the primary link.
func (e *RouteEdge) ReleasePrimaryLink() RouterLink {
	l := e.primary
	e.primary = nil
	return l
}

// ReleaseDecayingLink detaches and returns the decaying link, clearing the
// cutoffs.
func (e *RouteEdge) ReleaseDecayingLink() RouterLink {
	l := e.decaying
	e.decaying = nil
	e.hasLengthTo = false
	e.hasLengthFrom = false
	return l
}

// BeginPrimaryLinkDecay moves the primary link into decaying position, or
// defers the decay to the next adopted link when no primary exists yet.
// Fails while another decay is in progress.
func (e *RouteEdge) BeginPrimaryLinkDecay() bool {
	if e.decaying != nil || e.decayDeferred {
		return false
	}
	if e.primary == nil {
		e.decayDeferred = true
		return true
	}
	e.decaying = e.primary
	e.primary = nil
	return true
}

// SetLengthTo fixes how many parcels will ever be sent over the decaying
// link.
func (e *RouteEdge) SetLengthTo(n sequence.Number) {
	e.lengthTo = n
	e.hasLengthTo = true
}

// SetLengthFrom fixes how many parcels the decaying link will ever
// deliver.
func (e *RouteEdge) SetLengthFrom(n sequence.Number) {
	e.lengthFrom = n
	e.hasLengthFrom = true
}

func (e *RouteEdge) LengthTo() (sequence.Number, bool)   { return e.lengthTo, e.hasLengthTo }
func (e *RouteEdge) LengthFrom() (sequence.Number, bool) { return e.lengthFrom, e.hasLengthFrom }

// LinkForParcel picks the link that must carry sequence number n: the
// decaying link while n falls under its cutoff, else the primary link.
// Returns nil when the proper link is not available yet.
func (e *RouteEdge) LinkForParcel(n sequence.Number) RouterLink {
	if e.decaying != nil && (!e.hasLengthTo || n < e.lengthTo) {
		return e.decaying
	}
	if e.hasLengthTo && n < e.lengthTo {
		// Owed to a decaying link that is not in place yet (a deferred
		// decay whose link has not been set).
		return nil
	}
	return e.primary
}

// MaybeFinishDecay drops the decaying link once both cutoffs are known and
// satisfied by the sequence lengths sent and received so far. Returns the
// dropped link, nil if decay continues.
func (e *RouteEdge) MaybeFinishDecay(sent, received sequence.Number) RouterLink {
	if e.decaying == nil {
		return nil
	}
	if !e.hasLengthTo || !e.hasLengthFrom {
		return nil
	}
	if sent < e.lengthTo || received < e.lengthFrom {
		return nil
	}
	return e.ReleaseDecayingLink()
}
