package trama

import (
	"sync"

	"github.com/tramalabs/trama/internal/core"
)

// PutLimits bound what a put may leave queued. When the destination
// portal lives in this process the limits apply to its retrieval queue;
// across nodes they apply to this side's untransmitted backlog. Zero
// fields mean unlimited.
type PutLimits struct {
	MaxQueuedParcels int
	MaxQueuedBytes   int
}

// PortalStatus is a point-in-time snapshot of a portal's retrievable
// state.
type PortalStatus struct {
	LocalParcels int
	LocalBytes   int
	PeerClosed   bool
	Dead         bool
}

func statusFromCore(st core.PortalStatus) PortalStatus {
	return PortalStatus{
		LocalParcels: st.LocalParcels,
		LocalBytes:   st.LocalBytes,
		PeerClosed:   st.PeerClosed,
		Dead:         st.Dead,
	}
}

// A Portal is one end of a route. Parcels put into a portal come out of
// its peer in put order, no matter how many nodes either end migrates
// across in between. All methods are safe for concurrent use.
type Portal struct {
	node   *Node
	router *core.Router

	mu            sync.Mutex
	closed        bool
	moved         bool
	pendingPut    []byte
	getInProgress bool
}

func newPortal(n *Node, r *core.Router) *Portal {
	return &Portal{node: n, router: r}
}

func (p *Portal) usableLocked() error {
	if p.closed {
		return failure(ErrInvalidArgument, errPortalClosed)
	}
	if p.moved {
		return failure(ErrInvalidArgument, errPortalMoved)
	}
	return nil
}

func (p *Portal) usable() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usableLocked()
}

// Status snapshots the portal's retrievable state.
func (p *Portal) Status() PortalStatus {
	return statusFromCore(p.router.Status())
}

// Put queues data and handles for retrieval by the peer. Portal handles
// are consumed: the carried portal leaves this node with the parcel.
// limits nil falls back to the node's configured defaults.
func (p *Portal) Put(data []byte, handles []Handle, limits *PutLimits) error {
	if err := p.usable(); err != nil {
		return err
	}
	return p.putParcel(data, handles, limits)
}

func (p *Portal) putParcel(data []byte, handles []Handle, limits *PutLimits) error {
	r := p.router
	if r.IsPeerClosed() {
		return failure(ErrNotFound, errPeerGone)
	}
	if len(data) > p.node.memoryCap {
		return failure(ErrResourceExhausted, errParcelTooLarge)
	}
	if limits == nil {
		limits = &p.node.queueLimits
	}
	if err := checkPutLimits(r, limits, len(data)); err != nil {
		p.node.met.IncrCounterWithLabels(MetricTramaParcelRefusedCount, 1, p.node.labels)
		return err
	}

	atts, movedPortals, err := p.attachmentsFor(handles)
	if err != nil {
		return err
	}
	if !r.SendParcel(data, atts) {
		for _, hp := range movedPortals {
			hp.unmove()
		}
		return failure(ErrNotFound, errPeerGone)
	}

	if len(movedPortals) > 0 {
		p.node.met.IncrCounterWithLabels(MetricTramaPortalMovedCount,
			float32(len(movedPortals)), p.node.labels)
	}
	p.node.met.IncrCounterWithLabels(MetricTramaParcelOutCount, 1, p.node.labels)
	p.node.met.IncrCounterWithLabels(MetricTramaParcelOutBytes, float32(len(data)), p.node.labels)
	return nil
}

func checkPutLimits(r *core.Router, limits *PutLimits, size int) error {
	if limits.MaxQueuedParcels == 0 && limits.MaxQueuedBytes == 0 {
		return nil
	}
	var parcels, bytes int
	if peer := r.LocalPeer(); peer != nil {
		parcels, bytes = peer.InboundQueueState()
	} else {
		parcels, bytes = r.OutboundQueueState()
	}
	if limits.MaxQueuedParcels > 0 && parcels+1 > limits.MaxQueuedParcels {
		return failure(ErrResourceExhausted, errQueueLimits)
	}
	if limits.MaxQueuedBytes > 0 && bytes+size > limits.MaxQueuedBytes {
		return failure(ErrResourceExhausted, errQueueLimits)
	}
	return nil
}

// attachmentsFor converts handles to attachments, marking carried portals
// as in transit. On error every marked portal is restored.
func (p *Portal) attachmentsFor(handles []Handle) ([]core.Attachment, []*Portal, error) {
	if len(handles) == 0 {
		return nil, nil, nil
	}
	atts := make([]core.Attachment, 0, len(handles))
	var movedPortals []*Portal
	revert := func() {
		for _, hp := range movedPortals {
			hp.unmove()
		}
	}
	for _, h := range handles {
		switch {
		case h.box != nil:
			atts = append(atts, core.Attachment{Kind: core.AttachedBox, Box: h.box})
		case h.portal != nil:
			hp := h.portal
			if hp == p || hp.router == p.router {
				revert()
				return nil, nil, failure(ErrInvalidArgument, errPortalIntoItself)
			}
			if hp.router.LocalPeer() == p.router {
				revert()
				return nil, nil, failure(ErrInvalidArgument, errPortalIntoPeer)
			}
			if err := hp.beginMove(); err != nil {
				revert()
				return nil, nil, err
			}
			movedPortals = append(movedPortals, hp)
			atts = append(atts, core.Attachment{Kind: core.AttachedRouter, Router: hp.router})
		default:
			revert()
			return nil, nil, failure(ErrInvalidArgument, errEmptyHandle)
		}
	}
	return atts, movedPortals, nil
}

func (p *Portal) beginMove() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.usableLocked(); err != nil {
		return err
	}
	if p.pendingPut != nil || p.getInProgress {
		return failure(ErrFailedPrecondition, errTwoPhaseInFlight)
	}
	p.moved = true
	return nil
}

func (p *Portal) unmove() {
	p.mu.Lock()
	p.moved = false
	p.mu.Unlock()
}

// Get retrieves the next queued parcel: its payload and the handles it
// carried. With nothing queued it fails with ErrUnavailable, or
// ErrNotFound once the peer has closed and everything it sent was
// retrieved.
func (p *Portal) Get() ([]byte, []Handle, error) {
	p.mu.Lock()
	if err := p.usableLocked(); err != nil {
		p.mu.Unlock()
		return nil, nil, err
	}
	if p.getInProgress {
		p.mu.Unlock()
		return nil, nil, failure(ErrAlreadyExists, errTwoPhaseInFlight)
	}
	parcel := p.router.PopNextInbound()
	p.mu.Unlock()

	if parcel == nil {
		if p.router.Status().Dead {
			return nil, nil, failure(ErrNotFound, errPeerGone)
		}
		return nil, nil, failure(ErrUnavailable, errNoParcel)
	}
	data := append([]byte(nil), parcel.Data()...)
	handles := p.node.handlesFor(parcel.TakeAttachments())
	parcel.Release()

	p.node.met.IncrCounterWithLabels(MetricTramaParcelInCount, 1, p.node.labels)
	p.node.met.IncrCounterWithLabels(MetricTramaParcelInBytes, float32(len(data)), p.node.labels)
	return data, handles, nil
}

// BeginPut opens a two-phase put of up to n bytes and returns the buffer
// to fill. EndPut transmits, AbortPut discards. At most one two-phase put
// may be open per portal.
func (p *Portal) BeginPut(n int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.usableLocked(); err != nil {
		return nil, err
	}
	if p.pendingPut != nil {
		return nil, failure(ErrAlreadyExists, errTwoPhaseInFlight)
	}
	if n < 0 {
		return nil, failure(ErrInvalidArgument, errCommitTooLong)
	}
	if n > p.node.memoryCap {
		return nil, failure(ErrResourceExhausted, errParcelTooLarge)
	}
	if p.router.IsPeerClosed() {
		return nil, failure(ErrNotFound, errPeerGone)
	}
	p.pendingPut = make([]byte, n)
	return p.pendingPut, nil
}

// EndPut commits the open two-phase put: the first n bytes of the buffer
// and the handles go out as one parcel.
func (p *Portal) EndPut(n int, handles []Handle) error {
	p.mu.Lock()
	if err := p.usableLocked(); err != nil {
		p.mu.Unlock()
		return err
	}
	if p.pendingPut == nil {
		p.mu.Unlock()
		return failure(ErrFailedPrecondition, errNoTwoPhase)
	}
	if n < 0 || n > len(p.pendingPut) {
		p.mu.Unlock()
		return failure(ErrInvalidArgument, errCommitTooLong)
	}
	data := p.pendingPut[:n]
	p.pendingPut = nil
	p.mu.Unlock()
	return p.putParcel(data, handles, nil)
}

// AbortPut discards the open two-phase put.
func (p *Portal) AbortPut() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pendingPut == nil {
		return failure(ErrFailedPrecondition, errNoTwoPhase)
	}
	p.pendingPut = nil
	return nil
}

// BeginGet opens a two-phase get, exposing the next parcel's payload
// without consuming it. The view stays valid until CommitGet or AbortGet.
func (p *Portal) BeginGet() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.usableLocked(); err != nil {
		return nil, err
	}
	if p.getInProgress {
		return nil, failure(ErrAlreadyExists, errTwoPhaseInFlight)
	}
	parcel := p.router.GetNextInbound()
	if parcel == nil {
		if p.router.Status().Dead {
			return nil, failure(ErrNotFound, errPeerGone)
		}
		return nil, failure(ErrUnavailable, errNoParcel)
	}
	p.getInProgress = true
	return parcel.Data(), nil
}

// CommitGet closes the two-phase get, consuming n bytes. Consuming the
// whole remainder dequeues the parcel and returns its handles; a partial
// commit leaves the rest, handles included, queued.
func (p *Portal) CommitGet(n int) ([]Handle, error) {
	p.mu.Lock()
	if !p.getInProgress {
		p.mu.Unlock()
		return nil, failure(ErrFailedPrecondition, errNoTwoPhase)
	}
	parcel := p.router.GetNextInbound()
	if parcel == nil || n < 0 || n > parcel.Size() {
		p.getInProgress = false
		p.mu.Unlock()
		return nil, failure(ErrInvalidArgument, errCommitTooLong)
	}
	p.getInProgress = false

	if n < parcel.Size() {
		p.router.ConsumeNextInboundBytes(n)
		p.mu.Unlock()
		p.node.met.IncrCounterWithLabels(MetricTramaParcelInBytes, float32(n), p.node.labels)
		return nil, nil
	}
	parcel = p.router.PopNextInbound()
	p.mu.Unlock()

	handles := p.node.handlesFor(parcel.TakeAttachments())
	parcel.Release()
	p.node.met.IncrCounterWithLabels(MetricTramaParcelInCount, 1, p.node.labels)
	p.node.met.IncrCounterWithLabels(MetricTramaParcelInBytes, float32(n), p.node.labels)
	return handles, nil
}

// AbortGet closes the two-phase get without consuming anything.
func (p *Portal) AbortGet() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.getInProgress {
		return failure(ErrFailedPrecondition, errNoTwoPhase)
	}
	p.getInProgress = false
	return nil
}

// Close closes this side of the route. Parcels already put still reach
// the peer; parcels queued here but not retrieved are dropped.
func (p *Portal) Close() error {
	p.mu.Lock()
	if err := p.usableLocked(); err != nil {
		p.mu.Unlock()
		return err
	}
	p.closed = true
	p.pendingPut = nil
	p.getInProgress = false
	r := p.router
	p.mu.Unlock()

	r.CloseRoute()
	return nil
}
