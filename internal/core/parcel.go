package core

import (
	"github.com/tramalabs/trama/driver"
	"github.com/tramalabs/trama/internal/fragment"
	"github.com/tramalabs/trama/internal/sequence"
)

// AttachmentKind discriminates what a parcel attachment carries.
type AttachmentKind uint8

const (
	// AttachedRouter is a portal moving through the fabric; locally it is
	// the router backing that portal.
	AttachedRouter AttachmentKind = iota

	// AttachedBox is an application-boxed driver object.
	AttachedBox
)

// An Attachment is one object riding a parcel.
type Attachment struct {
	Kind   AttachmentKind
	Router *Router
	Box    driver.Object
}

// A Parcel is one unit of data and attachments moving in one direction
// along a route. Its sequence number is assigned by the sending portal and
// never changes, no matter how many hops the parcel takes.
type Parcel struct {
	SeqNum      sequence.Number
	Attachments []Attachment

	// data is the live payload view. When the payload is resident in
	// shared memory, frag addresses it and pool releases it once the
	// parcel is consumed.
	data []byte
	frag fragment.Fragment
	pool *fragment.Pool
}

// NewParcel builds a parcel with an inline heap payload.
func NewParcel(n sequence.Number, data []byte, attachments []Attachment) *Parcel {
	return &Parcel{SeqNum: n, data: data, Attachments: attachments}
}

// NewFragmentParcel builds a parcel whose payload lives in shared memory.
// The fragment returns to pool when the parcel is released.
func NewFragmentParcel(n sequence.Number, f fragment.Fragment, pool *fragment.Pool, attachments []Attachment) *Parcel {
	return &Parcel{SeqNum: n, data: f.Bytes, frag: f, pool: pool, Attachments: attachments}
}

// Data is the unconsumed payload.
func (p *Parcel) Data() []byte { return p.data }

// Size is the unconsumed payload length in bytes.
func (p *Parcel) Size() int { return len(p.data) }

// Consume drops n bytes from the front of the payload after a partial
// read.
func (p *Parcel) Consume(n int) {
	p.data = p.data[n:]
}

// Release returns any shared-memory backing and closes attachments that
// were never taken, so a dropped parcel cannot strand a moving portal or
// a boxed driver object. Safe to call more than once.
func (p *Parcel) Release() {
	if p.pool != nil {
		p.pool.Release(p.frag)
		p.pool = nil
	}
	p.data = nil
	closeAttachments(p.TakeAttachments())
}

// closeAttachments shuts down attachments that will never reach a portal:
// routers close their routes, boxed objects close outright.
func closeAttachments(attachments []Attachment) {
	for _, a := range attachments {
		switch a.Kind {
		case AttachedRouter:
			a.Router.CloseRoute()
		case AttachedBox:
			_ = a.Box.Close()
		}
	}
}

// TakeAttachments detaches and returns the attachments.
func (p *Parcel) TakeAttachments() []Attachment {
	a := p.Attachments
	p.Attachments = nil
	return a
}
