package trama

import (
	"github.com/tramalabs/trama/driver"
	"github.com/tramalabs/trama/internal/core"
)

// A Handle is something a parcel can carry: a portal, or a boxed driver
// object. The zero Handle carries nothing and is rejected by Put.
type Handle struct {
	portal *Portal
	box    driver.Object
}

// Handle wraps the portal for transfer through another portal's put.
func (p *Portal) Handle() Handle { return Handle{portal: p} }

// Box wraps a driver object for transfer through a portal. The fabric
// owns the object until the receiving side unboxes it.
func Box(o driver.Object) Handle { return Handle{box: o} }

// Portal returns the portal carried by h, nil when it carries a box.
func (h Handle) Portal() *Portal { return h.portal }

// Unbox extracts the driver object carried by h.
func (h Handle) Unbox() (driver.Object, error) {
	if h.box == nil {
		return nil, failure(ErrInvalidArgument, errNotABox)
	}
	return h.box, nil
}

func (n *Node) handlesFor(atts []core.Attachment) []Handle {
	if len(atts) == 0 {
		return nil
	}
	handles := make([]Handle, len(atts))
	for i, a := range atts {
		switch a.Kind {
		case core.AttachedRouter:
			handles[i] = Handle{portal: newPortal(n, a.Router)}
		case core.AttachedBox:
			handles[i] = Handle{box: a.Box}
		}
	}
	return handles
}
