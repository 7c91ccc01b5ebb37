package trama

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"

	"github.com/tramalabs/trama/driver"
	"github.com/tramalabs/trama/internal/core"
)

// Role selects whether a node brokers its fabric. Exactly one broker
// exists per fabric; it names the other nodes and introduces them to each
// other.
type Role uint8

const (
	NonBroker Role = iota
	Broker
)

func (r Role) String() string {
	if r == Broker {
		return "broker"
	}
	return "non-broker"
}

// ConnectMode states which role this node plays on one connection.
type ConnectMode uint8

const (
	ConnectAsBroker ConnectMode = iota
	ConnectAsNonBroker
)

// A Node is one participant in a fabric. All of its portals, wherever
// their peers live, route through the node's links.
type Node struct {
	role Role
	core *core.Node
	log  *slog.Logger

	met    *metrics.Metrics
	labels []metrics.Label

	queueLimits PutLimits
	memoryCap   int
}

// NewNode creates a node on top of drv. The node owns no portals yet;
// OpenPortals and the connect calls mint them.
func NewNode(role Role, drv driver.Driver, opts ...Option) (*Node, error) {
	if drv == nil {
		return nil, failure(ErrInvalidArgument, errDriverRequired)
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, failure(ErrInvalidArgument, err)
		}
	}

	mcfg := metrics.DefaultConfig("trama")
	mcfg.EnableHostname = false
	met, err := metrics.New(mcfg, cfg.metricSink)
	if err != nil {
		return nil, failure(ErrInvalidArgument, err)
	}

	log := slog.New(cfg.logHandler).With(LabelRole.L(role.String()))
	n := &Node{
		role:        role,
		log:         log,
		met:         met,
		labels:      cfg.metricLabels,
		queueLimits: cfg.queueLimits,
		memoryCap:   cfg.memoryCap,
	}
	n.core = core.NewNode(role == Broker, drv, log)
	return n, nil
}

// Role is the role the node was created with.
func (n *Node) Role() Role { return n.role }

// Name is the node's fabric name: self-assigned on a broker, assigned by
// the broker during the connect handshake on a non-broker, empty before
// that handshake completes.
func (n *Node) Name() string {
	name := n.core.Name()
	if name.IsZero() {
		return ""
	}
	return name.String()
}

// OpenPortals mints a connected portal pair on this node. Either half may
// later travel to another node through a put.
func (n *Node) OpenPortals() (*Portal, *Portal) {
	a := core.NewRouter(n.core)
	b := core.NewRouter(n.core)
	core.ConnectLocalRouters(a, b)
	return newPortal(n, a), newPortal(n, b)
}

// ConnectNode connects this node to the one on the other end of t and
// returns numPortals initial portals, paired index-for-index with the
// peer's. mode must match the node's role.
func (n *Node) ConnectNode(t driver.Transport, mode ConnectMode, numPortals int) ([]*Portal, error) {
	if (mode == ConnectAsBroker) != (n.role == Broker) {
		return nil, failure(ErrFailedPrecondition, errRoleMismatch)
	}
	routers, err := n.core.ConnectNode(t, numPortals)
	if err != nil {
		return nil, failure(ErrInvalidArgument, err)
	}
	n.met.IncrCounterWithLabels(MetricTramaLinkEstCount, 1, n.labels)
	return n.wrapRouters(routers), nil
}

// ConnectIndirect connects this node to the nameless one on the other end
// of t by referring the transport to the broker, which adopts that node
// and relays a direct link back. The returned portals come alive when the
// broker answers.
func (n *Node) ConnectIndirect(t driver.Transport, numPortals int) ([]*Portal, error) {
	routers, err := n.core.ConnectIndirect(t, numPortals)
	if err != nil {
		if err == core.ErrNoBroker {
			return nil, failure(ErrFailedPrecondition, err)
		}
		return nil, failure(ErrInvalidArgument, err)
	}
	return n.wrapRouters(routers), nil
}

// ConnectViaReferral is the other side of ConnectIndirect: t leads to a
// broker that adopted the transport on another node's behalf.
func (n *Node) ConnectViaReferral(t driver.Transport, numPortals int) ([]*Portal, error) {
	routers, err := n.core.ConnectViaReferral(t, numPortals)
	if err != nil {
		if err == core.ErrReferralPending {
			return nil, failure(ErrAlreadyExists, err)
		}
		return nil, failure(ErrInvalidArgument, err)
	}
	return n.wrapRouters(routers), nil
}

func (n *Node) wrapRouters(routers []*core.Router) []*Portal {
	portals := make([]*Portal, len(routers))
	for i, r := range routers {
		portals[i] = newPortal(n, r)
	}
	return portals
}

// Close tears down the node's links. Portals with remote peers observe a
// closed peer; local portal pairs on this node keep working.
func (n *Node) Close() error {
	return n.core.Close()
}
