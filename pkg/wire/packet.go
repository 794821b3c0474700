// Package wire defines the control-packet tagged union exchanged between
// mesh nodes and its codec: a compact, schema-evolving, self-describing
// binary encoding (MessagePack) that tolerates unknown fields on receive.
package wire

import (
	"fmt"
	"net/netip"

	"github.com/vmihailenco/msgpack/v5"
)

// Kind is the wire-format discriminator for a Packet variant.
type Kind string

const (
	KindAdvertisement         Kind = "advertisement"
	KindRouteDatabaseRequest  Kind = "route_database_request"
	KindRouteDatabase         Kind = "route_database"
	KindLocalContactRequest   Kind = "local_contact_request"
	KindLocalContact          Kind = "local_contact"
)

// Packet is implemented by every control-packet variant.
type Packet interface {
	// Kind returns the wire-format type discriminator for this variant.
	Kind() Kind
}

// PublicKeyWithTime pairs a WireGuard public key with the Unix second it was
// derived, so a peer receiving it can tell a freshly rotated key apart from
// a stale one carrying the same bytes.
type PublicKeyWithTime struct {
	Key       [32]byte `msgpack:"key"`
	CreatedAt int64    `msgpack:"createdAt"`
}

// Advertisement announces this node's identity to a peer (used for the
// initial static-peer handshake, periodic tunnel heartbeats, and
// local-contact upgrades).
type Advertisement struct {
	WGIP           netip.Addr        `msgpack:"wgIp"`
	PublicKey      PublicKeyWithTime `msgpack:"publicKey"`
	AdminPort      uint16            `msgpack:"adminPort"`
	IPList         []netip.Addr      `msgpack:"ipList"`
	AddressedTo    AddressedTo       `msgpack:"addressedTo"`
	Name           string            `msgpack:"name"`
	RouteDBVersion uint64            `msgpack:"routeDbVersion"`

	// VisibleWGEndpoint, when present, is the sender's observation of the
	// recipient's own visible WireGuard endpoint — carried so the recipient
	// can learn its own reflexive address without a STUN-like server.
	VisibleWGEndpoint *netip.AddrPort `msgpack:"visibleWgEndpoint,omitempty"`

	// ReplyWanted is carried on the wire but not acted on: the coordinator
	// never sets it, and the network manager does not read it. A reply is
	// sent when an advertisement creates or promotes a node, whatever this
	// flag says.
	ReplyWanted bool `msgpack:"replyWanted"`
}

func (Advertisement) Kind() Kind { return KindAdvertisement }

// RouteDatabaseRequest asks a peer to (re-)send its full route database.
type RouteDatabaseRequest struct{}

func (RouteDatabaseRequest) Kind() Kind { return KindRouteDatabaseRequest }

// RouteInfo is one entry of a route database: a destination overlay address,
// reachable via the given gateway (or directly, if Gateway is absent) at the
// given hop count, with the advertiser's admin port for that destination.
type RouteInfo struct {
	Dest      netip.Addr  `msgpack:"dest"`
	AdminPort uint16      `msgpack:"adminPort"`
	HopCount  uint32      `msgpack:"hopCount"`
	Gateway   *netip.Addr `msgpack:"gateway,omitempty"`
}

// RouteDatabase carries one fragment of the sender's route database. A
// logical database may span multiple packets; NrEntries names the total
// count across all fragments so the receiver can detect completion, and
// RouteDBVersion lets it discard a partial assembly if the version changes
// mid-transfer.
type RouteDatabase struct {
	WGIP           netip.Addr  `msgpack:"wgIp"`
	RouteDBVersion uint64      `msgpack:"routeDbVersion"`
	NrEntries      uint32      `msgpack:"nrEntries"`
	Entries        []RouteInfo `msgpack:"entries"`
}

func (RouteDatabase) Kind() Kind { return KindRouteDatabase }

// LocalContactRequest asks a peer to send its LocalContact details — used to
// probe a DistantNode that is missing its local IP list, public key, or
// visible endpoint.
type LocalContactRequest struct{}

func (LocalContactRequest) Kind() Kind { return KindLocalContactRequest }

// LocalContact answers a LocalContactRequest with enough detail for the
// requester to attempt direct (non-tunneled) contact or a future
// Advertisement exchange.
type LocalContact struct {
	WGIP              netip.Addr        `msgpack:"wgIp"`
	PublicKey         PublicKeyWithTime `msgpack:"publicKey"`
	AdminPort         uint16            `msgpack:"adminPort"`
	IPList            []netip.Addr      `msgpack:"ipList"`
	VisibleWGEndpoint *netip.AddrPort   `msgpack:"visibleWgEndpoint,omitempty"`
}

func (LocalContact) Kind() Kind { return KindLocalContact }

// envelope is the outer shape every encoded packet is wrapped in: a type
// discriminator plus the variant's own fields, deferred via RawMessage so
// the second decode pass only runs once the concrete type is known.
type envelope struct {
	Type    Kind            `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// factories maps each Kind to a constructor for its zero-value pointer, so
// Decode can pick the concrete variant from the envelope's discriminator.
var factories = map[Kind]func() Packet{
	KindAdvertisement:        func() Packet { return &Advertisement{} },
	KindRouteDatabaseRequest: func() Packet { return &RouteDatabaseRequest{} },
	KindRouteDatabase:        func() Packet { return &RouteDatabase{} },
	KindLocalContactRequest:  func() Packet { return &LocalContactRequest{} },
	KindLocalContact:         func() Packet { return &LocalContact{} },
}

// Encode serializes a Packet to its wire form.
func Encode(p Packet) ([]byte, error) {
	payload, err := msgpack.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", p.Kind(), err)
	}

	return msgpack.Marshal(&envelope{Type: p.Kind(), Payload: payload})
}

// Decode deserializes a wire-format frame into the concrete Packet variant
// it names. Unknown fields within the variant's own payload are tolerated
// (msgpack's struct decoder ignores map keys it doesn't recognize), so an
// older decoder can read packets sent by a newer encoder.
func Decode(data []byte) (Packet, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding packet envelope: %w", err)
	}

	factory, ok := factories[env.Type]
	if !ok {
		return nil, fmt.Errorf("unknown packet type: %q", env.Type)
	}

	p := factory()
	if err := msgpack.Unmarshal(env.Payload, p); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", env.Type, err)
	}

	return p, nil
}
