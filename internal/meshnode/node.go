// Package meshnode implements the per-peer node state machine: the three
// node variants (StaticPeer, DynamicPeer, DistantNode) that together model
// everything this process knows about another node in the mesh, and their
// per-second behavior and promotion rules.
package meshnode

import (
	"log/slog"
	"net/netip"

	"github.com/wgmeshd/wgmeshd/internal/config"
	"github.com/wgmeshd/wgmeshd/internal/event"
	"github.com/wgmeshd/wgmeshd/pkg/wire"
)

// nat64Prefix is the RFC 6052 well-known prefix used to embed an overlay
// IPv4 address as an IPv6 destination when probing a DistantNode over the
// tunnel's IPv6 path.
var nat64Prefix = netip.MustParseAddr("64:ff9b::")

func mapToIPv6(v4 netip.Addr) netip.Addr {
	b := nat64Prefix.As16()
	v4b := v4.As4()
	copy(b[12:], v4b[:])
	return netip.AddrFrom16(b)
}

// Node is implemented by all three node variants. Promotion between
// variants (StaticPeer/DistantNode → DynamicPeer) is handled by returning a
// non-nil replacement from AnalyzeAdvertisement; the manager swaps the map
// entry rather than mutating a node in place.
type Node interface {
	// WGIP returns the node's overlay IPv4 address.
	WGIP() netip.Addr

	// ProcessEverySecond runs this node's per-tick behavior and returns any
	// events it wants dispatched.
	ProcessEverySecond(now int64, cfg *config.StaticConfig) []event.Event

	// OkToDeleteWithoutRoute reports whether this node may be removed even
	// though no RouteDB entry currently points at it.
	OkToDeleteWithoutRoute(now int64) bool

	// AnalyzeAdvertisement processes a valid Advertisement addressed to
	// this node's wg_ip, returning a replacement node if this causes a
	// promotion (nil otherwise) and any events to dispatch as a result.
	AnalyzeAdvertisement(now int64, ad wire.Advertisement, src netip.AddrPort) (replacement Node, events []event.Event)
}

// promotionEvents is the event sequence emitted whenever a node is promoted
// to a DynamicPeer by a freshly received Advertisement: the tunnel peer list
// needs to pick up the new peer, a reply goes back over the channel the
// advertisement arrived on (the tunnel may not exist yet), and routes are
// recomputed to include the new direct peer.
func promotionEvents(wgIP netip.Addr, ad wire.Advertisement, src netip.AddrPort) []event.Event {
	return []event.Event{
		event.UpdateWireguardConfiguration{},
		event.SendAdvertisement{To: src, AddressedTo: ad.AddressedTo.Reply(), WGIP: wgIP},
		event.UpdateRoutes{},
	}
}

// StaticPeer is a peer known from configuration, not yet contacted.
type StaticPeer struct {
	peer      config.PublicPeer
	alive     bool
	countdown int
	logger    *slog.Logger
}

// NewStaticPeer returns a StaticPeer seeded from a configured PublicPeer.
func NewStaticPeer(peer config.PublicPeer, logger *slog.Logger) *StaticPeer {
	if logger == nil {
		logger = slog.Default()
	}
	return &StaticPeer{peer: peer, logger: logger}
}

func (s *StaticPeer) WGIP() netip.Addr { return s.peer.WGIP }

// ProcessEverySecond resolves the peer's public endpoint and emits a
// static-address Advertisement on its first tick, then re-arms a 60-tick
// countdown (so attempts are 61 ticks apart) until the peer goes alive.
// Resolution happens here, not at config load, so dynamic-DNS endpoints are
// re-resolved on every attempt.
func (s *StaticPeer) ProcessEverySecond(now int64, cfg *config.StaticConfig) []event.Event {
	if s.alive {
		return nil
	}

	if s.countdown > 0 {
		s.countdown--
		return nil
	}
	s.countdown = 60

	addrs, err := s.peer.ResolvePublicIP()
	if err != nil {
		s.logger.Warn("cannot resolve static peer endpoint", "peer", s.peer.PublicIP, "error", err)
		return nil
	}

	events := make([]event.Event, 0, len(addrs))
	for _, a := range addrs {
		events = append(events, event.SendAdvertisement{
			To:          netip.AddrPortFrom(a, s.peer.AdminPort),
			AddressedTo: wire.StaticAddress,
			WGIP:        s.peer.WGIP,
		})
	}
	return events
}

// OkToDeleteWithoutRoute is always false: static peers are never removed,
// they are reconfigured away.
func (s *StaticPeer) OkToDeleteWithoutRoute(now int64) bool { return false }

// AnalyzeAdvertisement promotes a StaticPeer to a DynamicPeer on its first
// valid advertisement.
func (s *StaticPeer) AnalyzeAdvertisement(now int64, ad wire.Advertisement, src netip.AddrPort) (Node, []event.Event) {
	s.alive = true
	dp := NewDynamicPeerFromAdvertisement(now, ad, src)
	return dp, promotionEvents(dp.WGIP(), ad, src)
}

// DynamicPeer is a peer from which a valid advertisement has been received.
type DynamicPeer struct {
	wgIP              netip.Addr
	PublicKey         wire.PublicKeyWithTime
	Name              string
	AdminPort         uint16
	LastSeen          int64
	VisibleWGEndpoint *netip.AddrPort

	// LocalAdminEndpoint is the peer's admin endpoint on a shared LAN, known
	// once an advertisement has arrived over a LocalAddress channel.
	LocalAdminEndpoint *netip.AddrPort
}

// NewDynamicPeerFromAdvertisement builds a DynamicPeer from a freshly
// received Advertisement arriving from src.
func NewDynamicPeerFromAdvertisement(now int64, ad wire.Advertisement, src netip.AddrPort) *DynamicPeer {
	dp := &DynamicPeer{
		wgIP:              ad.WGIP,
		PublicKey:         ad.PublicKey,
		Name:              ad.Name,
		AdminPort:         ad.AdminPort,
		LastSeen:          now,
		VisibleWGEndpoint: ad.VisibleWGEndpoint,
	}
	if ad.AddressedTo == wire.LocalAddress {
		dp.LocalAdminEndpoint = &src
	}
	return dp
}

func (d *DynamicPeer) WGIP() netip.Addr { return d.wgIP }

// ProcessEverySecond emits a heartbeat Advertisement over the tunnel every
// 30 seconds, phased on dt%30==29 so the fourth heartbeat lands just inside
// the 120-second liveness window even when every earlier one is lost.
func (d *DynamicPeer) ProcessEverySecond(now int64, cfg *config.StaticConfig) []event.Event {
	dt := now - d.LastSeen
	if dt%30 != 29 {
		return nil
	}
	return []event.Event{event.SendAdvertisement{
		To:          netip.AddrPortFrom(d.wgIP, d.AdminPort),
		AddressedTo: wire.WireguardAddress,
		WGIP:        d.wgIP,
	}}
}

// OkToDeleteWithoutRoute is true once more than 120s have passed since the
// last advertisement.
func (d *DynamicPeer) OkToDeleteWithoutRoute(now int64) bool {
	return now-d.LastSeen > 120
}

// AnalyzeAdvertisement refreshes lastseen. lastseen is monotonically
// non-decreasing: an out-of-order or replayed-within-window advertisement
// never moves it backward.
func (d *DynamicPeer) AnalyzeAdvertisement(now int64, ad wire.Advertisement, src netip.AddrPort) (Node, []event.Event) {
	if now > d.LastSeen {
		d.LastSeen = now
	}
	if ad.VisibleWGEndpoint != nil {
		d.VisibleWGEndpoint = ad.VisibleWGEndpoint
	}
	if ad.AddressedTo == wire.LocalAddress {
		d.LocalAdminEndpoint = &src
	}
	return nil, nil
}

// DistantNode is a node learned only via a route-database entry, never
// directly contacted, until it is probed enough to upgrade.
type DistantNode struct {
	wgIP      netip.Addr
	adminPort uint16

	staticChecked bool
	isStaticPeer  bool

	publicKey *wire.PublicKeyWithTime
	knownInS  int64

	localIPList     []netip.Addr
	localAdminPort  *uint16
	visibleEndpoint *netip.AddrPort

	sendCount                int
	canSendToVisibleEndpoint bool

	logger *slog.Logger
}

// NewDistantNode builds a DistantNode from a RouteInfo entry naming it as a
// newly discovered destination.
func NewDistantNode(ri wire.RouteInfo, logger *slog.Logger) *DistantNode {
	if logger == nil {
		logger = slog.Default()
	}
	return &DistantNode{wgIP: ri.Dest, adminPort: ri.AdminPort, logger: logger}
}

func (n *DistantNode) WGIP() netip.Addr { return n.wgIP }

// ProcessEverySecond probes for enough detail to either confirm the node is
// itself a static peer (in which case static polling already covers it and
// nothing further happens here) or to learn its local IP list, public key,
// and visible endpoint well enough to start sending it tunnel and LAN
// advertisements.
func (n *DistantNode) ProcessEverySecond(now int64, cfg *config.StaticConfig) []event.Event {
	n.knownInS++

	if !n.staticChecked {
		n.staticChecked = true
		_, n.isStaticPeer = cfg.Peers[n.wgIP]
	}
	if n.isStaticPeer {
		return nil
	}

	var events []event.Event

	if n.localIPList == nil || n.publicKey == nil || n.visibleEndpoint == nil {
		if n.knownInS%60 == 0 || n.knownInS < 5 {
			events = append(events, event.SendLocalContactRequest{
				To: netip.AddrPortFrom(n.wgIP, n.adminPort),
			})
		}
	} else if n.localAdminPort != nil {
		events = append(events, event.SendAdvertisement{
			To:          netip.AddrPortFrom(mapToIPv6(n.wgIP), *n.localAdminPort),
			AddressedTo: wire.WireguardV6Address,
			WGIP:        n.wgIP,
		})
	}

	if n.sendCount < 100 && n.localIPList != nil && n.localAdminPort != nil {
		n.sendCount++
		for _, ip := range n.localIPList {
			if !ip.Is4() || ip == n.wgIP {
				continue
			}
			events = append(events, event.SendAdvertisement{
				To:          netip.AddrPortFrom(ip, *n.localAdminPort),
				AddressedTo: wire.LocalAddress,
				WGIP:        n.wgIP,
			})
		}
	}

	canSend := n.publicKey != nil && n.visibleEndpoint != nil
	if canSend && !n.canSendToVisibleEndpoint {
		n.canSendToVisibleEndpoint = true
		events = append(events, event.UpdateWireguardConfiguration{})
	}

	return events
}

// OkToDeleteWithoutRoute is true once a distant node has been known for
// more than 10s without a route ever materializing to it.
func (n *DistantNode) OkToDeleteWithoutRoute(now int64) bool {
	return n.knownInS > 10
}

// AnalyzeAdvertisement promotes a DistantNode to a DynamicPeer the moment it
// is contacted directly (rather than learned only via a route database).
func (n *DistantNode) AnalyzeAdvertisement(now int64, ad wire.Advertisement, src netip.AddrPort) (Node, []event.Event) {
	dp := NewDynamicPeerFromAdvertisement(now, ad, src)
	return dp, promotionEvents(dp.WGIP(), ad, src)
}

// ProcessLocalContact records the detail carried by a LocalContact reply,
// which is how a DistantNode eventually learns enough to be probed over the
// tunnel or the LAN.
func (n *DistantNode) ProcessLocalContact(lc wire.LocalContact) {
	n.localIPList = lc.IPList
	n.localAdminPort = &lc.AdminPort
	n.visibleEndpoint = lc.VisibleWGEndpoint
	pk := lc.PublicKey
	n.publicKey = &pk
}

// PublicKey returns the node's known public key, if any.
func (n *DistantNode) PublicKey() (wire.PublicKeyWithTime, bool) {
	if n.publicKey == nil {
		return wire.PublicKeyWithTime{}, false
	}
	return *n.publicKey, true
}
