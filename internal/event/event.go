// Package event defines the typed events dispatched through the
// coordinator's single-reader run loop. It exists as its own package,
// separate from both internal/meshnode (which produces events as the
// result of processing a node) and internal/coordinator (which consumes
// them), so neither of those packages needs to import the other.
package event

import (
	"net/netip"

	"github.com/wgmeshd/wgmeshd/pkg/wire"
)

// Event is implemented by every event variant dispatched through the run
// loop. The unexported marker method keeps it sealed to this package.
type Event interface {
	isEvent()
}

// Udp carries a single datagram received on the mesh UDP socket, already
// decrypted and authenticated, still in its wire-encoded packet form.
type Udp struct {
	Packet wire.Packet
	Src    netip.AddrPort
}

func (Udp) isEvent() {}

// UpdateWireguardConfiguration asks the coordinator to push the current
// peer set and AllowedIPs down to the kernel (or userspace) WireGuard
// device.
type UpdateWireguardConfiguration struct{}

func (UpdateWireguardConfiguration) isEvent() {}

// ReadWireguardConfiguration asks the coordinator to read the live device
// state back (each peer's current endpoint) and feed it into node
// reconciliation.
type ReadWireguardConfiguration struct{}

func (ReadWireguardConfiguration) isEvent() {}

// CtrlC signals that an interrupt was received and the run loop should wind
// down cleanly.
type CtrlC struct{}

func (CtrlC) isEvent() {}

// SendAdvertisement asks the coordinator to encode and send an
// Advertisement packet to the given destination over the given channel.
type SendAdvertisement struct {
	To          netip.AddrPort
	AddressedTo wire.AddressedTo
	WGIP        netip.Addr
}

func (SendAdvertisement) isEvent() {}

// SendAdvertisementToPublicPeers asks the coordinator to broadcast an
// Advertisement to every statically configured public peer, used on
// startup.
type SendAdvertisementToPublicPeers struct{}

func (SendAdvertisementToPublicPeers) isEvent() {}

// SendPingToAllDynamicPeers asks the coordinator to send a heartbeat
// Advertisement to every currently known DynamicPeer, independent of each
// peer's own per-second schedule — used for the startup burst.
type SendPingToAllDynamicPeers struct{}

func (SendPingToAllDynamicPeers) isEvent() {}

// SendRouteDatabaseRequest asks a peer to send its route database.
type SendRouteDatabaseRequest struct {
	To netip.AddrPort
}

func (SendRouteDatabaseRequest) isEvent() {}

// SendRouteDatabase asks the coordinator to fragment and send this node's
// route database to a peer.
type SendRouteDatabase struct {
	To netip.AddrPort
}

func (SendRouteDatabase) isEvent() {}

// SendLocalContactRequest asks a peer to report its LAN-local contact
// details (used to discover a same-LAN shortcut to a distant node).
type SendLocalContactRequest struct {
	To netip.AddrPort
}

func (SendLocalContactRequest) isEvent() {}

// SendLocalContact asks the coordinator to send this node's own local
// contact details to a peer that requested them.
type SendLocalContact struct {
	To netip.AddrPort
}

func (SendLocalContact) isEvent() {}

// CheckAndRemoveDeadDynamicPeers asks the coordinator to sweep all known
// nodes for staleness and remove the ones that are ok to delete.
type CheckAndRemoveDeadDynamicPeers struct{}

func (CheckAndRemoveDeadDynamicPeers) isEvent() {}

// UpdateRoutes asks the coordinator to recompute the route database and
// apply any resulting kernel route changes.
type UpdateRoutes struct{}

func (UpdateRoutes) isEvent() {}

// TimerTick1s is emitted once a second and drives every node's
// per-second processing plus the periodic housekeeping events above.
type TimerTick1s struct{}

func (TimerTick1s) isEvent() {}
