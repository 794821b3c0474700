// Package routedb implements the route database: this node's own versioned
// table of reachable overlay destinations, the partial per-peer copies
// assembled from fragmented RouteDatabase packets, and the recomputation
// that turns "who is a direct/complete peer" into a gateway table.
package routedb

import (
	"fmt"
	"net/netip"

	"github.com/wgmeshd/wgmeshd/pkg/wire"
)

// RouteDB is this node's authoritative routing table over the overlay. It
// is monotonically versioned: the version increments whenever the set of
// destinations or their gateways changes.
type RouteDB struct {
	version uint64
	routes  map[netip.Addr]wire.RouteInfo
}

// New returns an empty RouteDB at version 0.
func New() *RouteDB {
	return &RouteDB{routes: make(map[netip.Addr]wire.RouteInfo)}
}

// Version returns the current route database version.
func (d *RouteDB) Version() uint64 { return d.version }

// Entries returns every entry currently in the database, fit for fragmenting
// into outbound RouteDatabase packets.
func (d *RouteDB) Entries() []wire.RouteInfo {
	out := make([]wire.RouteInfo, 0, len(d.routes))
	for _, ri := range d.routes {
		out = append(out, ri)
	}
	return out
}

// Entry returns the current RouteInfo for a destination, and whether one
// exists.
func (d *RouteDB) Entry(dest netip.Addr) (wire.RouteInfo, bool) {
	ri, ok := d.routes[dest]
	return ri, ok
}

// GatewayFor reports the current gateway for a destination, and whether a
// route exists at all. A direct (hop=0) route has no gateway.
func (d *RouteDB) GatewayFor(dest netip.Addr) (gateway netip.Addr, hasGateway, ok bool) {
	ri, found := d.routes[dest]
	if !found {
		return netip.Addr{}, false, false
	}
	if ri.Gateway == nil {
		return netip.Addr{}, false, true
	}
	return *ri.Gateway, true, true
}

// DestinationsVia returns every destination whose current gateway is peer —
// the set of AllowedIPs a WireGuard peer section must carry beyond its own
// overlay address.
func (d *RouteDB) DestinationsVia(peer netip.Addr) []netip.Addr {
	var out []netip.Addr
	for dest, ri := range d.routes {
		if ri.Gateway != nil && *ri.Gateway == peer {
			out = append(out, dest)
		}
	}
	return out
}

// Fragments splits the database into outbound RouteDatabase packets, each
// carrying at most maxEntries entries. maxEntries <= 0 uses DefaultFragmentSize.
func (d *RouteDB) Fragments(myWGIP netip.Addr, maxEntries int) []wire.RouteDatabase {
	if maxEntries <= 0 {
		maxEntries = DefaultFragmentSize
	}

	entries := d.Entries()
	total := uint32(len(entries))

	if total == 0 {
		return []wire.RouteDatabase{{
			WGIP:           myWGIP,
			RouteDBVersion: d.version,
			NrEntries:      0,
			Entries:        nil,
		}}
	}

	var frags []wire.RouteDatabase
	for i := 0; i < len(entries); i += maxEntries {
		end := i + maxEntries
		if end > len(entries) {
			end = len(entries)
		}
		frags = append(frags, wire.RouteDatabase{
			WGIP:           myWGIP,
			RouteDBVersion: d.version,
			NrEntries:      total,
			Entries:        append([]wire.RouteInfo(nil), entries[i:end]...),
		})
	}
	return frags
}

// DefaultFragmentSize is the number of RouteInfo entries packed per outbound
// fragment — a safe upper bound for the control MTU after AEAD framing.
const DefaultFragmentSize = 16

// RouteChangeKind names the kind of mutation recalculation produced.
type RouteChangeKind int

const (
	AddRoute RouteChangeKind = iota
	ReplaceRoute
	DelRoute
)

func (k RouteChangeKind) String() string {
	switch k {
	case AddRoute:
		return "add"
	case ReplaceRoute:
		return "replace"
	case DelRoute:
		return "del"
	default:
		return "unknown"
	}
}

// RouteChange is one diff produced by Recalculate, to be applied to the
// kernel routing table by the device adapter.
type RouteChange struct {
	Kind    RouteChangeKind
	To      netip.Addr
	Gateway *netip.Addr
}

// DirectPeer is a currently-live, directly reachable peer: an input to
// Recalculate describing the set of nodes reachable with zero hops.
type DirectPeer struct {
	WGIP      netip.Addr
	AdminPort uint16
}

// PeerRouteDB is the latest (possibly partial) copy of a peer's RouteDB as
// observed by fragment assembly here.
type PeerRouteDB struct {
	version   uint64
	nrEntries uint32
	routes    map[netip.Addr]wire.RouteInfo
}

// Complete reports whether every entry named by nrEntries has been received.
func (p *PeerRouteDB) Complete() bool {
	return uint32(len(p.routes)) == p.nrEntries
}

// Version returns the version this partial (or complete) database was
// assembled at.
func (p *PeerRouteDB) Version() uint64 { return p.version }

// Entries returns the entries gathered so far.
func (p *PeerRouteDB) Entries() []wire.RouteInfo {
	out := make([]wire.RouteInfo, 0, len(p.routes))
	for _, ri := range p.routes {
		out = append(out, ri)
	}
	return out
}

// Ingest merges one RouteDatabase fragment into existing (which may be nil
// to start a fresh assembly). It returns the resulting PeerRouteDB (nil when
// a version mismatch forces the partial assembly to be discarded), whether
// it is now complete, and a non-nil error describing why a fragment was
// dropped (a version mismatch or a duplicate-complete packet) — the caller
// should log the error at warn level and otherwise ignore it; it is never
// fatal to the peer relationship.
func Ingest(existing *PeerRouteDB, pkt wire.RouteDatabase) (*PeerRouteDB, bool, error) {
	if existing == nil {
		db := &PeerRouteDB{
			version:   pkt.RouteDBVersion,
			nrEntries: pkt.NrEntries,
			routes:    make(map[netip.Addr]wire.RouteInfo, len(pkt.Entries)),
		}
		for _, ri := range pkt.Entries {
			db.routes[ri.Dest] = ri
		}
		return db, db.Complete(), nil
	}

	// A completed copy is superseded wholesale when the peer announces a new
	// version; only a same-version packet into a complete database is a
	// duplicate.
	if existing.Complete() {
		if pkt.RouteDBVersion == existing.version {
			return existing, true, fmt.Errorf("routedb: duplicate packet for an already complete database, dropped")
		}
		return Ingest(nil, pkt)
	}

	// A new merge is not begun on mismatch: the sender re-sends the whole
	// database periodically, and a fresh assembly starting mid-stream would
	// miss the fragments sent before the version bump.
	if pkt.RouteDBVersion != existing.version {
		return nil, false, fmt.Errorf("routedb: version mismatch mid-merge (have %d, got %d), partial database dropped", existing.version, pkt.RouteDBVersion)
	}

	for _, ri := range pkt.Entries {
		existing.routes[ri.Dest] = ri
	}
	return existing, existing.Complete(), nil
}

// Recalculate recomputes the gateway table from the set of directly
// reachable peers plus the transitive routes offered by each peer's
// complete PeerRouteDB, diffs the result against db's current contents, and
// returns the changes (also applying them to db and bumping its version if
// anything changed).
//
// Direct peers always win with hop=0. A transitive route is admitted only
// when its destination is not myWGIP, not itself a direct peer, and its
// declared gateway is neither myWGIP nor a direct peer (those indicate a
// routing loop back through us); among multiple transitive candidates for
// the same destination, the smallest hop count wins.
func Recalculate(db *RouteDB, myWGIP netip.Addr, direct []DirectPeer, peerDBs map[netip.Addr]*PeerRouteDB) []RouteChange {
	newRoutes := make(map[netip.Addr]wire.RouteInfo, len(direct))
	directSet := make(map[netip.Addr]struct{}, len(direct))

	for _, p := range direct {
		newRoutes[p.WGIP] = wire.RouteInfo{Dest: p.WGIP, AdminPort: p.AdminPort, HopCount: 0}
		directSet[p.WGIP] = struct{}{}
	}

	for gateway, peerDB := range peerDBs {
		if !peerDB.Complete() {
			continue
		}
		if _, isDirect := directSet[gateway]; !isDirect {
			continue
		}
		for _, ri := range peerDB.Entries() {
			if ri.Dest == myWGIP {
				continue
			}
			if _, isDirect := directSet[ri.Dest]; isDirect {
				continue
			}
			if ri.Gateway != nil {
				if *ri.Gateway == myWGIP {
					continue
				}
				if _, isDirect := directSet[*ri.Gateway]; isDirect {
					continue
				}
			}

			hopCount := ri.HopCount + 1
			gw := gateway
			candidate := wire.RouteInfo{Dest: ri.Dest, AdminPort: ri.AdminPort, HopCount: hopCount, Gateway: &gw}

			current, exists := newRoutes[ri.Dest]
			if !exists || candidate.HopCount < current.HopCount {
				newRoutes[ri.Dest] = candidate
			}
		}
	}

	var changes []RouteChange

	for dest, ri := range db.routes {
		if _, stillPresent := newRoutes[dest]; !stillPresent {
			changes = append(changes, RouteChange{Kind: DelRoute, To: dest, Gateway: ri.Gateway})
			delete(db.routes, dest)
		}
	}

	for dest, ri := range newRoutes {
		current, exists := db.routes[dest]
		switch {
		case !exists:
			changes = append(changes, RouteChange{Kind: AddRoute, To: dest, Gateway: ri.Gateway})
			db.routes[dest] = ri
		case !gatewayEqual(current.Gateway, ri.Gateway):
			changes = append(changes, RouteChange{Kind: ReplaceRoute, To: dest, Gateway: ri.Gateway})
			db.routes[dest] = ri
		}
	}

	if len(changes) > 0 {
		db.version++
	}

	return changes
}

func gatewayEqual(a, b *netip.Addr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
