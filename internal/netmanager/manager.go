// Package netmanager owns the aggregate mesh state: every known node, this
// node's route database and its peers' partial copies, and the pending
// route-change queue. It is the one place state mutates; the coordinator
// calls into it and dispatches whatever events it returns.
package netmanager

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"strings"
	"sync"

	"github.com/wgmeshd/wgmeshd/internal/config"
	"github.com/wgmeshd/wgmeshd/internal/event"
	"github.com/wgmeshd/wgmeshd/internal/meshnode"
	"github.com/wgmeshd/wgmeshd/internal/metrics"
	"github.com/wgmeshd/wgmeshd/internal/routedb"
	"github.com/wgmeshd/wgmeshd/pkg/wire"
)

// Manager is the aggregate owning all_nodes, the local RouteDB, the
// per-peer PeerRouteDB map, the pending route-change queue, and the cached
// visible WireGuard endpoint. All mutations happen through its methods,
// called sequentially from the coordinator's single-reader loop, so no
// internal locking would be required for that caller — the mutex exists
// only so control/status handlers on another goroutine can read state
// concurrently with the coordinator's event loop.
type Manager struct {
	mu sync.Mutex

	wgIP netip.Addr
	log  *slog.Logger

	routeDB     *routedb.RouteDB
	peerRouteDB map[netip.Addr]*routedb.PeerRouteDB
	allNodes    map[netip.Addr]meshnode.Node

	myVisibleWGEndpoint *netip.AddrPort

	metrics *metrics.Metrics
}

// SetMetrics attaches the collectors ProcessAllNodesEverySecond keeps
// up to date. Passing nil (the default) disables metrics population.
func (m *Manager) SetMetrics(mx *metrics.Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = mx
}

// refreshMetrics recomputes every gauge from the current node/route state.
// Called with m.mu held.
func (m *Manager) refreshMetrics(now int64) {
	if m.metrics == nil {
		return
	}

	var static, dynamic, distant float64
	m.metrics.PeerLastSeenAge.Reset()
	for wgIP, node := range m.allNodes {
		switch n := node.(type) {
		case *meshnode.StaticPeer:
			static++
		case *meshnode.DynamicPeer:
			dynamic++
			m.metrics.PeerLastSeenAge.WithLabelValues(wgIP.String()).Set(float64(now - n.LastSeen))
		case *meshnode.DistantNode:
			distant++
		}
	}
	m.metrics.NodesByVariant.WithLabelValues("static").Set(static)
	m.metrics.NodesByVariant.WithLabelValues("dynamic").Set(dynamic)
	m.metrics.NodesByVariant.WithLabelValues("distant").Set(distant)
	m.metrics.RouteDBVersion.Set(float64(m.routeDB.Version()))
	m.metrics.RouteCount.Set(float64(len(m.routeDB.Entries())))
}

// New builds a Manager seeded with a StaticPeer for every statically
// configured peer other than this node itself.
func New(cfg *config.StaticConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		wgIP:        cfg.WGIP,
		log:         logger.With("component", "netmanager"),
		routeDB:     routedb.New(),
		peerRouteDB: make(map[netip.Addr]*routedb.PeerRouteDB),
		allNodes:    make(map[netip.Addr]meshnode.Node),
	}
	for wgIP, peer := range cfg.Peers {
		if wgIP == cfg.WGIP {
			continue
		}
		m.allNodes[wgIP] = meshnode.NewStaticPeer(peer, logger)
	}
	return m
}

// VisibleWGEndpoint returns this node's last-reported visible WireGuard
// endpoint, as seen by some peer, and whether one has been learned yet.
func (m *Manager) VisibleWGEndpoint() (netip.AddrPort, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.myVisibleWGEndpoint == nil {
		return netip.AddrPort{}, false
	}
	return *m.myVisibleWGEndpoint, true
}

// RouteDBVersion returns the current local route database version.
func (m *Manager) RouteDBVersion() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.routeDB.Version()
}

// NodeCount returns the number of nodes currently tracked, for stats logging.
func (m *Manager) NodeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.allNodes)
}

// AnalyzeAdvertisement processes a freshly received, authenticated
// Advertisement and returns the events it causes. It is the one entry point
// through which a node is created, promoted, or refreshed.
func (m *Manager) AnalyzeAdvertisement(now int64, cfg *config.StaticConfig, ad wire.Advertisement, src netip.AddrPort) []event.Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ad.VisibleWGEndpoint != nil {
		m.myVisibleWGEndpoint = ad.VisibleWGEndpoint
	}

	var events []event.Event
	if existing, ok := m.allNodes[ad.WGIP]; ok {
		replacement, evs := existing.AnalyzeAdvertisement(now, ad, src)
		if replacement != nil {
			m.allNodes[ad.WGIP] = replacement
		}
		events = evs
	} else {
		m.log.Info("advertisement from new peer", "wg_ip", ad.WGIP, "src", src)
		m.allNodes[ad.WGIP] = meshnode.NewDynamicPeerFromAdvertisement(now, ad, src)

		events = []event.Event{
			event.UpdateWireguardConfiguration{},
			event.SendAdvertisement{To: src, AddressedTo: ad.AddressedTo.Reply(), WGIP: ad.WGIP},
			event.UpdateRoutes{},
		}
	}

	// Every advertisement names the sender's current route database version;
	// when the copy assembled here is missing, partial, or older, ask the
	// peer for a (re-)send. The request goes back over the channel the
	// advertisement arrived on.
	if _, isDynamic := m.allNodes[ad.WGIP].(*meshnode.DynamicPeer); isDynamic && m.peerRouteDBOutdated(ad) {
		events = append(events, event.SendRouteDatabaseRequest{To: src})
	}

	return events
}

// peerRouteDBOutdated reports whether the route database assembled for the
// advertising peer is behind the version its advertisement declares. Called
// with m.mu held.
func (m *Manager) peerRouteDBOutdated(ad wire.Advertisement) bool {
	prdb, ok := m.peerRouteDB[ad.WGIP]
	return !ok || !prdb.Complete() || prdb.Version() != ad.RouteDBVersion
}

// ProcessAllNodesEverySecond sweeps every node's per-second behavior,
// collects the events it emits, and removes any node that reports itself
// ok to delete without a route — emitting the batched
// UpdateWireguardConfiguration/UpdateRoutes pair at most once per sweep
// regardless of how many nodes were removed.
func (m *Manager) ProcessAllNodesEverySecond(now int64, cfg *config.StaticConfig) []event.Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	var events []event.Event
	var toDelete []netip.Addr

	for wgIP, node := range m.allNodes {
		if node.OkToDeleteWithoutRoute(now) {
			toDelete = append(toDelete, wgIP)
			continue
		}
		events = append(events, node.ProcessEverySecond(now, cfg)...)
	}

	if len(toDelete) > 0 {
		events = append(events, event.UpdateWireguardConfiguration{}, event.UpdateRoutes{})
		for _, wgIP := range toDelete {
			m.log.Debug("dead peer removed", "wg_ip", wgIP)
			delete(m.allNodes, wgIP)
			delete(m.peerRouteDB, wgIP)
		}
	}

	m.refreshMetrics(now)

	return events
}

// ProvideRouteDatabase fragments this node's current RouteDB into the set of
// RouteDatabase packets needed to enumerate it in full.
func (m *Manager) ProvideRouteDatabase() []wire.RouteDatabase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.routeDB.Fragments(m.wgIP, routedb.DefaultFragmentSize)
}

// ProcessRouteDatabase merges one inbound RouteDatabase fragment from
// sender, logging (at warn) any drop this causes, and returns an
// UpdateRoutes event once the peer's database is complete.
func (m *Manager) ProcessRouteDatabase(pkt wire.RouteDatabase) []event.Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	merged, complete, err := routedb.Ingest(m.peerRouteDB[pkt.WGIP], pkt)
	if err != nil {
		m.log.Warn("route database fragment dropped", "peer", pkt.WGIP, "error", err)
	}
	if merged == nil {
		delete(m.peerRouteDB, pkt.WGIP)
		return nil
	}
	m.peerRouteDB[pkt.WGIP] = merged

	if !complete || err != nil {
		return nil
	}
	return []event.Event{event.UpdateRoutes{}}
}

// ProcessLocalContact feeds a received LocalContact reply to the target
// node's probing state, if the node is still known.
func (m *Manager) ProcessLocalContact(lc wire.LocalContact) {
	m.mu.Lock()
	defer m.mu.Unlock()

	node, ok := m.allNodes[lc.WGIP]
	if !ok {
		return
	}
	if dn, ok := node.(*meshnode.DistantNode); ok {
		dn.ProcessLocalContact(lc)
	}
}

// GetRouteChanges recomputes the gateway table and returns the resulting
// diff, having already applied it to the local RouteDB. Every AddRoute
// naming a destination this node has never heard of directly gets a fresh
// DistantNode in all_nodes, so it starts being probed for local contact and
// eventually upgrades to a DynamicPeer.
func (m *Manager) GetRouteChanges() []routedb.RouteChange {
	m.mu.Lock()
	defer m.mu.Unlock()

	var direct []routedb.DirectPeer
	for wgIP, node := range m.allNodes {
		if dp, ok := node.(*meshnode.DynamicPeer); ok {
			direct = append(direct, routedb.DirectPeer{WGIP: wgIP, AdminPort: dp.AdminPort})
		}
	}

	changes := routedb.Recalculate(m.routeDB, m.wgIP, direct, m.peerRouteDB)

	for _, ch := range changes {
		if ch.Kind != routedb.AddRoute {
			continue
		}
		if _, known := m.allNodes[ch.To]; known {
			continue
		}
		ri, ok := m.routeDB.Entry(ch.To)
		if !ok {
			continue
		}
		m.allNodes[ch.To] = meshnode.NewDistantNode(ri, m.log)
	}

	return changes
}

// PingAllDynamicPeers returns a heartbeat SendAdvertisement event for every
// currently known DynamicPeer, independent of each peer's own per-second
// schedule — used for the startup burst.
func (m *Manager) PingAllDynamicPeers() []event.Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	var events []event.Event
	for wgIP, node := range m.allNodes {
		dp, ok := node.(*meshnode.DynamicPeer)
		if !ok {
			continue
		}
		events = append(events, event.SendAdvertisement{
			To:          netip.AddrPortFrom(wgIP, dp.AdminPort),
			AddressedTo: wire.WireguardAddress,
			WGIP:        wgIP,
		})
	}
	return events
}

// NodeFor returns the node registered under wgIP, if any — used by the
// coordinator to build peer-specific advertisement fields.
func (m *Manager) NodeFor(wgIP netip.Addr) (meshnode.Node, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.allNodes[wgIP]
	return n, ok
}

// wgPeer is one [Peer] section's worth of data gathered for
// ToWireGuardConfig.
type wgPeer struct {
	publicKey  config.Key
	wgIP       netip.Addr
	allowedIPs []netip.Addr
	endpoint   *netip.AddrPort
}

// ToWireGuardConfig renders the WireGuard INI configuration:
// one [Interface] block plus one [Peer] block per DynamicPeer with a known
// public key, its AllowedIPs comprising its own overlay address plus every
// destination the local RouteDB currently routes via that peer.
func (m *Manager) ToWireGuardConfig(cfg *config.StaticConfig) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var peers []wgPeer
	for wgIP, node := range m.allNodes {
		dp, ok := node.(*meshnode.DynamicPeer)
		if !ok {
			continue
		}
		allowed := append([]netip.Addr{wgIP}, m.routeDB.DestinationsVia(wgIP)...)
		peers = append(peers, wgPeer{
			publicKey:  config.Key(dp.PublicKey.Key),
			wgIP:       wgIP,
			allowedIPs: allowed,
			endpoint:   dp.VisibleWGEndpoint,
		})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].wgIP.Less(peers[j].wgIP) })

	var b strings.Builder
	fmt.Fprintf(&b, "[Interface]\nPrivateKey = %s\nListenPort = %d\n", cfg.PrivateKey, cfg.MyWGPort())

	for _, p := range peers {
		b.WriteString("\n[Peer]\n")
		fmt.Fprintf(&b, "PublicKey = %s\n", p.publicKey)
		for _, ip := range p.allowedIPs {
			fmt.Fprintf(&b, "AllowedIPs = %s/32\n", ip)
		}
		if p.endpoint != nil {
			fmt.Fprintf(&b, "EndPoint = %s\n", p.endpoint)
		}
	}

	return b.String()
}

// ReconcileFromDevice updates each DynamicPeer's visible endpoint from the
// kernel's current public-key -> endpoint view, read back after a
// configuration sync.
func (m *Manager) ReconcileFromDevice(pubkeyToEndpoint map[config.Key]netip.AddrPort) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, node := range m.allNodes {
		dp, ok := node.(*meshnode.DynamicPeer)
		if !ok {
			continue
		}
		if ep, ok := pubkeyToEndpoint[config.Key(dp.PublicKey.Key)]; ok {
			dp.VisibleWGEndpoint = &ep
		}
	}
}

// NodeStatus is one row of Status's node listing.
type NodeStatus struct {
	WGIP     netip.Addr
	Variant  string
	LastSeen int64
	Endpoint *netip.AddrPort
}

// Status is a point-in-time snapshot of mesh state, served by the control
// server's /status endpoint.
type Status struct {
	WGIP           netip.Addr
	RouteDBVersion uint64
	RouteCount     int
	Nodes          []NodeStatus
}

// Status returns a snapshot of the current node set and route database,
// for the control/status surface.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		WGIP:           m.wgIP,
		RouteDBVersion: m.routeDB.Version(),
		RouteCount:     len(m.routeDB.Entries()),
		Nodes:          make([]NodeStatus, 0, len(m.allNodes)),
	}

	for wgIP, node := range m.allNodes {
		ns := NodeStatus{WGIP: wgIP}
		switch n := node.(type) {
		case *meshnode.StaticPeer:
			ns.Variant = "static"
		case *meshnode.DynamicPeer:
			ns.Variant = "dynamic"
			ns.LastSeen = n.LastSeen
			ns.Endpoint = n.VisibleWGEndpoint
		case *meshnode.DistantNode:
			ns.Variant = "distant"
		}
		st.Nodes = append(st.Nodes, ns)
	}
	sort.Slice(st.Nodes, func(i, j int) bool { return st.Nodes[i].WGIP.Less(st.Nodes[j].WGIP) })

	return st
}
