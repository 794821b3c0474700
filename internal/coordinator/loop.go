// Package coordinator runs the single-reader event loop that ties the
// authenticated UDP transports, the network manager, and the device
// adapter together: it is the only thing that ever mutates the kernel
// WireGuard device or route table, and the only thing that ever sends a
// packet, serializing all of that through one buffered event channel.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/wgmeshd/wgmeshd/internal/config"
	"github.com/wgmeshd/wgmeshd/internal/control"
	"github.com/wgmeshd/wgmeshd/internal/cryptudp"
	"github.com/wgmeshd/wgmeshd/internal/device"
	"github.com/wgmeshd/wgmeshd/internal/event"
	"github.com/wgmeshd/wgmeshd/internal/meshnode"
	"github.com/wgmeshd/wgmeshd/internal/metrics"
	"github.com/wgmeshd/wgmeshd/internal/netmanager"
	"github.com/wgmeshd/wgmeshd/internal/routedb"
	"github.com/wgmeshd/wgmeshd/pkg/wire"
)

// eventQueueSize is the depth of the buffered event channel. A full queue
// means the loop is falling behind; events are dropped and logged rather
// than blocking the dispatcher against itself.
const eventQueueSize = 256

// Coordinator owns the admin-port transports and drives the run loop.
type Coordinator struct {
	cfg *config.StaticConfig
	mgr *netmanager.Manager
	dev device.Device
	log *slog.Logger

	v4 *cryptudp.Transport
	v6 *cryptudp.Transport

	metrics *metrics.Metrics
	ctrl    *control.Server

	events  chan event.Event
	cancel  context.CancelFunc
	closing atomic.Bool
	tickCnt uint64
}

// SetMetrics attaches the Prometheus collectors this coordinator keeps up
// to date as it sends and drops packets. Also hands the same collectors to
// the network manager so its per-tick sweep can populate the node/route
// gauges.
func (c *Coordinator) SetMetrics(mx *metrics.Metrics) {
	c.metrics = mx
	c.mgr.SetMetrics(mx)
}

// SetControlServer attaches the Unix-socket status/metrics server this
// coordinator starts and stops alongside its own lifecycle.
func (c *Coordinator) SetControlServer(s *control.Server) {
	c.ctrl = s
}

// New builds a Coordinator. Run must be called to bind the transports and
// start processing.
func New(cfg *config.StaticConfig, mgr *netmanager.Manager, dev device.Device, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:    cfg,
		mgr:    mgr,
		dev:    dev,
		log:    logger.With("component", "coordinator"),
		events: make(chan event.Event, eventQueueSize),
	}
}

// Run binds the admin transports, primes the WireGuard device, and blocks
// processing events until ctx is cancelled or an interrupt is received.
func (c *Coordinator) Run(ctx context.Context) error {
	v4, err := cryptudp.Bind(netip.AddrPortFrom(netip.IPv4Unspecified(), c.cfg.AdminPort))
	if err != nil {
		return fmt.Errorf("coordinator: binding ipv4 admin socket: %w", err)
	}
	if err := v4.Key(c.cfg.SharedKey[:]); err != nil {
		v4.Close()
		return fmt.Errorf("coordinator: keying ipv4 admin socket: %w", err)
	}

	// The v6 socket is best-effort: a v4-only host still runs the mesh, it
	// just cannot probe distant nodes over the mapped-v6 tunnel path.
	v6, err := cryptudp.Bind(netip.AddrPortFrom(netip.IPv6Unspecified(), c.cfg.AdminPort))
	if err != nil {
		c.log.Warn("binding ipv6 admin socket, continuing v4-only", "error", err)
		v6 = nil
	} else if err := v6.Key(c.cfg.SharedKey[:]); err != nil {
		v4.Close()
		v6.Close()
		return fmt.Errorf("coordinator: keying ipv6 admin socket: %w", err)
	}
	c.v4, c.v6 = v4, v6

	if err := c.primeDevice(); err != nil {
		v4.Close()
		if v6 != nil {
			v6.Close()
		}
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt)
	c.cancel = cancel
	defer cancel()

	if c.ctrl != nil {
		if err := c.ctrl.Start(); err != nil {
			c.log.Warn("starting control server", "error", err)
		}
	}

	go c.recvPump(c.v4)
	if c.v6 != nil {
		go c.recvPump(c.v6)
	}
	go c.tick(ctx)

	c.enqueue(event.SendAdvertisementToPublicPeers{})
	c.enqueue(event.SendPingToAllDynamicPeers{})

	for {
		select {
		case <-ctx.Done():
			return c.shutdown()
		case ev := <-c.events:
			c.dispatch(ev)
		}
	}
}

// primeDevice brings the WireGuard interface up (creating it unless the
// configuration says to reuse one already present), assigns the overlay
// address, and pushes the initial (likely peerless) configuration.
func (c *Coordinator) primeDevice() error {
	exists, err := c.dev.CheckDevice()
	if err != nil {
		return fmt.Errorf("coordinator: checking device: %w", err)
	}

	switch {
	case exists && c.cfg.UseExistingInterface:
		if err := c.dev.FlushAll(); err != nil {
			return fmt.Errorf("coordinator: flushing existing device state: %w", err)
		}
	case exists:
		return fmt.Errorf("coordinator: interface %s already exists and useExistingInterface is false", c.cfg.WGName)
	default:
		if err := c.dev.CreateDevice(); err != nil {
			return fmt.Errorf("coordinator: creating device: %w", err)
		}
	}

	if err := c.dev.SetIP(c.cfg.WGIP, c.cfg.Subnet); err != nil {
		return fmt.Errorf("coordinator: setting device address: %w", err)
	}
	if err := c.dev.SetConf(c.mgr.ToWireGuardConfig(c.cfg)); err != nil {
		return fmt.Errorf("coordinator: setting initial wireguard configuration: %w", err)
	}
	return nil
}

func (c *Coordinator) shutdown() error {
	c.closing.Store(true)
	c.log.Info("shutting down")
	if c.ctrl != nil {
		if err := c.ctrl.Stop(); err != nil {
			c.log.Warn("stopping control server", "error", err)
		}
	}
	c.v4.Close()
	if c.v6 != nil {
		c.v6.Close()
	}
	if !c.cfg.UseExistingInterface {
		if err := c.dev.TakeDownDevice(); err != nil {
			c.log.Warn("tearing down device", "error", err)
		}
	}
	return nil
}

// recvPump reads and decodes datagrams from t until the transport is
// closed, enqueueing one event.Udp per successfully decoded packet.
func (c *Coordinator) recvPump(t *cryptudp.Transport) {
	for {
		payload, src, err := t.Recv()
		if err != nil {
			if c.closing.Load() {
				return
			}
			c.log.Warn("receiving frame", "error", err)
			if c.metrics != nil {
				c.metrics.PacketsDropped.WithLabelValues("transport").Inc()
			}
			continue
		}

		pkt, err := wire.Decode(payload)
		if err != nil {
			c.log.Warn("decoding packet", "src", src, "error", err)
			if c.metrics != nil {
				c.metrics.PacketsDropped.WithLabelValues("codec").Inc()
			}
			continue
		}

		c.enqueue(event.Udp{Packet: pkt, Src: normalizeSrc(src)})
	}
}

func (c *Coordinator) tick(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.enqueue(event.TimerTick1s{})
		}
	}
}

// enqueue pushes ev onto the event channel without blocking. A full queue
// means the dispatcher is behind; dropping and logging beats a deadlock
// against the very goroutine that drains it.
func (c *Coordinator) enqueue(ev event.Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn("event queue full, dropping event", "type", fmt.Sprintf("%T", ev))
	}
}

func (c *Coordinator) dispatch(ev event.Event) {
	switch e := ev.(type) {
	case event.Udp:
		c.handleUdp(e.Packet, e.Src)
	case event.UpdateWireguardConfiguration:
		c.updateWireguardConfiguration()
	case event.ReadWireguardConfiguration:
		c.readWireguardConfiguration()
	case event.CtrlC:
		if c.cancel != nil {
			c.cancel()
		}
	case event.SendAdvertisement:
		c.sendAdvertisement(e)
	case event.SendAdvertisementToPublicPeers:
		c.sendAdvertisementToPublicPeers()
	case event.SendPingToAllDynamicPeers:
		for _, pe := range c.mgr.PingAllDynamicPeers() {
			c.enqueue(pe)
		}
	case event.SendRouteDatabaseRequest:
		c.sendPacket(&wire.RouteDatabaseRequest{}, e.To)
	case event.SendRouteDatabase:
		c.sendRouteDatabase(e.To)
	case event.SendLocalContactRequest:
		c.sendPacket(&wire.LocalContactRequest{}, e.To)
	case event.SendLocalContact:
		c.sendLocalContact(e.To)
	case event.CheckAndRemoveDeadDynamicPeers:
		now := time.Now().Unix()
		for _, pe := range c.mgr.ProcessAllNodesEverySecond(now, c.cfg) {
			c.enqueue(pe)
		}
	case event.UpdateRoutes:
		c.applyRouteChanges()
	case event.TimerTick1s:
		if c.tickCnt%30 == 2 {
			c.log.Info("mesh stats", "nodes", c.mgr.NodeCount(), "routedb_version", c.mgr.RouteDBVersion())
		}
		c.tickCnt++
		c.enqueue(event.CheckAndRemoveDeadDynamicPeers{})
	default:
		c.log.Warn("unhandled event", "type", fmt.Sprintf("%T", ev))
	}
}

func (c *Coordinator) handleUdp(pkt wire.Packet, src netip.AddrPort) {
	now := time.Now().Unix()
	switch p := pkt.(type) {
	case *wire.Advertisement:
		for _, pe := range c.mgr.AnalyzeAdvertisement(now, c.cfg, *p, src) {
			c.enqueue(pe)
		}
	case *wire.RouteDatabaseRequest:
		// Route databases travel over v4 only; a v6 requester has no v4
		// return channel to answer on.
		if !src.Addr().Is4() {
			c.log.Warn("route database request from non-IPv4 source ignored", "src", src)
			return
		}
		c.enqueue(event.SendRouteDatabase{To: src})
	case *wire.RouteDatabase:
		for _, pe := range c.mgr.ProcessRouteDatabase(*p) {
			c.enqueue(pe)
		}
	case *wire.LocalContactRequest:
		c.enqueue(event.SendLocalContact{To: src})
	case *wire.LocalContact:
		c.mgr.ProcessLocalContact(*p)
	default:
		c.log.Warn("unhandled packet kind", "kind", pkt.Kind(), "src", src)
	}
}

// normalizeSrc maps an IPv4-mapped IPv6 source back to plain IPv4, so a
// packet arriving on the v6 socket from a v4 peer is handled as v4.
func normalizeSrc(src netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(src.Addr().Unmap(), src.Port())
}

// transportFor picks the admin transport matching to's address family. A
// WireguardV6Address destination is already the mapped-v6 address, so this
// needs no separate case: it is simply an IPv6 "to".
func (c *Coordinator) transportFor(to netip.AddrPort) *cryptudp.Transport {
	if to.Addr().Is6() && c.v6 != nil {
		return c.v6
	}
	return c.v4
}

func (c *Coordinator) sendPacket(p wire.Packet, to netip.AddrPort) {
	payload, err := wire.Encode(p)
	if err != nil {
		c.log.Error("encoding packet", "kind", p.Kind(), "error", err)
		return
	}
	if err := c.transportFor(to).Send(payload, to); err != nil {
		c.log.Warn("sending packet", "kind", p.Kind(), "to", to, "error", err)
	}
}

// sendAdvertisement builds and sends an Advertisement naming this node,
// echoing back the recipient's (ev.WGIP's) last known visible WireGuard
// endpoint so it can learn its own reflexive address without a STUN-like
// server.
func (c *Coordinator) sendAdvertisement(ev event.SendAdvertisement) {
	var visible *netip.AddrPort
	if n, ok := c.mgr.NodeFor(ev.WGIP); ok {
		visible = visibleEndpointOf(n)
	}

	ad := wire.Advertisement{
		WGIP:              c.cfg.WGIP,
		PublicKey:         wire.PublicKeyWithTime{Key: [32]byte(c.cfg.PublicKey.Key), CreatedAt: c.cfg.PublicKey.CreatedAt},
		AdminPort:         c.cfg.MyAdminPort(),
		IPList:            c.cfg.IPList,
		AddressedTo:       ev.AddressedTo,
		Name:              c.cfg.Name,
		RouteDBVersion:    c.mgr.RouteDBVersion(),
		VisibleWGEndpoint: visible,
	}
	c.sendPacket(&ad, ev.To)
	if c.metrics != nil {
		c.metrics.AdvertisementsTX.Inc()
	}
}

func (c *Coordinator) sendAdvertisementToPublicPeers() {
	for wgIP, peer := range c.cfg.Peers {
		if wgIP == c.cfg.WGIP {
			continue
		}
		addrs, err := peer.ResolvePublicIP()
		if err != nil {
			c.log.Warn("resolving static peer endpoint", "peer", peer.PublicIP, "error", err)
			continue
		}
		for _, a := range addrs {
			c.enqueue(event.SendAdvertisement{
				To:          netip.AddrPortFrom(a, peer.AdminPort),
				AddressedTo: wire.StaticAddress,
				WGIP:        wgIP,
			})
		}
	}
}

func (c *Coordinator) sendRouteDatabase(to netip.AddrPort) {
	for _, frag := range c.mgr.ProvideRouteDatabase() {
		f := frag
		c.sendPacket(&f, to)
	}
}

func (c *Coordinator) sendLocalContact(to netip.AddrPort) {
	var ep *netip.AddrPort
	if v, ok := c.mgr.VisibleWGEndpoint(); ok {
		ep = &v
	}
	lc := wire.LocalContact{
		WGIP:              c.cfg.WGIP,
		PublicKey:         wire.PublicKeyWithTime{Key: [32]byte(c.cfg.PublicKey.Key), CreatedAt: c.cfg.PublicKey.CreatedAt},
		AdminPort:         c.cfg.MyAdminPort(),
		IPList:            c.cfg.IPList,
		VisibleWGEndpoint: ep,
	}
	c.sendPacket(&lc, to)
}

func (c *Coordinator) updateWireguardConfiguration() {
	if err := c.dev.SyncConf(c.mgr.ToWireGuardConfig(c.cfg)); err != nil {
		c.log.Error("syncing wireguard configuration", "error", err)
		return
	}
	c.enqueue(event.ReadWireguardConfiguration{})
}

func (c *Coordinator) readWireguardConfiguration() {
	eps, err := c.dev.RetrieveConf()
	if err != nil {
		c.log.Warn("reading back wireguard configuration", "error", err)
		return
	}
	c.mgr.ReconcileFromDevice(eps)
}

// visibleEndpointOf returns the node's last observed visible WireGuard
// endpoint, if it tracks one — only a DynamicPeer does.
func visibleEndpointOf(n meshnode.Node) *netip.AddrPort {
	if dp, ok := n.(*meshnode.DynamicPeer); ok {
		return dp.VisibleWGEndpoint
	}
	return nil
}

// applyRouteChanges drains the pending route diff into the kernel and then
// re-syncs the WireGuard configuration, since a gateway change moves
// AllowedIPs between peers.
func (c *Coordinator) applyRouteChanges() {
	for _, ch := range c.mgr.GetRouteChanges() {
		var err error
		switch ch.Kind {
		case routedb.AddRoute:
			err = c.dev.AddRoute(ch.To, ch.Gateway)
		case routedb.ReplaceRoute:
			err = c.dev.ReplaceRoute(ch.To, ch.Gateway)
		case routedb.DelRoute:
			err = c.dev.DelRoute(ch.To, ch.Gateway)
		}
		if err != nil {
			c.log.Warn("applying route change", "kind", ch.Kind, "to", ch.To, "error", err)
		}
	}
	c.enqueue(event.UpdateWireguardConfiguration{})
}
