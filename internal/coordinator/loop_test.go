package coordinator

import (
	"net/netip"
	"testing"
	"time"

	"github.com/wgmeshd/wgmeshd/internal/config"
	"github.com/wgmeshd/wgmeshd/internal/cryptudp"
	"github.com/wgmeshd/wgmeshd/internal/event"
	"github.com/wgmeshd/wgmeshd/internal/meshnode"
	"github.com/wgmeshd/wgmeshd/internal/netmanager"
	"github.com/wgmeshd/wgmeshd/pkg/wire"
)

// fakeDevice records every adapter call so tests can assert on the side
// effects the run loop produces without touching the kernel.
type fakeDevice struct {
	syncConfs  []string
	setConfs   []string
	addRoutes  []netip.Addr
	delRoutes  []netip.Addr
	replRoutes []netip.Addr
	endpoints  map[config.Key]netip.AddrPort
}

func (f *fakeDevice) CheckDevice() (bool, error) { return false, nil }
func (f *fakeDevice) CreateDevice() error        { return nil }
func (f *fakeDevice) TakeDownDevice() error      { return nil }

func (f *fakeDevice) SetIP(ip netip.Addr, subnet netip.Prefix) error { return nil }

func (f *fakeDevice) AddRoute(host netip.Addr, gateway *netip.Addr) error {
	f.addRoutes = append(f.addRoutes, host)
	return nil
}

func (f *fakeDevice) ReplaceRoute(host netip.Addr, gateway *netip.Addr) error {
	f.replRoutes = append(f.replRoutes, host)
	return nil
}

func (f *fakeDevice) DelRoute(host netip.Addr, gateway *netip.Addr) error {
	f.delRoutes = append(f.delRoutes, host)
	return nil
}

func (f *fakeDevice) FlushAll() error { return nil }

func (f *fakeDevice) SetConf(iniText string) error {
	f.setConfs = append(f.setConfs, iniText)
	return nil
}

func (f *fakeDevice) SyncConf(iniText string) error {
	f.syncConfs = append(f.syncConfs, iniText)
	return nil
}

func (f *fakeDevice) RetrieveConf() (map[config.Key]netip.AddrPort, error) {
	return f.endpoints, nil
}

func (f *fakeDevice) CreateKeyPair() (config.Key, config.Key, error) {
	priv, err := config.GeneratePrivateKey()
	if err != nil {
		return config.Key{}, config.Key{}, err
	}
	return priv, config.PublicKey(priv), nil
}

func testSetup(t *testing.T) (*Coordinator, *fakeDevice, *config.StaticConfig, *cryptudp.Transport) {
	t.Helper()

	priv, err := config.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	var shared [config.SharedKeySize]byte
	for i := range shared {
		shared[i] = byte(i)
	}
	cfg := &config.StaticConfig{
		Name:       "node-a",
		WGIP:       netip.MustParseAddr("10.1.1.1"),
		WGName:     "wgtest0",
		WGPort:     51820,
		AdminPort:  0,
		Subnet:     netip.MustParsePrefix("10.1.1.0/24"),
		SharedKey:  shared,
		PrivateKey: priv,
		PublicKey:  config.NewPublicKeyWithTime(priv, 1),
		Peers:      map[netip.Addr]config.PublicPeer{},
	}

	dev := &fakeDevice{}
	mgr := netmanager.New(cfg, nil)
	co := New(cfg, mgr, dev, nil)

	v4, err := cryptudp.Bind(netip.MustParseAddrPort("127.0.0.1:0"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { v4.Close() })
	if err := v4.Key(shared[:]); err != nil {
		t.Fatal(err)
	}
	co.v4, co.v6 = v4, v4

	peer, err := cryptudp.Bind(netip.MustParseAddrPort("127.0.0.1:0"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { peer.Close() })
	if err := peer.Key(shared[:]); err != nil {
		t.Fatal(err)
	}

	return co, dev, cfg, peer
}

// drain dispatches queued events until the channel is empty.
func drain(c *Coordinator) {
	for {
		select {
		case ev := <-c.events:
			c.dispatch(ev)
		default:
			return
		}
	}
}

func recvWithTimeout(t *testing.T, tr *cryptudp.Transport) wire.Packet {
	t.Helper()

	type result struct {
		pkt wire.Packet
		err error
	}
	ch := make(chan result, 1)
	go func() {
		payload, _, err := tr.Recv()
		if err != nil {
			ch <- result{err: err}
			return
		}
		pkt, err := wire.Decode(payload)
		ch <- result{pkt: pkt, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("receiving reply: %v", r.err)
		}
		return r.pkt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a reply packet")
		return nil
	}
}

func TestNormalizeSrc_unmapsIPv4MappedIPv6(t *testing.T) {
	t.Parallel()

	got := normalizeSrc(netip.MustParseAddrPort("[::ffff:198.51.100.9]:4000"))
	want := netip.MustParseAddrPort("198.51.100.9:4000")
	if got != want {
		t.Fatalf("normalizeSrc() = %v, want %v", got, want)
	}

	plain := netip.MustParseAddrPort("[2001:db8::1]:4000")
	if got := normalizeSrc(plain); got != plain {
		t.Fatalf("normalizeSrc() altered a native IPv6 source: %v", got)
	}
}

func TestDispatch_advertisementFromNewPeer(t *testing.T) {
	co, dev, _, peer := testSetup(t)

	peerWGIP := netip.MustParseAddr("10.1.1.2")
	peerAddr := netip.MustParseAddrPort(peer.LocalAddr().String())

	ad := wire.Advertisement{
		WGIP:        peerWGIP,
		AdminPort:   peerAddr.Port(),
		AddressedTo: wire.StaticAddress,
		Name:        "node-b",
	}
	co.dispatch(event.Udp{Packet: &ad, Src: peerAddr})
	drain(co)

	if len(dev.syncConfs) == 0 {
		t.Fatal("expected a SyncConf call after learning a new peer")
	}

	var sawAdd bool
	for _, a := range dev.addRoutes {
		if a == peerWGIP {
			sawAdd = true
		}
	}
	if !sawAdd {
		t.Errorf("expected an AddRoute for %s, got %v", peerWGIP, dev.addRoutes)
	}

	// The reply goes back over the channel the advertisement arrived on.
	reply := recvWithTimeout(t, peer)
	replyAd, ok := reply.(*wire.Advertisement)
	if !ok {
		t.Fatalf("reply packet = %T, want *wire.Advertisement", reply)
	}
	if replyAd.WGIP != netip.MustParseAddr("10.1.1.1") {
		t.Errorf("reply wg_ip = %s, want 10.1.1.1", replyAd.WGIP)
	}
}

func TestDispatch_routeDatabaseRequestAnswered(t *testing.T) {
	co, _, _, peer := testSetup(t)

	peerAddr := netip.MustParseAddrPort(peer.LocalAddr().String())
	co.dispatch(event.Udp{Packet: &wire.RouteDatabaseRequest{}, Src: peerAddr})
	drain(co)

	pkt := recvWithTimeout(t, peer)
	db, ok := pkt.(*wire.RouteDatabase)
	if !ok {
		t.Fatalf("answer packet = %T, want *wire.RouteDatabase", pkt)
	}
	if db.NrEntries != 0 {
		t.Errorf("fresh node advertised %d route entries, want 0", db.NrEntries)
	}
}

func TestDispatch_deadPeerSweepRemovesAndSyncs(t *testing.T) {
	co, dev, cfg, _ := testSetup(t)

	peerWGIP := netip.MustParseAddr("10.1.1.3")
	stale := time.Now().Unix() - 300
	co.mgr.AnalyzeAdvertisement(stale, cfg, wire.Advertisement{
		WGIP:        peerWGIP,
		AdminPort:   54000,
		AddressedTo: wire.StaticAddress,
	}, netip.MustParseAddrPort("127.0.0.1:54000"))

	co.dispatch(event.CheckAndRemoveDeadDynamicPeers{})
	drain(co)

	if _, ok := co.mgr.NodeFor(peerWGIP); ok {
		t.Error("stale peer should have been removed by the sweep")
	}
	if len(dev.syncConfs) == 0 {
		t.Error("expected a SyncConf call after removing a dead peer")
	}
}

func TestDispatch_localContactRequestAnswered(t *testing.T) {
	co, _, cfg, peer := testSetup(t)

	peerAddr := netip.MustParseAddrPort(peer.LocalAddr().String())
	co.dispatch(event.Udp{Packet: &wire.LocalContactRequest{}, Src: peerAddr})
	drain(co)

	pkt := recvWithTimeout(t, peer)
	lc, ok := pkt.(*wire.LocalContact)
	if !ok {
		t.Fatalf("answer packet = %T, want *wire.LocalContact", pkt)
	}
	if lc.WGIP != cfg.WGIP {
		t.Errorf("local contact wg_ip = %s, want %s", lc.WGIP, cfg.WGIP)
	}
}

func TestDispatch_reconcilesEndpointsFromDevice(t *testing.T) {
	co, dev, cfg, _ := testSetup(t)

	pub := config.PublicKey(cfg.PrivateKey)
	peerWGIP := netip.MustParseAddr("10.1.1.4")
	now := time.Now().Unix()
	co.mgr.AnalyzeAdvertisement(now, cfg, wire.Advertisement{
		WGIP:      peerWGIP,
		AdminPort: 54000,
		PublicKey: wire.PublicKeyWithTime{Key: [32]byte(pub), CreatedAt: 1},
	}, netip.MustParseAddrPort("127.0.0.1:54000"))

	ep := netip.MustParseAddrPort("203.0.113.5:51820")
	dev.endpoints = map[config.Key]netip.AddrPort{pub: ep}

	co.dispatch(event.ReadWireguardConfiguration{})

	node, ok := co.mgr.NodeFor(peerWGIP)
	if !ok {
		t.Fatal("peer vanished")
	}
	dp, ok := node.(*meshnode.DynamicPeer)
	if !ok {
		t.Fatalf("node type = %T, want *meshnode.DynamicPeer", node)
	}
	if dp.VisibleWGEndpoint == nil || *dp.VisibleWGEndpoint != ep {
		t.Errorf("peer visible endpoint = %v, want %v", dp.VisibleWGEndpoint, ep)
	}
}
