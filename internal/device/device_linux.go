//go:build linux

package device

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/wgmeshd/wgmeshd/internal/config"
)

// LinuxDevice drives a real WireGuard kernel interface via netlink (link,
// address, and route programming) and wgctrl (device configuration), a
// native replacement for shelling out to `wg` and `ip`.
type LinuxDevice struct {
	name string
	log  *slog.Logger

	// userspace is non-nil when the kernel lacks the wireguard link type and
	// CreateDevice fell back to a wireguard-go device instead.
	userspace *userspaceDevice
}

// NewLinuxDevice returns a Device bound to the named WireGuard interface.
func NewLinuxDevice(ifaceName string, logger *slog.Logger) *LinuxDevice {
	if logger == nil {
		logger = slog.Default()
	}
	return &LinuxDevice{name: ifaceName, log: logger.With("component", "device", "iface", ifaceName)}
}

// New returns a Device for the current platform: on linux, a LinuxDevice
// bound to ifaceName.
func New(ifaceName string, logger *slog.Logger) Device {
	return NewLinuxDevice(ifaceName, logger)
}

func (d *LinuxDevice) link() (netlink.Link, error) {
	return netlink.LinkByName(d.name)
}

// CheckDevice reports whether the interface already exists.
func (d *LinuxDevice) CheckDevice() (bool, error) {
	_, err := d.link()
	if err == nil {
		return true, nil
	}
	var notFound netlink.LinkNotFoundError
	if errors.As(err, &notFound) {
		return false, nil
	}
	return false, fmt.Errorf("device: checking interface %s: %w", d.name, err)
}

// CreateDevice creates a fresh WireGuard link of the configured name. When
// the kernel has no wireguard link type it falls back to a userspace
// wireguard-go device over TUN, which wgctrl configures through the same
// UAPI surface.
func (d *LinuxDevice) CreateDevice() error {
	link := &netlink.GenericLink{LinkAttrs: netlink.LinkAttrs{Name: d.name}, LinkType: "wireguard"}
	if err := netlink.LinkAdd(link); err != nil {
		if !errors.Is(err, unix.EOPNOTSUPP) {
			return fmt.Errorf("device: creating interface %s: %w", d.name, err)
		}
		d.log.Info("kernel wireguard unavailable, starting userspace device")
		us, uerr := startUserspaceDevice(d.name, d.log)
		if uerr != nil {
			return fmt.Errorf("device: creating userspace interface %s: %w", d.name, uerr)
		}
		d.userspace = us
	}
	l, err := d.link()
	if err != nil {
		return fmt.Errorf("device: refetching interface %s: %w", d.name, err)
	}
	if err := netlink.LinkSetUp(l); err != nil {
		return fmt.Errorf("device: bringing up interface %s: %w", d.name, err)
	}
	d.log.Info("wireguard interface created", "userspace", d.userspace != nil)
	return nil
}

// TakeDownDevice removes the interface.
func (d *LinuxDevice) TakeDownDevice() error {
	if d.userspace != nil {
		d.userspace.close()
		d.userspace = nil
		return nil
	}

	link, err := d.link()
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("device: finding interface %s: %w", d.name, err)
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("device: deleting interface %s: %w", d.name, err)
	}
	return nil
}

// SetIP adds the overlay address to the interface. An address that is
// already present is accepted as is; other addresses are not removed.
func (d *LinuxDevice) SetIP(ip netip.Addr, subnet netip.Prefix) error {
	link, err := d.link()
	if err != nil {
		return fmt.Errorf("device: finding interface %s: %w", d.name, err)
	}

	pref := netip.PrefixFrom(ip, subnet.Bits())
	addr := &netlink.Addr{IPNet: ptrIPNet(prefixToIPNet(pref))}
	if err := netlink.AddrAdd(link, addr); err != nil && !errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("device: setting address %s on %s: %w", pref, d.name, err)
	}
	return nil
}

// AddRoute installs a link-scope route to host via the interface, or via
// gateway if one is given.
func (d *LinuxDevice) AddRoute(host netip.Addr, gateway *netip.Addr) error {
	return d.upsertRoute(host, gateway, false)
}

// ReplaceRoute replaces any existing route to host.
func (d *LinuxDevice) ReplaceRoute(host netip.Addr, gateway *netip.Addr) error {
	return d.upsertRoute(host, gateway, true)
}

func (d *LinuxDevice) upsertRoute(host netip.Addr, gateway *netip.Addr, replace bool) error {
	link, err := d.link()
	if err != nil {
		return fmt.Errorf("device: finding interface %s: %w", d.name, err)
	}

	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Dst:       ptrIPNet(prefixToIPNet(netip.PrefixFrom(host, hostBits(host)))),
	}
	if gateway != nil {
		gw := *gateway
		route.Gw = gw.AsSlice()
	} else {
		route.Scope = netlink.SCOPE_LINK
	}

	if replace {
		if err := netlink.RouteReplace(route); err != nil {
			return fmt.Errorf("device: replacing route to %s: %w", host, err)
		}
		return nil
	}
	if err := netlink.RouteAdd(route); err != nil && !errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("device: adding route to %s: %w", host, err)
	}
	return nil
}

// DelRoute removes the route to host.
func (d *LinuxDevice) DelRoute(host netip.Addr, gateway *netip.Addr) error {
	link, err := d.link()
	if err != nil {
		return fmt.Errorf("device: finding interface %s: %w", d.name, err)
	}

	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Dst:       ptrIPNet(prefixToIPNet(netip.PrefixFrom(host, hostBits(host)))),
	}
	if err := netlink.RouteDel(route); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("device: deleting route to %s: %w", host, err)
	}
	return nil
}

// FlushAll removes every link-scope route and address on the interface,
// used when reusing an already-present interface instead of recreating it.
func (d *LinuxDevice) FlushAll() error {
	link, err := d.link()
	if err != nil {
		return fmt.Errorf("device: finding interface %s: %w", d.name, err)
	}

	routes, err := netlink.RouteList(link, netlink.FAMILY_ALL)
	if err != nil {
		return fmt.Errorf("device: listing routes on %s: %w", d.name, err)
	}
	for _, r := range routes {
		if r.Scope != netlink.SCOPE_LINK {
			continue
		}
		route := r
		if err := netlink.RouteDel(&route); err != nil && !errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("device: flushing route on %s: %w", d.name, err)
		}
	}

	addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return fmt.Errorf("device: listing addresses on %s: %w", d.name, err)
	}
	for _, a := range addrs {
		addr := a
		if err := netlink.AddrDel(link, &addr); err != nil && !errors.Is(err, unix.EADDRNOTAVAIL) {
			return fmt.Errorf("device: flushing address on %s: %w", d.name, err)
		}
	}
	return nil
}

// SetConf replaces the device's entire peer set from iniText.
func (d *LinuxDevice) SetConf(iniText string) error {
	return d.apply(iniText, true)
}

// SyncConf delta-merges the device's peer set from iniText.
func (d *LinuxDevice) SyncConf(iniText string) error {
	return d.apply(iniText, false)
}

func (d *LinuxDevice) apply(iniText string, replaceAll bool) error {
	parsed, err := parseINI(iniText)
	if err != nil {
		return err
	}

	client, err := wgctrl.New()
	if err != nil {
		return fmt.Errorf("device: opening wgctrl client: %w", err)
	}
	defer client.Close()

	var existing map[wgtypes.Key]struct{}
	if !replaceAll {
		dev, err := client.Device(d.name)
		if err != nil {
			return fmt.Errorf("device: inspecting %s: %w", d.name, err)
		}
		existing = make(map[wgtypes.Key]struct{}, len(dev.Peers))
		for _, p := range dev.Peers {
			existing[p.PublicKey] = struct{}{}
		}
	}

	priv := wgtypes.Key(parsed.privateKey)
	port := parsed.listenPort

	peerCfgs := make([]wgtypes.PeerConfig, 0, len(parsed.peers))
	for _, p := range parsed.peers {
		key := wgtypes.Key(p.publicKey)
		delete(existing, key)

		allowed := make([]net.IPNet, len(p.allowedIPs))
		for i, pref := range p.allowedIPs {
			allowed[i] = prefixToIPNet(pref)
		}
		pc := wgtypes.PeerConfig{
			PublicKey:         key,
			ReplaceAllowedIPs: true,
			AllowedIPs:        allowed,
		}
		if p.endpoint != nil {
			pc.Endpoint = &net.UDPAddr{IP: p.endpoint.Addr().AsSlice(), Port: int(p.endpoint.Port())}
		}
		peerCfgs = append(peerCfgs, pc)
	}
	for key := range existing {
		peerCfgs = append(peerCfgs, wgtypes.PeerConfig{PublicKey: key, Remove: true})
	}

	cfg := wgtypes.Config{
		PrivateKey:   &priv,
		ListenPort:   &port,
		ReplacePeers: replaceAll,
		Peers:        peerCfgs,
	}
	if err := client.ConfigureDevice(d.name, cfg); err != nil {
		return fmt.Errorf("device: configuring %s: %w", d.name, err)
	}
	return nil
}

// RetrieveConf reads the live device state back, mapping public key to
// currently observed endpoint.
func (d *LinuxDevice) RetrieveConf() (map[config.Key]netip.AddrPort, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("device: opening wgctrl client: %w", err)
	}
	defer client.Close()

	dev, err := client.Device(d.name)
	if err != nil {
		return nil, fmt.Errorf("device: inspecting %s: %w", d.name, err)
	}

	out := make(map[config.Key]netip.AddrPort, len(dev.Peers))
	for _, p := range dev.Peers {
		if p.Endpoint == nil {
			continue
		}
		addr, ok := netip.AddrFromSlice(p.Endpoint.IP)
		if !ok {
			continue
		}
		out[config.Key(p.PublicKey)] = netip.AddrPortFrom(addr.Unmap(), uint16(p.Endpoint.Port))
	}
	return out, nil
}

// CreateKeyPair generates a fresh WireGuard keypair.
func (d *LinuxDevice) CreateKeyPair() (config.Key, config.Key, error) {
	priv, err := config.GeneratePrivateKey()
	if err != nil {
		return config.Key{}, config.Key{}, fmt.Errorf("device: generating key pair: %w", err)
	}
	return priv, config.PublicKey(priv), nil
}

func hostBits(a netip.Addr) int {
	if a.Is6() {
		return 128
	}
	return 32
}

func ptrIPNet(n net.IPNet) *net.IPNet { return &n }

func prefixToIPNet(pref netip.Prefix) net.IPNet {
	bits := 32
	if pref.Addr().Is6() {
		bits = 128
	}
	return net.IPNet{IP: pref.Addr().AsSlice(), Mask: net.CIDRMask(pref.Bits(), bits)}
}
