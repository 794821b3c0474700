// Package config holds the static, process-lifetime configuration of a
// wgmeshd node: its identity, its WireGuard keys, and the set of
// statically-known peers that bootstrap the mesh.
package config

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SharedKeySize is the length in bytes of the symmetric key shared by every
// node in the mesh (used to authenticate the crypt-UDP transport).
const SharedKeySize = 32

// PublicPeer is a statically-known, potentially publicly-reachable rendezvous
// peer listed in the configuration file. It is how a fresh node finds its
// first neighbor in the mesh.
type PublicPeer struct {
	// PublicIP is the peer's public endpoint, a hostname or an IP address.
	// Hostnames are resolved at advertisement time, not at load time, so
	// dynamic-DNS endpoints stay current.
	PublicIP string

	// WGPort is the peer's WireGuard UDP port.
	WGPort uint16

	// AdminPort is the peer's control-plane (admin) UDP port.
	AdminPort uint16

	// WGIP is the peer's overlay IPv4 address.
	WGIP netip.Addr
}

// publicPeerFile is the on-disk YAML shape of one peers entry. Addresses
// stay strings here; build parses and validates them.
type publicPeerFile struct {
	PublicIP  string `yaml:"publicIp"`
	WGPort    uint16 `yaml:"wgPort"`
	AdminPort uint16 `yaml:"adminPort"`
	WGIP      string `yaml:"wgIp"`
}

// staticConfigFile is the on-disk YAML shape for the configuration file: a
// network block plus a peers sequence.
type staticConfigFile struct {
	Name      string   `yaml:"name"`
	IPList    []string `yaml:"ipList"`
	WGIP      string   `yaml:"wgIp"`
	WGName    string   `yaml:"wgName"`
	WGPort    uint16   `yaml:"wgPort"`
	AdminPort uint16   `yaml:"adminPort"`

	UseExistingInterface bool `yaml:"useExistingInterface"`

	Network struct {
		PrivateKey string `yaml:"privateKey"`
		Subnet     string `yaml:"subnet"`
		SharedKey  string `yaml:"sharedKey"`
	} `yaml:"network"`

	Peers []publicPeerFile `yaml:"peers"`
}

// StaticConfig is the immutable, process-lifetime configuration of a node.
// It is built once at startup from the YAML configuration file
// and never mutated afterward; all mutable mesh state lives in the network
// manager instead.
type StaticConfig struct {
	// Name is a human-readable name for this node.
	Name string

	// IPList is this node's locally-known interface addresses, used for
	// LAN-discovery advertisements and reported to peers so they can try
	// reaching us directly.
	IPList []netip.Addr

	// WGIP is this node's overlay IPv4 address.
	WGIP netip.Addr

	// WGName is the name of the WireGuard interface to create or reuse.
	WGName string

	// WGPort is the UDP port WireGuard itself listens on.
	WGPort uint16

	// AdminPort is the UDP port the control plane listens on.
	AdminPort uint16

	// Subnet is the overlay's address range.
	Subnet netip.Prefix

	// SharedKey authenticates the crypt-UDP transport across the whole mesh.
	SharedKey [SharedKeySize]byte

	// PrivateKey is this node's WireGuard private key.
	PrivateKey Key

	// PublicKey is the public key derived from PrivateKey, stamped with the
	// time it was derived so peers can tell a rotated key from a stale one.
	PublicKey PublicKeyWithTime

	// Peers maps overlay IPv4 to the statically-known PublicPeer record.
	Peers map[netip.Addr]PublicPeer

	// isListener and listenerPeer record whether this node's own WGIP
	// appears in its own static peer list — i.e. whether this node is
	// itself a rendezvous point other nodes dial into at startup.
	isListener   bool
	listenerPeer PublicPeer

	// UseExistingInterface, when true, tells the device adapter to reuse an
	// already-present WireGuard interface instead of creating/tearing one
	// down around the process lifetime.
	UseExistingInterface bool
}

// IsListener reports whether this node's own overlay address appears in its
// static peer list — i.e. whether this node is itself a publicly-reachable
// rendezvous point other nodes dial into.
func (c *StaticConfig) IsListener() bool {
	return c.isListener
}

// ListenerPeer returns the PublicPeer record matching this node's own WGIP,
// and whether one was found. Only meaningful when IsListener is true.
func (c *StaticConfig) ListenerPeer() (PublicPeer, bool) {
	return c.listenerPeer, c.isListener
}

// MyWGPort returns the WireGuard port this node should advertise to others:
// its own configured port, unless it is itself a listed listener, in which
// case the port recorded for it in the peer list takes precedence (this is
// the authoritative, externally-visible source for a publicly reachable
// endpoint).
func (c *StaticConfig) MyWGPort() uint16 {
	if c.isListener {
		return c.listenerPeer.WGPort
	}
	return c.WGPort
}

// MyAdminPort returns the admin port this node should advertise to others,
// following the same listener-precedence rule as MyWGPort.
func (c *StaticConfig) MyAdminPort() uint16 {
	if c.isListener {
		return c.listenerPeer.AdminPort
	}
	return c.AdminPort
}

// Load reads and validates a StaticConfig from a YAML file at path.
func Load(path string) (*StaticConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	var raw staticConfigFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	return build(&raw)
}

// build validates a parsed staticConfigFile and derives a StaticConfig from
// it, including the myself-as-peer/is-listener scan ported from the
// original configuration builder.
func build(raw *staticConfigFile) (*StaticConfig, error) {
	if raw.Name == "" {
		return nil, fmt.Errorf("config: name is required")
	}
	wgIP, err := netip.ParseAddr(raw.WGIP)
	if err != nil || !wgIP.Is4() {
		return nil, fmt.Errorf("config: wgIp must be a valid IPv4 address")
	}
	if raw.WGName == "" {
		return nil, fmt.Errorf("config: wgName is required")
	}
	if raw.Network.PrivateKey == "" {
		return nil, fmt.Errorf("config: network.privateKey is required")
	}
	privKey, err := ParseKey(raw.Network.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("config: network.privateKey: %w", err)
	}
	subnet, err := netip.ParsePrefix(raw.Network.Subnet)
	if err != nil {
		return nil, fmt.Errorf("config: network.subnet: %w", err)
	}

	sharedKey, err := decodeSharedKey(raw.Network.SharedKey)
	if err != nil {
		return nil, fmt.Errorf("config: network.sharedKey: %w", err)
	}

	ipList := make([]netip.Addr, 0, len(raw.IPList))
	for _, s := range raw.IPList {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("config: ipList entry %q: %w", s, err)
		}
		ipList = append(ipList, addr)
	}

	peers := make(map[netip.Addr]PublicPeer, len(raw.Peers))
	for i, p := range raw.Peers {
		peerWGIP, err := netip.ParseAddr(p.WGIP)
		if err != nil || !peerWGIP.Is4() {
			return nil, fmt.Errorf("config: peers[%d].wgIp must be a valid IPv4 address", i)
		}
		if p.PublicIP == "" {
			return nil, fmt.Errorf("config: peers[%d].publicIp is required", i)
		}
		peers[peerWGIP] = PublicPeer{
			PublicIP:  p.PublicIP,
			WGPort:    p.WGPort,
			AdminPort: p.AdminPort,
			WGIP:      peerWGIP,
		}
	}

	cfg := &StaticConfig{
		Name:                 raw.Name,
		IPList:               ipList,
		WGIP:                 wgIP,
		WGName:               raw.WGName,
		WGPort:               raw.WGPort,
		AdminPort:            raw.AdminPort,
		Subnet:               subnet,
		SharedKey:            sharedKey,
		PrivateKey:           privKey,
		PublicKey:            NewPublicKeyWithTime(privKey, time.Now().Unix()),
		Peers:                peers,
		UseExistingInterface: raw.UseExistingInterface,
	}

	if peer, ok := peers[wgIP]; ok {
		cfg.isListener = true
		cfg.listenerPeer = peer
	}

	return cfg, nil
}

// decodeSharedKey validates the raw sharedKey string is exactly
// SharedKeySize bytes once base64-decoded, reusing Key's own parsing (the
// shared key has the same on-wire shape as a WireGuard key even though it
// isn't one).
func decodeSharedKey(s string) ([SharedKeySize]byte, error) {
	k, err := ParseKey(s)
	if err != nil {
		return [SharedKeySize]byte{}, err
	}
	return [SharedKeySize]byte(k), nil
}

// ResolvePublicIP resolves a PublicPeer's PublicIP (hostname or literal
// address) to the set of addresses it currently points at. Called at
// advertisement time, not at load time, so a dynamic-DNS host is re-resolved
// on every static-peer advertisement attempt.
func (p PublicPeer) ResolvePublicIP() ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(p.PublicIP); err == nil {
		return []netip.Addr{addr}, nil
	}

	ips, err := net.LookupIP(p.PublicIP)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", p.PublicIP, err)
	}

	out := make([]netip.Addr, 0, len(ips))
	for _, ip := range ips {
		if addr, ok := netip.AddrFromSlice(ip.To4()); ok {
			out = append(out, addr)
			continue
		}
		if addr, ok := netip.AddrFromSlice(ip); ok {
			out = append(out, addr)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("resolving %s: no usable addresses", p.PublicIP)
	}
	return out, nil
}
