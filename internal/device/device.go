// Package device defines the WireGuard device adapter capability set the
// coordinator drives to program the kernel (or userspace) interface: device
// lifecycle, address/route programming, and configuration sync. The
// coordinator is polymorphic over Device so platforms without a real
// implementation (Android, Windows) can still compile with a stub.
package device

import (
	"bufio"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/wgmeshd/wgmeshd/internal/config"
)

// Device is the capability set the run loop calls to sync WireGuard
// configuration and program the kernel's interface/route tables as mesh
// membership changes.
type Device interface {
	// CheckDevice reports whether the WireGuard interface already exists.
	CheckDevice() (bool, error)

	// CreateDevice creates the WireGuard interface.
	CreateDevice() error

	// TakeDownDevice removes the WireGuard interface.
	TakeDownDevice() error

	// SetIP assigns ip/subnet to the interface.
	SetIP(ip netip.Addr, subnet netip.Prefix) error

	// AddRoute adds a route to host, via gateway if non-nil (direct
	// link-scope route otherwise).
	AddRoute(host netip.Addr, gateway *netip.Addr) error

	// ReplaceRoute replaces the existing route to host.
	ReplaceRoute(host netip.Addr, gateway *netip.Addr) error

	// DelRoute removes the route to host.
	DelRoute(host netip.Addr, gateway *netip.Addr) error

	// FlushAll removes the interface's link-scope routes and all of its
	// addresses, used when reusing an existing interface instead of
	// recreating it.
	FlushAll() error

	// SetConf replaces the device's entire WireGuard configuration.
	SetConf(iniText string) error

	// SyncConf delta-merges the device's WireGuard configuration, adding,
	// updating, and removing peers to match iniText without disturbing
	// unrelated device state.
	SyncConf(iniText string) error

	// RetrieveConf reads back the live device state, mapping each peer's
	// public key to its currently observed endpoint.
	RetrieveConf() (map[config.Key]netip.AddrPort, error)

	// CreateKeyPair generates a fresh WireGuard private/public keypair.
	CreateKeyPair() (priv, pub config.Key, err error)
}

// iniPeer is one [Peer] section parsed from the configuration text rendered
// by internal/netmanager.ToWireGuardConfig.
type iniPeer struct {
	publicKey  config.Key
	allowedIPs []netip.Prefix
	endpoint   *netip.AddrPort
}

// iniConfig is the parsed form of the wgmeshd wireguard.conf INI text:
// one [Interface] section, zero or more [Peer] sections.
type iniConfig struct {
	privateKey config.Key
	listenPort int
	peers      []iniPeer
}

// parseINI parses the INI text produced by internal/netmanager.ToWireGuardConfig
// into its structured form, ready to feed to a wgctrl (or shell-based)
// device adapter.
func parseINI(text string) (*iniConfig, error) {
	cfg := &iniConfig{}
	var section string
	var cur *iniPeer

	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.ToLower(strings.Trim(line, "[]"))
			if section == "peer" {
				cfg.peers = append(cfg.peers, iniPeer{})
				cur = &cfg.peers[len(cfg.peers)-1]
			}
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("device: malformed config line %q", line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch section {
		case "interface":
			switch key {
			case "PrivateKey":
				k, err := config.ParseKey(value)
				if err != nil {
					return nil, fmt.Errorf("device: Interface.PrivateKey: %w", err)
				}
				cfg.privateKey = k
			case "ListenPort":
				p, err := strconv.Atoi(value)
				if err != nil {
					return nil, fmt.Errorf("device: Interface.ListenPort: %w", err)
				}
				cfg.listenPort = p
			}
		case "peer":
			if cur == nil {
				return nil, fmt.Errorf("device: Peer field %q outside a [Peer] section", key)
			}
			switch key {
			case "PublicKey":
				k, err := config.ParseKey(value)
				if err != nil {
					return nil, fmt.Errorf("device: Peer.PublicKey: %w", err)
				}
				cur.publicKey = k
			case "AllowedIPs":
				pref, err := netip.ParsePrefix(value)
				if err != nil {
					return nil, fmt.Errorf("device: Peer.AllowedIPs %q: %w", value, err)
				}
				cur.allowedIPs = append(cur.allowedIPs, pref)
			case "EndPoint":
				ep, err := netip.ParseAddrPort(value)
				if err != nil {
					return nil, fmt.Errorf("device: Peer.EndPoint %q: %w", value, err)
				}
				cur.endpoint = &ep
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("device: reading config text: %w", err)
	}
	return cfg, nil
}
