package wire

// AddressedTo records the channel a control packet arrived on — which
// address family/namespace the sender used to reach us. The recipient uses
// it to pick the channel for a reply, since a tunnel may not exist yet and
// replies to an unestablished peer must go out-of-band on the same address
// the original packet came in on.
type AddressedTo uint8

const (
	// StaticAddress means the sender reached us via a configured public
	// endpoint (hostname or IP) from the static peer list.
	StaticAddress AddressedTo = iota
	// WireguardAddress means the sender reached us via our overlay IPv4
	// tunnel address.
	WireguardAddress
	// WireguardV6Address means the sender reached us via the IPv4-in-IPv6
	// embedding of our overlay address.
	WireguardV6Address
	// LocalAddress means the sender reached us via one of our locally
	// known (LAN) addresses.
	LocalAddress
)

// String renders the AddressedTo tag for logging.
func (a AddressedTo) String() string {
	switch a {
	case StaticAddress:
		return "static"
	case WireguardAddress:
		return "wireguard"
	case WireguardV6Address:
		return "wireguard-v6"
	case LocalAddress:
		return "local"
	default:
		return "unknown"
	}
}

// Reply returns the channel a reply to a packet carrying this tag should be
// sent over. A node always replies in kind: over the same channel the
// original packet arrived on, because that is the only channel known to
// work in both directions at that point in the handshake.
func (a AddressedTo) Reply() AddressedTo {
	return a
}
