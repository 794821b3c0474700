//go:build !linux

package device

import (
	"fmt"
	"log/slog"
	"net/netip"
	"runtime"

	"github.com/wgmeshd/wgmeshd/internal/config"
)

// New returns a Device for the current platform. Only linux has a real
// implementation; every other platform gets a stub that declares the
// capability set without implementing it.
func New(ifaceName string, logger *slog.Logger) Device {
	return NewUnsupportedDevice(runtime.GOOS)
}

// UnsupportedDevice declares the capability set without implementing it, so
// the module still builds on platforms (Android, Windows) where the native
// interface and route programming has not been ported.
type UnsupportedDevice struct {
	Platform string
}

// NewUnsupportedDevice returns a Device stub reporting it cannot drive a
// real interface on this platform.
func NewUnsupportedDevice(platform string) *UnsupportedDevice {
	return &UnsupportedDevice{Platform: platform}
}

func (d *UnsupportedDevice) err(op string) error {
	return fmt.Errorf("device: %s not implemented on %s", op, d.Platform)
}

func (d *UnsupportedDevice) CheckDevice() (bool, error) { return false, d.err("CheckDevice") }
func (d *UnsupportedDevice) CreateDevice() error        { return d.err("CreateDevice") }
func (d *UnsupportedDevice) TakeDownDevice() error      { return d.err("TakeDownDevice") }

func (d *UnsupportedDevice) SetIP(ip netip.Addr, subnet netip.Prefix) error {
	return d.err("SetIP")
}

func (d *UnsupportedDevice) AddRoute(host netip.Addr, gateway *netip.Addr) error {
	return d.err("AddRoute")
}

func (d *UnsupportedDevice) ReplaceRoute(host netip.Addr, gateway *netip.Addr) error {
	return d.err("ReplaceRoute")
}

func (d *UnsupportedDevice) DelRoute(host netip.Addr, gateway *netip.Addr) error {
	return d.err("DelRoute")
}

func (d *UnsupportedDevice) FlushAll() error { return d.err("FlushAll") }

func (d *UnsupportedDevice) SetConf(iniText string) error  { return d.err("SetConf") }
func (d *UnsupportedDevice) SyncConf(iniText string) error { return d.err("SyncConf") }

func (d *UnsupportedDevice) RetrieveConf() (map[config.Key]netip.AddrPort, error) {
	return nil, d.err("RetrieveConf")
}

func (d *UnsupportedDevice) CreateKeyPair() (config.Key, config.Key, error) {
	priv, err := config.GeneratePrivateKey()
	if err != nil {
		return config.Key{}, config.Key{}, err
	}
	return priv, config.PublicKey(priv), nil
}
