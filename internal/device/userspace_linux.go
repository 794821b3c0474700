//go:build linux

package device

import (
	"fmt"
	"log/slog"
	"net"

	"golang.zx2c4.com/wireguard/conn"
	wgdevice "golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/ipc"
	"golang.zx2c4.com/wireguard/tun"
)

// userspaceDevice is the wireguard-go fallback used when the kernel has no
// wireguard link type (no module, containerized kernel). It owns the TUN
// device, the wireguard-go device pumping it, and the UAPI socket wgctrl
// configures it through — so SyncConf/RetrieveConf work identically against
// kernel and userspace devices.
type userspaceDevice struct {
	tunDev tun.Device
	wgDev  *wgdevice.Device
	uapi   net.Listener
}

func startUserspaceDevice(name string, logger *slog.Logger) (*userspaceDevice, error) {
	tunDev, err := tun.CreateTUN(name, wgdevice.DefaultMTU)
	if err != nil {
		return nil, fmt.Errorf("creating TUN device %s: %w", name, err)
	}

	// Adapt slog to wireguard-go's Logger format.
	wgLogger := &wgdevice.Logger{
		Verbosef: func(format string, args ...any) {
			logger.Debug(fmt.Sprintf(format, args...), "component", "wireguard-go")
		},
		Errorf: func(format string, args ...any) {
			logger.Error(fmt.Sprintf(format, args...), "component", "wireguard-go")
		},
	}

	wgDev := wgdevice.NewDevice(tunDev, conn.NewDefaultBind(), wgLogger)

	fileUAPI, err := ipc.UAPIOpen(name)
	if err != nil {
		wgDev.Close()
		return nil, fmt.Errorf("opening UAPI socket for %s: %w", name, err)
	}
	uapi, err := ipc.UAPIListen(name, fileUAPI)
	if err != nil {
		wgDev.Close()
		return nil, fmt.Errorf("listening on UAPI socket for %s: %w", name, err)
	}

	go func() {
		for {
			c, err := uapi.Accept()
			if err != nil {
				return
			}
			go wgDev.IpcHandle(c)
		}
	}()

	if err := wgDev.Up(); err != nil {
		uapi.Close()
		wgDev.Close()
		return nil, fmt.Errorf("bringing up userspace device %s: %w", name, err)
	}

	return &userspaceDevice{tunDev: tunDev, wgDev: wgDev, uapi: uapi}, nil
}

// close tears the userspace device down. Closing the wireguard-go device
// also closes the TUN, which removes the interface.
func (u *userspaceDevice) close() {
	u.uapi.Close()
	u.wgDev.Close()
}
