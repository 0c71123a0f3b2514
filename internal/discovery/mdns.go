// Package discovery advertises the HTTP endpoint over mDNS so that browsers
// and observatory tools on the LAN can find the preview service.
package discovery

import (
	"fmt"
	"net"
	"os"
	"sort"
	"sync"

	"github.com/enbility/zeroconf/v3"

	"github.com/cjeanneret/ccdpreview/internal/config"
	"github.com/cjeanneret/ccdpreview/internal/debug"
)

// Service identity.
const (
	ServiceType = "_ccdpreview._tcp"
	Domain      = "local"
	EventsPath  = "/events"
)

// Info describes what is advertised.
type Info struct {
	Instance string
	Port     int
	Version  string
	Devices  []string
}

// TXT returns the TXT records of info in a stable order.
func (i Info) TXT() []string {
	txt := []string{
		"version=" + i.Version,
		"path=" + EventsPath,
	}
	if len(i.Devices) > 0 {
		devs := append([]string(nil), i.Devices...)
		sort.Strings(devs)
		joined := devs[0]
		for _, d := range devs[1:] {
			joined += "," + d
		}
		txt = append(txt, "devices="+joined)
	}
	return txt
}

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface, opts ...zeroconf.ServerOption) (*zeroconf.Server, error)

// Advertiser owns one mDNS registration.
type Advertiser struct {
	cfg      config.DiscoveryConfig
	register registerFunc

	mu     sync.Mutex
	server *zeroconf.Server
}

// NewAdvertiser creates an advertiser; nothing is sent until Advertise.
func NewAdvertiser(cfg config.DiscoveryConfig) *Advertiser {
	return &Advertiser{cfg: cfg, register: zeroconf.Register}
}

// interfaces returns nil (all interfaces) unless one is configured.
func (a *Advertiser) interfaces() ([]net.Interface, error) {
	if a.cfg.Interface == "" {
		return nil, nil
	}
	iface, err := net.InterfaceByName(a.cfg.Interface)
	if err != nil {
		return nil, fmt.Errorf("discovery interface %q: %w", a.cfg.Interface, err)
	}
	return []net.Interface{*iface}, nil
}

func (a *Advertiser) instance(info Info) string {
	switch {
	case info.Instance != "":
		return info.Instance
	case a.cfg.Instance != "":
		return a.cfg.Instance
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return "ccdpreview-" + host
	}
	return "ccdpreview"
}

// Advertise (re)registers the service. A previous registration is withdrawn.
func (a *Advertiser) Advertise(info Info) error {
	if info.Port <= 0 || info.Port > 65535 {
		return fmt.Errorf("invalid port %d", info.Port)
	}
	ifaces, err := a.interfaces()
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	name := a.instance(info)
	server, err := a.register(name, ServiceType, Domain, info.Port, info.TXT(), ifaces)
	if err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceType, err)
	}
	a.server = server
	debug.Info("mDNS: advertising %q as %s on port %d", name, ServiceType, info.Port)
	return nil
}

// Stop withdraws the registration. Safe to call more than once.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
		debug.Verbose("mDNS: advertisement withdrawn")
	}
}
