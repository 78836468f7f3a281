package clientcfg

import (
	"log/slog"
	"net"
	"net/netip"
	"strings"
)

// Interface is the subset of a network interface address detection needs.
type Interface struct {
	Name  string
	Up    bool
	Addrs []netip.Addr
}

// InterfaceLister returns the host's interfaces. Tests substitute a fixed
// list.
type InterfaceLister func() ([]Interface, error)

var virtualPrefixes = []string{
	"docker", "br-", "veth", "virbr", "vmnet", "tailscale", "wg", "tun", "tap", "zt",
}

// SystemInterfaces lists interfaces through the net package.
func SystemInterfaces() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]Interface, 0, len(ifaces))
	for _, ifc := range ifaces {
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		item := Interface{Name: ifc.Name, Up: ifc.Flags&net.FlagUp != 0}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ip, ok := netip.AddrFromSlice(ipn.IP); ok {
				item.Addrs = append(item.Addrs, ip.Unmap())
			}
		}
		out = append(out, item)
	}
	return out, nil
}

// AdvertisedAddr returns the host:port clients on the LAN should use to reach
// a server bound to bind. A concrete bind IP is returned unchanged. For a
// loopback or wildcard bind the first usable IPv4 of a physical interface is
// preferred, then IPv6; when nothing qualifies bind itself is returned.
func AdvertisedAddr(bind string, list InterfaceLister, logger *slog.Logger) string {
	if logger == nil {
		logger = slog.Default()
	}
	host, port, err := net.SplitHostPort(bind)
	if err != nil {
		return bind
	}
	if ip, err := netip.ParseAddr(host); err == nil && !ip.IsLoopback() && !ip.IsUnspecified() {
		return bind
	}
	if list == nil {
		list = SystemInterfaces
	}
	ifaces, err := list()
	if err != nil {
		logger.Warn("list network interfaces", slog.String("error", err.Error()))
		return bind
	}
	if ip, ok := pickLANAddr(ifaces); ok {
		addr := net.JoinHostPort(ip.String(), port)
		logger.Debug("detected LAN address", slog.String("addr", addr))
		return addr
	}
	logger.Warn("could not detect a LAN address; advertising bind address", slog.String("bind", bind))
	return bind
}

func pickLANAddr(ifaces []Interface) (netip.Addr, bool) {
	var v6 netip.Addr
	for _, ifc := range ifaces {
		if !ifc.Up || isVirtual(ifc.Name) {
			continue
		}
		for _, ip := range ifc.Addrs {
			if !usable(ip) {
				continue
			}
			if ip.Is4() {
				return ip, true
			}
			if !v6.IsValid() {
				v6 = ip
			}
		}
	}
	return v6, v6.IsValid()
}

func isVirtual(name string) bool {
	n := strings.ToLower(name)
	switch n {
	case "lo", "localhost", "loopback":
		return true
	}
	if strings.HasPrefix(n, "lo") && len(n) > 2 && n[2] >= '0' && n[2] <= '9' {
		return true
	}
	for _, p := range virtualPrefixes {
		if strings.HasPrefix(n, p) {
			return true
		}
	}
	return false
}

// usable rejects loopback, unspecified and link-local addresses. Private
// and unique-local ranges are the normal case on a LAN and are accepted.
func usable(ip netip.Addr) bool {
	return ip.IsValid() &&
		!ip.IsLoopback() &&
		!ip.IsUnspecified() &&
		!ip.IsLinkLocalUnicast()
}
