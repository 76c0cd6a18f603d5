package netutil

import "net"

// LocalIPv4Addresses returns the IPv4 addresses of every non-loopback,
// up network interface on the host. The Election Supervisor uses this
// (through an injected collaborator, not a direct call) to decide
// whether the elected peer is this node — spec.md treats interface
// enumeration as an external collaborator supplied by the caller.
func LocalIPv4Addresses() []net.IP {
	var ips []net.IP

	ifaces, err := net.Interfaces()
	if err != nil {
		return ips
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.IsLoopback() {
				continue
			}
			if ip4 := ip.To4(); ip4 != nil {
				ips = append(ips, ip4)
			}
		}
	}
	return ips
}
