//go:build !js && !windows

// Package resolvconffile reads the system nameservers used for bootstrap lookups.
package resolvconffile

import (
	"net"
	"net/netip"

	"tailscale.com/net/dns/resolvconffile"
)

const resolvconfPath = "/etc/resolv.conf"

// NameServersWithPort returns the nameservers of /etc/resolv.conf as ip:53,
// skipping loopback addresses.
func NameServersWithPort() []string {
	return nameServersFromFile(resolvconfPath)
}

func nameServersFromFile(path string) []string {
	c, err := resolvconffile.ParseFile(path)
	if err != nil {
		return nil
	}
	return withPort(c.Nameservers)
}

// withPort drops loopback nameservers, they may be our own listener.
func withPort(nameservers []netip.Addr) []string {
	ns := make([]string, 0, len(nameservers))
	for _, nameserver := range nameservers {
		if nameserver.IsLoopback() || nameserver.IsUnspecified() {
			continue
		}
		ns = append(ns, net.JoinHostPort(nameserver.Unmap().String(), "53"))
	}
	return ns
}
