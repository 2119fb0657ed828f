// Package netutil determines the hostname/address the servient advertises
// in form hrefs and the catalogue's base URL when none is configured
// explicitly. Adapted from the teacher's pkg/discovery package.
package netutil

import (
	"net"

	"github.com/sirupsen/logrus"
)

// OutboundIP returns the local address the OS would use to reach
// destination, without establishing a connection. Use "" for the default
// route address (1.1.1.1 is dialed but never actually contacted, since UDP
// dial only resolves routing).
func OutboundIP(destination string) net.IP {
	if destination == "" {
		destination = "1.1.1.1"
	}
	conn, err := net.Dial("udp", destination+":80")
	if err != nil {
		logrus.Errorf("netutil.OutboundIP: %s", err)
		return nil
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP
}

// Interfaces lists the interfaces that have a non-loopback network
// containing the given address. Interface up/down state is not checked.
// An interface with a bare *net.IPAddr address is listed regardless of
// address; an empty or unparsable address matches no network.
func Interfaces(address string) ([]net.Interface, error) {
	result := make([]net.Interface, 0)
	ip := net.ParseIP(address)

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			switch v := a.(type) {
			case *net.IPAddr:
				result = append(result, iface)
				logrus.Debugf("netutil.Interfaces: found interface %s", v.String())
			case *net.IPNet:
				if ip == nil {
					continue
				}
				if v.Contains(ip) && !v.IP.IsLoopback() {
					result = append(result, iface)
					logrus.Debugf("netutil.Interfaces: found network %v: %s", iface.Name, v)
				}
			}
		}
	}
	return result, nil
}

// DefaultHostname returns the outbound address as a string, falling back to
// "localhost" when no route could be determined (e.g. an offline sandbox).
func DefaultHostname() string {
	ip := OutboundIP("")
	if ip == nil {
		return "localhost"
	}
	return ip.String()
}
