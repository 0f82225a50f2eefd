//go:build !unix

package discovery

import "net"

// The OS default TTL applies on platforms without the sockopt path.
func setMulticastTTL(conn *net.UDPConn, ttl int) error {
	return nil
}
