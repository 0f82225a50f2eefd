//go:build unix

package discovery

import (
	"fmt"
	"net"
	"syscall"
)

func setMulticastTTL(conn *net.UDPConn, ttl int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("accessing socket: %w", err)
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IP, syscall.IP_MULTICAST_TTL, ttl)
	})
	if err != nil {
		return fmt.Errorf("controlling socket: %w", err)
	}
	if sockErr != nil {
		return fmt.Errorf("setting multicast ttl: %w", sockErr)
	}
	return nil
}
