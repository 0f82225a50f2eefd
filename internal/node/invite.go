package node

import (
	"fmt"
	"net"
	"net/url"

	"archipel/internal/config"
	"archipel/internal/identity"
)

// Invite links carry enough to bootstrap a connection out of band:
//
//	archipel://<ip>:<port>?id=<nodeId>&name=<nodeName>
//
// The receiving side dials the address and sends a HELLO; everything else
// follows the normal discovery path.

const inviteScheme = "archipel"

// InviteURL renders the local node's bootstrap link.
func (n *Node) InviteURL() (string, error) {
	ip, err := localIP()
	if err != nil {
		return "", err
	}
	u := url.URL{
		Scheme: inviteScheme,
		Host:   fmt.Sprintf("%s:%d", ip, n.transport.Port()),
	}
	q := u.Query()
	q.Set("id", n.id.NodeID.Hex())
	q.Set("name", n.cfg.NodeName)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// InviteLinkFor renders a bootstrap link for a node that is not running,
// using the configured listen port.
func InviteLinkFor(cfg *config.Config, id *identity.Identity) (string, error) {
	ip, err := localIP()
	if err != nil {
		return "", err
	}
	u := url.URL{
		Scheme: inviteScheme,
		Host:   fmt.Sprintf("%s:%d", ip, cfg.Network.TCPPort),
	}
	q := u.Query()
	q.Set("id", id.NodeID.Hex())
	q.Set("name", cfg.NodeName)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ConnectInvite parses an invite link and dials it with an immediate HELLO.
func (n *Node) ConnectInvite(link string) error {
	addr, err := ParseInvite(link)
	if err != nil {
		return err
	}
	return n.transport.SendToAddress(addr)
}

// ParseInvite validates an invite link and returns the dialable address.
func ParseInvite(link string) (string, error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("parsing invite link: %w", err)
	}
	if u.Scheme != inviteScheme {
		return "", fmt.Errorf("invite link has scheme %q, want %q", u.Scheme, inviteScheme)
	}
	if u.Port() == "" || u.Hostname() == "" {
		return "", fmt.Errorf("invite link missing host or port")
	}
	return u.Host, nil
}

// localIP picks the first non-loopback IPv4 address.
func localIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", fmt.Errorf("listing interfaces: %w", err)
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4.String(), nil
		}
	}
	return "", fmt.Errorf("no routable interface address found")
}
