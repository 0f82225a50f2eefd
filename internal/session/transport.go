// Package session owns the reliable byte-stream side of the fabric: the
// listener, per-connection frame reassembly, MAC key selection and outbound
// connection reuse.
package session

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"archipel/internal/identity"
	"archipel/internal/peer"
	"archipel/internal/wire"
)

const (
	// DialTimeout bounds outbound connection attempts.
	DialTimeout = 5 * time.Second
	// KeepAlivePeriod is the OS-level TCP keep-alive probe interval.
	KeepAlivePeriod = 15 * time.Second
	// bindAttempts is how many successive ports are tried on a conflict.
	bindAttempts = 20
)

// PeerDirectory resolves peers to addresses and session keys. Implemented by
// the peer table.
type PeerDirectory interface {
	Get(id identity.NodeID) *peer.Peer
	SessionKey(id identity.NodeID) []byte
}

// FrameHandler consumes one validated frame. Errors are logged by the
// transport; they never tear down the connection.
type FrameHandler func(remote net.Addr, frame *wire.Frame) error

// Transport is the TCP side of the node.
type Transport struct {
	log        *slog.Logger
	id         *identity.Identity
	dir        PeerDirectory
	clusterKey []byte
	handler    FrameHandler

	// HelloFrame supplies the local announcement sent on bootstrap
	// connections. Set by the node before Start.
	HelloFrame func() ([]byte, error)
	// OnPeerConnected fires after a fresh outbound connection to a known
	// peer is registered; the node drains the relay queue here.
	OnPeerConnected func(identity.NodeID)

	mu    sync.Mutex
	ln    net.Listener
	port  int
	conns map[identity.NodeID]*conn
	anon  map[*conn]struct{}
	done  chan struct{}
	wg    sync.WaitGroup
}

type conn struct {
	net.Conn
	wmu sync.Mutex

	// id is set once the remote end identified itself with a frame.
	idmu sync.Mutex
	id   *identity.NodeID
}

func (c *conn) write(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.Write(b)
	return err
}

// NewTransport creates a transport. handler receives every parsed frame.
func NewTransport(log *slog.Logger, id *identity.Identity, dir PeerDirectory, clusterKey []byte, handler FrameHandler) *Transport {
	return &Transport{
		log:        log,
		id:         id,
		dir:        dir,
		clusterKey: clusterKey,
		handler:    handler,
		conns:      make(map[identity.NodeID]*conn),
		anon:       make(map[*conn]struct{}),
	}
}

// Start binds the listener, retrying successive ports on bind conflicts, and
// begins accepting.
func (t *Transport) Start(port int) error {
	var ln net.Listener
	var err error
	for attempt := 0; attempt < bindAttempts; attempt++ {
		ln, err = net.Listen("tcp", fmt.Sprintf(":%d", port+attempt))
		if err == nil {
			t.mu.Lock()
			t.ln = ln
			t.port = ln.Addr().(*net.TCPAddr).Port
			t.done = make(chan struct{})
			t.mu.Unlock()
			break
		}
	}
	if ln == nil {
		return fmt.Errorf("binding listener near port %d: %w", port, err)
	}

	t.wg.Add(1)
	go t.acceptLoop(ln)
	t.log.Info("listening", "port", t.Port())
	return nil
}

// Port returns the bound listener port.
func (t *Transport) Port() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port
}

// Stop closes the listener and every connection and waits for the read
// loops to finish.
func (t *Transport) Stop() {
	t.mu.Lock()
	if t.done != nil {
		close(t.done)
		t.done = nil
	}
	if t.ln != nil {
		t.ln.Close()
		t.ln = nil
	}
	for _, c := range t.conns {
		c.Close()
	}
	t.conns = make(map[identity.NodeID]*conn)
	for c := range t.anon {
		c.Close()
	}
	t.anon = make(map[*conn]struct{})
	t.mu.Unlock()
	t.wg.Wait()
}

func (t *Transport) acceptLoop(ln net.Listener) {
	defer t.wg.Done()
	for {
		raw, err := ln.Accept()
		if err != nil {
			return // listener closed
		}
		t.adopt(raw)
	}
}

// adopt wires keep-alive and the read loop onto a fresh connection.
func (t *Transport) adopt(raw net.Conn) *conn {
	if tc, ok := raw.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(KeepAlivePeriod)
	}
	c := &conn{Conn: raw}
	t.mu.Lock()
	t.anon[c] = struct{}{}
	t.mu.Unlock()

	t.wg.Add(1)
	go t.readLoop(c)
	return c
}

// readLoop reassembles frames out of the byte stream: wait for the fixed
// header, read the declared length, then the whole frame. Partials stay
// buffered.
func (t *Transport) readLoop(c *conn) {
	defer t.wg.Done()
	defer t.dropConn(c)

	var pending bytes.Buffer
	chunk := make([]byte, 32*1024)
	for {
		n, err := c.Read(chunk)
		if n > 0 {
			pending.Write(chunk[:n])
			if !t.drainFrames(c, &pending) {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// drainFrames extracts every complete frame from the buffer. It returns
// false when the stream is unrecoverable and the connection must go.
func (t *Transport) drainFrames(c *conn, pending *bytes.Buffer) bool {
	for {
		head := pending.Bytes()
		if len(head) < wire.HeaderLen {
			return true
		}
		payloadLen := binary.BigEndian.Uint32(head[37:41])
		if payloadLen > wire.MaxPayloadLen {
			t.log.Warn("oversized frame on stream, dropping connection", "remote", c.RemoteAddr())
			return false
		}
		total := wire.HeaderLen + int(payloadLen) + wire.MACLen
		if len(head) < total {
			return true
		}

		frameBuf := make([]byte, total)
		pending.Read(frameBuf)

		var sender [32]byte
		copy(sender[:], frameBuf[5:37])
		frame, err := wire.Parse(frameBuf, t.keyFor(identity.NodeID(sender)))
		if err != nil {
			t.log.Debug("dropping frame", "remote", c.RemoteAddr(), "error", err)
			continue
		}

		if !frame.Unverified {
			t.identify(c, identity.NodeID(frame.Sender))
		}
		if err := t.handler(c.RemoteAddr(), frame); err != nil {
			t.log.Warn("frame handler failed", "type", frame.Type, "remote", c.RemoteAddr(), "error", err)
		}
	}
}

// keyFor selects the MAC key for frames declared to be from sender: the
// established session key when one exists, else the cluster key.
func (t *Transport) keyFor(sender identity.NodeID) []byte {
	if key := t.dir.SessionKey(sender); key != nil {
		return key
	}
	return t.clusterKey
}

// identify maps the connection to the sender id so outbound frames reuse it.
func (t *Transport) identify(c *conn, sender identity.NodeID) {
	c.idmu.Lock()
	already := c.id != nil && *c.id == sender
	if !already {
		c.id = &sender
	}
	c.idmu.Unlock()
	if already {
		return
	}

	t.mu.Lock()
	delete(t.anon, c)
	if old, ok := t.conns[sender]; ok && old != c {
		old.Close()
	}
	t.conns[sender] = c
	t.mu.Unlock()
}

// dropConn removes the connection from the maps on close.
func (t *Transport) dropConn(c *conn) {
	c.Close()
	c.idmu.Lock()
	id := c.id
	c.idmu.Unlock()

	t.mu.Lock()
	delete(t.anon, c)
	if id != nil && t.conns[*id] == c {
		delete(t.conns, *id)
	}
	t.mu.Unlock()
}

// SendTo delivers one frame to target, reusing an open connection or
// dialing the address from the peer directory.
func (t *Transport) SendTo(target identity.NodeID, frameType wire.FrameType, payload []byte) error {
	c, fresh, err := t.connTo(target)
	if err != nil {
		return err
	}
	if fresh && t.OnPeerConnected != nil {
		t.OnPeerConnected(target)
	}

	frame := wire.Build(frameType, t.id.NodeID, payload, t.keyFor(target))
	if err := t.sendOn(c, frame); err != nil {
		return fmt.Errorf("writing %s frame to %s: %w", frameType, target.Short(), err)
	}
	return nil
}

// SendFrameTo delivers an already-built frame to target. Used for relay
// drain, where envelopes were framed by the messaging layer.
func (t *Transport) SendFrameTo(target identity.NodeID, frame []byte) error {
	c, _, err := t.connTo(target)
	if err != nil {
		return err
	}
	return t.sendOn(c, frame)
}

func (t *Transport) sendOn(c *conn, frame []byte) error {
	if err := c.write(frame); err != nil {
		t.dropConn(c)
		return err
	}
	return nil
}

// connTo returns an open connection to target, dialing when necessary.
// fresh reports that the connection was just established.
func (t *Transport) connTo(target identity.NodeID) (c *conn, fresh bool, err error) {
	t.mu.Lock()
	c, ok := t.conns[target]
	t.mu.Unlock()
	if ok {
		return c, false, nil
	}

	p := t.dir.Get(target)
	if p == nil || p.Address == "" {
		return nil, false, fmt.Errorf("no address for peer %s", target.Short())
	}
	raw, err := net.DialTimeout("tcp", p.Addr(), DialTimeout)
	if err != nil {
		return nil, false, fmt.Errorf("dialing %s at %s: %w", target.Short(), p.Addr(), err)
	}

	c = t.adopt(raw)
	c.idmu.Lock()
	id := target
	c.id = &id
	c.idmu.Unlock()

	t.mu.Lock()
	delete(t.anon, c)
	if old, ok := t.conns[target]; ok {
		old.Close()
	}
	t.conns[target] = c
	t.mu.Unlock()
	return c, true, nil
}

// SendToAddress dials an explicit address and sends the local HELLO, for
// manual bootstrap. The connection is kept; the peer is mapped once its
// first frame arrives.
func (t *Transport) SendToAddress(addr string) error {
	raw, err := net.DialTimeout("tcp", addr, DialTimeout)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}
	c := t.adopt(raw)

	if t.HelloFrame == nil {
		return nil
	}
	hello, err := t.HelloFrame()
	if err != nil {
		return err
	}
	if err := t.sendOn(c, hello); err != nil {
		return fmt.Errorf("sending hello to %s: %w", addr, err)
	}
	return nil
}
