// Package discovery announces the local node over link-local multicast and
// ingests announcements from other nodes on the same group.
package discovery

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"archipel/internal/identity"
	"archipel/internal/wire"
)

// MulticastTTL bounds announcements to the local broadcast domain.
const MulticastTTL = 128

// Sighting is a parsed announcement handed to the ingest callback. Unverified
// sightings (HELLO with a bad MAC) carry address hints only; the caller must
// not let them replace pinned keys.
type Sighting struct {
	Hello      wire.HelloPayload
	Source     *net.UDPAddr
	Unverified bool
}

// SharedFileSource supplies the local shared-file summaries carried in each
// announcement.
type SharedFileSource interface {
	Summaries() []wire.SharedFile
}

// Service owns the multicast socket: it announces the local node on a fixed
// interval and feeds incoming announcements to the registered callback.
type Service struct {
	log        *slog.Logger
	id         *identity.Identity
	group      string
	clusterKey []byte
	tcpPort    int
	interval   time.Duration
	files      SharedFileSource
	onSighting func(Sighting)

	mu       sync.Mutex
	recvConn *net.UDPConn
	sendConn *net.UDPConn
	done     chan struct{}
	wg       sync.WaitGroup
}

// Config carries the discovery parameters.
type Config struct {
	Group      string
	ClusterKey []byte
	TCPPort    int
	Interval   time.Duration
}

// NewService creates a discovery service. onSighting is invoked from the read
// loop for every announcement that is not our own.
func NewService(log *slog.Logger, id *identity.Identity, cfg Config, files SharedFileSource, onSighting func(Sighting)) *Service {
	return &Service{
		log:        log,
		id:         id,
		group:      cfg.Group,
		clusterKey: cfg.ClusterKey,
		tcpPort:    cfg.TCPPort,
		interval:   cfg.Interval,
		files:      files,
		onSighting: onSighting,
	}
}

// Start joins the multicast group and begins the announce and read loops. An
// announcement is sent immediately so fresh nodes are seen without waiting a
// full interval.
func (s *Service) Start() error {
	gaddr, err := net.ResolveUDPAddr("udp4", s.group)
	if err != nil {
		return fmt.Errorf("resolving multicast group %s: %w", s.group, err)
	}

	recvConn, err := net.ListenMulticastUDP("udp4", nil, gaddr)
	if err != nil {
		return fmt.Errorf("joining multicast group %s: %w", s.group, err)
	}
	recvConn.SetReadBuffer(1 << 20)

	sendConn, err := net.DialUDP("udp4", nil, gaddr)
	if err != nil {
		recvConn.Close()
		return fmt.Errorf("opening multicast sender to %s: %w", s.group, err)
	}
	if err := setMulticastTTL(sendConn, MulticastTTL); err != nil {
		s.log.Warn("could not set multicast ttl", "error", err)
	}

	s.mu.Lock()
	s.recvConn = recvConn
	s.sendConn = sendConn
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(2)
	go s.readLoop(recvConn)
	go s.announceLoop()

	s.log.Info("discovery started", "group", s.group, "interval", s.interval)
	return nil
}

// Stop leaves the group and waits for the loops to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	if s.recvConn != nil {
		s.recvConn.Close()
		s.recvConn = nil
	}
	if s.sendConn != nil {
		s.sendConn.Close()
		s.sendConn = nil
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Announce sends one HELLO datagram to the group under the cluster key.
func (s *Service) Announce() error {
	s.mu.Lock()
	conn := s.sendConn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("discovery not started")
	}

	frame, err := s.buildHello()
	if err != nil {
		return err
	}
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("sending announcement: %w", err)
	}
	return nil
}

// HelloFrame returns a HELLO frame for the local node, as sent on the group
// and over fresh bootstrap connections.
func (s *Service) HelloFrame() ([]byte, error) {
	return s.buildHello()
}

func (s *Service) buildHello() ([]byte, error) {
	var shared []wire.SharedFile
	if s.files != nil {
		shared = s.files.Summaries()
	}
	payload, err := json.Marshal(wire.HelloPayload{
		NodeID:           s.id.NodeID.Hex(),
		DHPublicKey:      base64.StdEncoding.EncodeToString(s.id.DHPub[:]),
		SigningPublicKey: base64.StdEncoding.EncodeToString(s.id.SigningPub),
		TCPPort:          s.tcpPort,
		SharedFiles:      shared,
		Timestamp:        time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding announcement: %w", err)
	}
	return wire.Build(wire.TypeHello, s.id.NodeID, payload, s.clusterKey), nil
}

func (s *Service) announceLoop() {
	defer s.wg.Done()

	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return
	}

	if err := s.Announce(); err != nil {
		s.log.Warn("announcement failed", "error", err)
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := s.Announce(); err != nil {
				s.log.Warn("announcement failed", "error", err)
			}
		}
	}
}

func (s *Service) readLoop(conn *net.UDPConn) {
	defer s.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			// Closed on Stop.
			return
		}
		s.ingest(buf[:n], src)
	}
}

// ingest parses one datagram and hands a sighting to the callback. Anything
// that is not a well-formed HELLO from another node is dropped.
func (s *Service) ingest(datagram []byte, src *net.UDPAddr) {
	frame, err := wire.Parse(datagram, s.clusterKey)
	if err != nil {
		return
	}
	if frame.Type != wire.TypeHello {
		return
	}
	if frame.Sender == [32]byte(s.id.NodeID) {
		return
	}

	var hello wire.HelloPayload
	if err := json.Unmarshal(frame.Payload, &hello); err != nil {
		s.log.Debug("dropping malformed announcement", "source", src)
		return
	}
	if s.onSighting != nil {
		s.onSighting(Sighting{Hello: hello, Source: src, Unverified: frame.Unverified})
	}
}
