// Package node wires the archipel components together and runs the event
// loop: discovery feeds the peer table, the session transport demultiplexes
// frames into the handshake, chat and transfer handlers, and periodic timers
// keep the table pruned.
package node

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"archipel/internal/chat"
	"archipel/internal/config"
	"archipel/internal/discovery"
	"archipel/internal/fileindex"
	"archipel/internal/handshake"
	"archipel/internal/identity"
	"archipel/internal/peer"
	"archipel/internal/session"
	"archipel/internal/store"
	"archipel/internal/transfer"
	"archipel/internal/trust"
	"archipel/internal/wire"
)

// PruneInterval is how often dead peers are swept out of the table.
const PruneInterval = 30 * time.Second

// Events carries the node's callbacks. Nil fields are skipped.
type Events struct {
	PeerDiscovered   func(p *peer.Peer)
	MessageReceived  func(msg chat.Message)
	ManifestReceived func(from identity.NodeID, m *wire.Manifest)
	TransferProgress func(p transfer.Progress)
	TransferComplete func(fileID, path string)
	TrustAlert       func(id identity.NodeID)
}

// Node is one archipel participant: client and server at once.
type Node struct {
	cfg     *config.Config
	log     *slog.Logger
	logFile *os.File
	id      *identity.Identity
	db      store.Store
	peers   *peer.Table
	trust   *trust.Store
	index   *fileindex.Index

	transport *session.Transport
	disc      *discovery.Service
	hs        *handshake.Manager
	msgr      *chat.Messenger
	engine    *transfer.Engine

	events Events

	mu   sync.Mutex
	done chan struct{}
	wg   sync.WaitGroup
}

// New constructs a fully wired node from cfg. passphrase unlocks the
// identity file when the config marks it encrypted; it is ignored otherwise.
// The caller must call Stop when done.
func New(cfg *config.Config, events Events, passphrase string) (*Node, error) {
	id, err := loadIdentity(cfg, passphrase)
	if err != nil {
		return nil, err
	}

	log, logFile, err := newLogger(cfg.LogDir, id.NodeID.Short())
	if err != nil {
		return nil, err
	}

	db, err := store.NewFromConfig(cfg.Database)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("opening store: %w", err)
	}

	n := &Node{
		cfg:     cfg,
		log:     log,
		logFile: logFile,
		id:      id,
		db:      db,
		peers:   peer.NewTable(),
		trust:   trust.NewStore(db),
		events:  events,
	}

	n.index = fileindex.New(log, cfg.Files.SharedDir, db)
	n.transport = session.NewTransport(log, id, n.peers, []byte(cfg.Network.ClusterKey), n.dispatch)
	n.transport.OnPeerConnected = n.drainRelay
	n.hs = handshake.NewManager(log, id, n.peers, n.trust, n.transport)
	n.msgr = chat.NewMessenger(log, id, n.peers, n.trust, db, n.transport)
	n.engine = transfer.NewEngine(log, db, n.transport, cfg.Files.DownloadDir, func(p transfer.Progress) {
		if n.events.TransferProgress != nil {
			n.events.TransferProgress(p)
		}
	})
	return n, nil
}

func loadIdentity(cfg *config.Config, passphrase string) (*identity.Identity, error) {
	if cfg.Identity.Encrypted {
		id, err := identity.LoadEncrypted(cfg.Identity.KeyPath, passphrase)
		if err != nil {
			return nil, fmt.Errorf("unlocking identity: %w", err)
		}
		return id, nil
	}
	id, err := identity.LoadOrGenerate(cfg.Identity.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading identity: %w", err)
	}
	return id, nil
}

// ID returns the local identity.
func (n *Node) ID() *identity.Identity { return n.id }

// Start scans the shared directory, binds the listener and joins the
// discovery group.
func (n *Node) Start() error {
	if err := n.index.Scan(); err != nil {
		return err
	}
	if err := n.transport.Start(n.cfg.Network.TCPPort); err != nil {
		return err
	}

	// Discovery advertises the port the listener actually bound, which may
	// differ from the configured one after a conflict retry.
	n.disc = discovery.NewService(n.log, n.id, discovery.Config{
		Group:      n.cfg.Network.MulticastGroup,
		ClusterKey: []byte(n.cfg.Network.ClusterKey),
		TCPPort:    n.transport.Port(),
		Interval:   time.Duration(n.cfg.Network.AnnounceInterval) * time.Second,
	}, n.index, n.handleSighting)
	n.transport.HelloFrame = n.disc.HelloFrame

	if err := n.disc.Start(); err != nil {
		n.transport.Stop()
		return err
	}

	n.mu.Lock()
	n.done = make(chan struct{})
	n.mu.Unlock()
	n.wg.Add(1)
	go n.pruneLoop()

	n.log.Info("node started", "name", n.cfg.NodeName, "node", n.id.NodeID.Hex())
	return nil
}

// Stop closes the sockets and the store.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.done != nil {
		close(n.done)
		n.done = nil
	}
	n.mu.Unlock()
	n.wg.Wait()

	if n.disc != nil {
		n.disc.Stop()
	}
	n.transport.Stop()
	if err := n.db.Close(); err != nil {
		n.log.Warn("closing store", "error", err)
	}
	if n.logFile != nil {
		n.logFile.Close()
	}
}

func (n *Node) pruneLoop() {
	defer n.wg.Done()
	n.mu.Lock()
	done := n.done
	n.mu.Unlock()
	if done == nil {
		return
	}

	ticker := time.NewTicker(PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			for _, id := range n.peers.PruneDead() {
				n.log.Info("peer evicted", "peer", id.Short())
			}
		}
	}
}

// handleSighting ingests a multicast announcement.
func (n *Node) handleSighting(s discovery.Sighting) {
	n.upsertFromHello(s.Hello, s.Source.IP.String(), s.Unverified, false)
}

// upsertFromHello applies one HELLO to the peer table. Unverified
// announcements update address hints only. When the hello arrived over a
// fresh inbound session, a symmetric local HELLO goes back.
func (n *Node) upsertFromHello(hello wire.HelloPayload, addr string, unverified, replyBack bool) {
	peerID, err := identity.ParseNodeID(hello.NodeID)
	if err != nil {
		n.log.Debug("announcement with malformed node id", "error", err)
		return
	}
	if peerID == n.id.NodeID {
		return
	}

	if unverified {
		// Address hint only: refresh an existing entry, never install keys.
		if p := n.peers.Get(peerID); p != nil {
			p.Address = addr
			p.Port = hello.TCPPort
			n.peers.Upsert(*p)
		}
		return
	}

	signingPub, err := base64.StdEncoding.DecodeString(hello.SigningPublicKey)
	if err != nil {
		n.log.Debug("announcement with malformed signing key", "peer", peerID.Short())
		return
	}
	dhPub, err := decode32(hello.DHPublicKey)
	if err != nil {
		n.log.Debug("announcement with malformed dh key", "peer", peerID.Short())
		return
	}

	res, err := n.trust.Check(peerID, signingPub, dhPub)
	if err != nil {
		n.log.Warn("trust check failed", "peer", peerID.Short(), "error", err)
	} else if res.Status == trust.StatusMismatch {
		n.log.Warn("announced keys differ from pinned keys", "peer", peerID.Short())
		if n.events.TrustAlert != nil {
			n.events.TrustAlert(peerID)
		}
	}

	fresh := n.peers.Upsert(peer.Peer{
		NodeID:      peerID,
		Address:     addr,
		Port:        hello.TCPPort,
		SigningPub:  signingPub,
		DHPub:       dhPub,
		SharedFiles: hello.SharedFiles,
	})
	if fresh {
		n.log.Info("peer discovered", "peer", peerID.Short(), "addr", addr, "port", hello.TCPPort)
		if n.events.PeerDiscovered != nil {
			n.events.PeerDiscovered(n.peers.Get(peerID))
		}
		if replyBack {
			if err := n.sendLocalHello(peerID); err != nil {
				n.log.Debug("symmetric hello failed", "peer", peerID.Short(), "error", err)
			}
			if err := n.SendPeerList(peerID); err != nil {
				n.log.Debug("peer list send failed", "peer", peerID.Short(), "error", err)
			}
		}
	}

	// The sighting makes the peer reachable: hand over anything queued for
	// it. Off the dispatch path, since delivery may have to dial.
	go n.drainRelay(peerID)
}

func (n *Node) sendLocalHello(target identity.NodeID) error {
	frame, err := n.disc.HelloFrame()
	if err != nil {
		return err
	}
	return n.transport.SendFrameTo(target, frame)
}

// dispatch demultiplexes one session frame. Handler errors are returned for
// the transport to log; they never tear down the connection.
func (n *Node) dispatch(remote net.Addr, frame *wire.Frame) error {
	sender := identity.NodeID(frame.Sender)

	switch frame.Type {
	case wire.TypeHello:
		var hello wire.HelloPayload
		if err := json.Unmarshal(frame.Payload, &hello); err != nil {
			return fmt.Errorf("decoding hello: %w", err)
		}
		n.upsertFromHello(hello, remoteHost(remote), frame.Unverified, !frame.Unverified)
		return nil

	case wire.TypeMsg:
		n.peers.Touch(sender)
		switch wire.ProbeType(frame.Payload) {
		case wire.MsgHandshakeInit:
			if err := n.hs.HandleInit(sender, frame.Payload); err != nil {
				n.alertOnMismatch(sender, err)
				return err
			}
			n.drainRelay(sender)
			return nil
		case wire.MsgHandshakeResp:
			if err := n.hs.HandleResp(sender, frame.Payload); err != nil {
				n.alertOnMismatch(sender, err)
				return err
			}
			n.drainRelay(sender)
			return nil
		case "":
			msg, err := n.msgr.HandleIncoming(sender, frame.Payload)
			if err != nil {
				return err
			}
			if n.events.MessageReceived != nil {
				n.events.MessageReceived(*msg)
			}
			return nil
		default:
			// Unknown discriminators are ignored, never an error.
			return nil
		}

	case wire.TypePeerList:
		return n.ingestPeerList(frame.Payload)

	case wire.TypeManifest:
		m, err := n.engine.HandleManifest(sender, frame.Payload)
		if err != nil {
			return err
		}
		n.log.Info("manifest received", "peer", sender.Short(), "file", m.FileName, "size", m.FileSize)
		if n.events.ManifestReceived != nil {
			n.events.ManifestReceived(sender, m)
		}
		return nil

	case wire.TypeChunkReq:
		return n.engine.ServeChunkReq(sender, frame.Payload)

	case wire.TypeChunkData:
		return n.engine.HandleChunkData(sender, frame.Payload)

	case wire.TypeRelay:
		msg, err := n.msgr.HandleRelay(sender, frame.Payload)
		if err != nil {
			return err
		}
		if msg != nil && n.events.MessageReceived != nil {
			n.events.MessageReceived(*msg)
		}
		return nil

	case wire.TypeAck:
		return nil

	default:
		// Unknown frame types are dropped without noise.
		return nil
	}
}

func (n *Node) alertOnMismatch(id identity.NodeID, err error) {
	if err == handshake.ErrTrustMismatch && n.events.TrustAlert != nil {
		n.events.TrustAlert(id)
	}
}

func (n *Node) ingestPeerList(payload []byte) error {
	var list wire.PeerListPayload
	if err := json.Unmarshal(payload, &list); err != nil {
		return fmt.Errorf("decoding peer list: %w", err)
	}
	for _, entry := range list.Peers {
		peerID, err := identity.ParseNodeID(entry.NodeID)
		if err != nil || peerID == n.id.NodeID {
			continue
		}
		signingPub, err := base64.StdEncoding.DecodeString(entry.SigningPub)
		if err != nil {
			continue
		}
		dhPub, err := decode32(entry.DHPub)
		if err != nil {
			continue
		}
		fresh := n.peers.Upsert(peer.Peer{
			NodeID:      peerID,
			Address:     entry.Address,
			Port:        entry.Port,
			SigningPub:  signingPub,
			DHPub:       dhPub,
			SharedFiles: entry.SharedFiles,
		})
		if fresh && n.events.PeerDiscovered != nil {
			n.events.PeerDiscovered(n.peers.Get(peerID))
		}
	}
	return nil
}

// drainRelay forwards every queued envelope for target over the now-open
// connection. Fetch-and-delete is one attempt; failures are logged, not
// retried.
func (n *Node) drainRelay(target identity.NodeID) {
	frames, err := n.msgr.RelayFramesFor(target)
	if err != nil {
		n.log.Warn("relay drain failed", "peer", target.Short(), "error", err)
		return
	}
	for _, payload := range frames {
		if err := n.transport.SendTo(target, wire.TypeRelay, payload); err != nil {
			n.log.Warn("relay delivery failed", "peer", target.Short(), "error", err)
			return
		}
	}
	if len(frames) > 0 {
		n.log.Info("relay queue drained", "peer", target.Short(), "envelopes", len(frames))
	}
}

func remoteHost(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func decode32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("want 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}
