package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"archipel/internal/chat"
	"archipel/internal/identity"
	"archipel/internal/node"
	"archipel/internal/peer"
	"archipel/internal/transfer"
	"archipel/internal/wire"

	"github.com/spf13/cobra"
)

// start command: runs the node until interrupted, with an interactive
// console on stdin.
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the node with an interactive console",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		_, passphrase, err := loadIdentity(cfg)
		if err != nil {
			return err
		}

		n, err := node.New(cfg, consoleEvents(), passphrase)
		if err != nil {
			return fmt.Errorf("initializing node: %w", err)
		}
		if err := n.Start(); err != nil {
			return fmt.Errorf("starting node: %w", err)
		}
		defer n.Stop()

		fmt.Printf("archipel node %s (%s) is up\n", cfg.NodeName, n.ID().NodeID.Short())
		if link, err := n.InviteURL(); err == nil {
			fmt.Printf("invite link: %s\n", link)
		}
		fmt.Println("type /help for commands")

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

		lines := make(chan string)
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
			close(lines)
		}()

		for {
			select {
			case <-sigs:
				fmt.Println("\nshutting down")
				return nil
			case line, ok := <-lines:
				if !ok {
					// stdin closed (e.g. running detached): wait for a signal.
					<-sigs
					return nil
				}
				if quit := handleConsoleLine(n, line); quit {
					return nil
				}
			}
		}
	},
}

func consoleEvents() node.Events {
	return node.Events{
		PeerDiscovered: func(p *peer.Peer) {
			fmt.Printf("[%s] peer discovered: %s at %s\n", clock(), p.NodeID.Short(), p.Addr())
		},
		MessageReceived: func(m chat.Message) {
			printChatMessage(m)
		},
		ManifestReceived: func(from identity.NodeID, m *wire.Manifest) {
			fmt.Printf("[%s] %s shares %s (%d bytes, id %s)\n",
				clock(), from.Short(), m.FileName, m.FileSize, m.FileID[:12])
		},
		TransferProgress: func(p transfer.Progress) {
			fmt.Printf("\r%s: chunk %d/%d", p.FileName, p.Received, p.Total)
			if p.Received == p.Total {
				fmt.Println()
			}
		},
		TransferComplete: func(fileID, path string) {
			fmt.Printf("[%s] download complete: %s\n", clock(), path)
		},
		TrustAlert: func(id identity.NodeID) {
			fmt.Printf("[%s] WARNING: %s announced keys that differ from the pinned ones\n", clock(), id.Short())
		},
	}
}

func printChatMessage(m chat.Message) {
	tag := ""
	if m.Encrypted {
		tag = " 🔒"
	}
	if m.Tainted {
		tag += " [signature unverified]"
	}
	if m.Relayed {
		tag += " [relayed]"
	}
	fmt.Printf("[%s] %s%s: %s\n", m.Timestamp.Format("15:04:05"), m.From.Short(), tag, m.Content)
}

func clock() string { return time.Now().Format("15:04:05") }

// handleConsoleLine executes one console command. It returns true when the
// console should quit.
func handleConsoleLine(n *node.Node, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	fields := strings.Fields(line)
	cmd, rest := fields[0], fields[1:]

	switch cmd {
	case "/help":
		fmt.Print(`commands:
  /peers                     list active peers
  /send <id> <text>          message one peer (id may be a unique prefix)
  /broadcast <text>          message every active peer
  /handshake <id>            establish an encrypted session
  /trust <id> on|off         assert or revoke trust in a pinned peer
  /share <path>              index a file and announce it
  /files                     list files announced by peers
  /get <file-id>             download an announced file
  /history <id> [n]          show recent messages with a peer
  /invite [qr]               show the bootstrap link
  /connect <link>            dial an invite link
  /quit                      stop the node
`)

	case "/peers":
		peers := n.Peers()
		if len(peers) == 0 {
			fmt.Println("no active peers")
			return false
		}
		for _, p := range peers {
			enc := "plaintext"
			if p.SessionKey != nil {
				enc = "encrypted"
			}
			fmt.Printf("%s  %-21s  rep %-3d  %s  seen %s ago\n",
				p.NodeID.Short(), p.Addr(), p.Reputation, enc,
				time.Since(p.LastSeen).Truncate(time.Second))
		}

	case "/send":
		if len(rest) < 2 {
			fmt.Println("usage: /send <id> <text>")
			return false
		}
		target, err := resolvePeer(n, rest[0])
		if err != nil {
			fmt.Println(err)
			return false
		}
		res, err := n.Send(target.Hex(), strings.Join(rest[1:], " "))
		if err != nil {
			fmt.Println("send failed:", err)
			return false
		}
		reportSend(target, res)

	case "/broadcast":
		if len(rest) == 0 {
			fmt.Println("usage: /broadcast <text>")
			return false
		}
		for target, res := range n.Broadcast(strings.Join(rest, " ")) {
			reportSend(target, res)
		}

	case "/handshake":
		if len(rest) != 1 {
			fmt.Println("usage: /handshake <id>")
			return false
		}
		target, err := resolvePeer(n, rest[0])
		if err != nil {
			fmt.Println(err)
			return false
		}
		established, err := n.Handshake(target.Hex())
		switch {
		case err != nil:
			fmt.Println("handshake failed:", err)
		case established:
			fmt.Printf("session established with %s\n", target.Short())
		default:
			fmt.Printf("%s did not answer, staying in plaintext\n", target.Short())
		}

	case "/trust":
		if len(rest) != 2 || (rest[1] != "on" && rest[1] != "off") {
			fmt.Println("usage: /trust <id> on|off")
			return false
		}
		target, err := resolvePeer(n, rest[0])
		if err != nil {
			fmt.Println(err)
			return false
		}
		if err := n.SetTrusted(target.Hex(), rest[1] == "on"); err != nil {
			fmt.Println("trust update failed:", err)
			return false
		}
		fmt.Printf("trust for %s: %s\n", target.Short(), rest[1])

	case "/share":
		if len(rest) != 1 {
			fmt.Println("usage: /share <path>")
			return false
		}
		m, err := n.Share(rest[0])
		if err != nil {
			fmt.Println("share failed:", err)
			return false
		}
		fmt.Printf("sharing %s (%d chunks, id %s)\n", m.FileName, len(m.Chunks), m.FileID[:12])

	case "/files":
		remote := n.RemoteFiles()
		if len(remote) == 0 {
			fmt.Println("no files announced by peers")
			return false
		}
		for owner, files := range remote {
			for _, f := range files {
				fmt.Printf("%s  %-30s  %10d bytes  %s\n", f.FileID[:12], f.Name, f.Size, owner.Short())
			}
		}

	case "/get":
		if len(rest) != 1 {
			fmt.Println("usage: /get <file-id>")
			return false
		}
		fileID, err := resolveFile(n, rest[0])
		if err != nil {
			fmt.Println(err)
			return false
		}
		go func() {
			if _, err := n.Download(fileID); err != nil {
				fmt.Println("download failed:", err)
			}
		}()

	case "/history":
		if len(rest) < 1 {
			fmt.Println("usage: /history <id> [n]")
			return false
		}
		target, err := resolvePeer(n, rest[0])
		if err != nil {
			fmt.Println(err)
			return false
		}
		limit := 20
		if len(rest) > 1 {
			if v, err := strconv.Atoi(rest[1]); err == nil {
				limit = v
			}
		}
		msgs, err := n.History(target.Hex(), limit)
		if err != nil {
			fmt.Println("history failed:", err)
			return false
		}
		for _, m := range msgs {
			printStoredMessage(m)
		}

	case "/invite":
		link, err := n.InviteURL()
		if err != nil {
			fmt.Println("invite failed:", err)
			return false
		}
		fmt.Println(link)
		if len(rest) > 0 && rest[0] == "qr" {
			printQR(link)
		}

	case "/connect":
		if len(rest) != 1 {
			fmt.Println("usage: /connect <link>")
			return false
		}
		if err := n.ConnectInvite(rest[0]); err != nil {
			fmt.Println("connect failed:", err)
			return false
		}
		fmt.Println("hello sent, waiting for the peer to answer")

	case "/quit", "/exit":
		return true

	default:
		fmt.Println("unknown command, /help for help")
	}
	return false
}

func reportSend(target identity.NodeID, res chat.SendResult) {
	switch {
	case res.Relayed:
		fmt.Printf("%s is unreachable, message queued for relay\n", target.Short())
	case res.Encrypted:
		fmt.Printf("sent to %s (encrypted)\n", target.Short())
	default:
		fmt.Printf("sent to %s (plaintext)\n", target.Short())
	}
}

// resolvePeer matches ref against active peer ids, accepting any
// unambiguous hex prefix.
func resolvePeer(n *node.Node, ref string) (identity.NodeID, error) {
	if id, err := identity.ParseNodeID(ref); err == nil {
		return id, nil
	}
	var matches []identity.NodeID
	for _, p := range n.Peers() {
		if strings.HasPrefix(p.NodeID.Hex(), strings.ToLower(ref)) {
			matches = append(matches, p.NodeID)
		}
	}
	switch len(matches) {
	case 0:
		return identity.NodeID{}, fmt.Errorf("no active peer matches %q", ref)
	case 1:
		return matches[0], nil
	default:
		return identity.NodeID{}, fmt.Errorf("%q is ambiguous (%d peers match)", ref, len(matches))
	}
}

// resolveFile matches ref against announced file ids, accepting any
// unambiguous prefix.
func resolveFile(n *node.Node, ref string) (string, error) {
	var matches []string
	for _, files := range n.RemoteFiles() {
		for _, f := range files {
			if strings.HasPrefix(f.FileID, ref) {
				matches = append(matches, f.FileID)
			}
		}
	}
	switch len(matches) {
	case 0:
		// Could still be a locally indexed file.
		return ref, nil
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%q is ambiguous (%d files match)", ref, len(matches))
	}
}
