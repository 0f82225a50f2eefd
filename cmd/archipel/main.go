package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"archipel/internal/config"
	"archipel/internal/identity"
	"archipel/internal/node"
	"archipel/internal/store"

	qrterminal "github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config from its default (or env-overridden) location.
func loadConfig() (*config.Config, error) {
	defaults, err := node.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}
	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config (run 'archipel config init' first): %w", err)
	}
	return cfg, nil
}

// loadIdentity opens the long-term key material, prompting for the
// passphrase when the config marks the identity file encrypted.
func loadIdentity(cfg *config.Config) (*identity.Identity, string, error) {
	if !cfg.Identity.Encrypted {
		id, err := identity.LoadOrGenerate(cfg.Identity.KeyPath)
		return id, "", err
	}
	passphrase, err := promptPassphrase("Identity passphrase: ", false)
	if err != nil {
		return nil, "", err
	}
	id, err := identity.LoadEncrypted(cfg.Identity.KeyPath, passphrase)
	if err != nil {
		return nil, "", fmt.Errorf("unlocking identity: %w", err)
	}
	return id, passphrase, nil
}

// promptPassphrase reads a passphrase without echo. When confirm is set the
// passphrase is read twice and both entries must match.
func promptPassphrase(prompt string, confirm bool) (string, error) {
	readOne := func(p string) (string, error) {
		fmt.Fprint(os.Stderr, p)
		if term.IsTerminal(int(os.Stdin.Fd())) {
			b, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return "", fmt.Errorf("reading passphrase: %w", err)
			}
			return string(b), nil
		}
		// Piped input, e.g. in scripts.
		r := bufio.NewReader(os.Stdin)
		line, err := r.ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("reading passphrase: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	pass, err := readOne(prompt)
	if err != nil {
		return "", err
	}
	if pass == "" {
		return "", fmt.Errorf("empty passphrase")
	}
	if confirm {
		again, err := readOne("Confirm passphrase: ")
		if err != nil {
			return "", err
		}
		if pass != again {
			return "", fmt.Errorf("passphrases do not match")
		}
	}
	return pass, nil
}

var rootCmd = &cobra.Command{
	Use:   "archipel",
	Short: "LAN-only peer-to-peer messaging and file transfer",
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration and generate a node identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		encrypt, _ := cmd.Flags().GetBool("encrypt")

		defaults, err := node.GetDefaults()
		if err != nil {
			return fmt.Errorf("getting defaults: %w", err)
		}

		if name == "" {
			host, err := os.Hostname()
			if err != nil {
				host = "island"
			}
			name = host
		}

		cfg := config.NewConfig(name, defaults["base_dir"])
		cfg.Identity.Encrypted = encrypt

		var id *identity.Identity
		if encrypt {
			passphrase, err := promptPassphrase("New identity passphrase: ", true)
			if err != nil {
				return err
			}
			id, err = identity.Generate()
			if err != nil {
				return fmt.Errorf("generating identity: %w", err)
			}
			if err := id.SaveEncrypted(cfg.Identity.KeyPath, passphrase); err != nil {
				return fmt.Errorf("saving identity: %w", err)
			}
		} else {
			id, err = identity.LoadOrGenerate(cfg.Identity.KeyPath)
			if err != nil {
				return fmt.Errorf("generating identity: %w", err)
			}
		}

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Node name: %s\n", cfg.NodeName)
		fmt.Printf("Node ID:   %s\n", id.NodeID.Hex())
		fmt.Printf("Base dir:  %s\n", cfg.BaseDir)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := node.GetDefaults()
		if err != nil {
			return fmt.Errorf("getting defaults: %w", err)
		}
		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Node name:       %s\n", cfg.NodeName)
		fmt.Printf("Base dir:        %s\n", cfg.BaseDir)
		fmt.Printf("Log dir:         %s\n", cfg.LogDir)
		fmt.Printf("TCP port:        %d\n", cfg.Network.TCPPort)
		fmt.Printf("Multicast group: %s\n", cfg.Network.MulticastGroup)
		fmt.Printf("Announce every:  %ds\n", cfg.Network.AnnounceInterval)
		fmt.Printf("Identity:        %s (encrypted: %v)\n", cfg.Identity.KeyPath, cfg.Identity.Encrypted)
		fmt.Printf("Database:        %s\n", cfg.Database.Type)
		fmt.Printf("Shared dir:      %s\n", cfg.Files.SharedDir)
		fmt.Printf("Download dir:    %s\n", cfg.Files.DownloadDir)
		return nil
	},
}

// id command
var idCmd = &cobra.Command{
	Use:   "id",
	Short: "Print the local node id",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		id, _, err := loadIdentity(cfg)
		if err != nil {
			return err
		}
		fmt.Println(id.NodeID.Hex())
		return nil
	},
}

// invite command
var inviteCmd = &cobra.Command{
	Use:   "invite",
	Short: "Print the bootstrap invite link for this node",
	RunE: func(cmd *cobra.Command, args []string) error {
		asQR, _ := cmd.Flags().GetBool("qr")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		id, _, err := loadIdentity(cfg)
		if err != nil {
			return err
		}
		link, err := node.InviteLinkFor(cfg, id)
		if err != nil {
			return err
		}
		fmt.Println(link)
		if asQR {
			printQR(link)
		}
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history PEER_ID",
	Short: "View persisted message history with a peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		peerID, err := identity.ParseNodeID(args[0])
		if err != nil {
			return fmt.Errorf("parsing peer id: %w", err)
		}

		db, err := store.NewFromConfig(cfg.Database)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer db.Close()

		msgs, err := db.MessageHistory(peerID.Hex(), limit)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			fmt.Println("No messages recorded.")
			return nil
		}
		for _, m := range msgs {
			printStoredMessage(m)
		}
		return nil
	},
}

func printStoredMessage(m store.Message) {
	flags := ""
	if m.Encrypted {
		flags += " [enc]"
	}
	fmt.Printf("%s  %s%s  %s\n",
		m.Timestamp.Format("2006-01-02 15:04:05"),
		m.Sender[:8],
		flags,
		m.Content,
	)
}

func printQR(link string) {
	qrterminal.GenerateWithConfig(link, qrterminal.Config{
		Level:     qrterminal.M,
		Writer:    os.Stdout,
		BlackChar: qrterminal.BLACK,
		WhiteChar: qrterminal.WHITE,
		QuietZone: 1,
	})
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().String("name", "", "Node name shown to peers (default: hostname)")
	configInitCmd.Flags().Bool("encrypt", false, "Protect the identity file with a passphrase")
	configCmd.AddCommand(configListCmd)

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(idCmd)
	rootCmd.AddCommand(inviteCmd)
	inviteCmd.Flags().Bool("qr", false, "Also render the link as a QR code")
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of messages to show")
	rootCmd.AddCommand(startCmd)
}
