// Package main provides the CLI entry point for the switchcore switch daemon.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/postalsys/switchcore/internal/certutil"
	"github.com/postalsys/switchcore/internal/config"
	"github.com/postalsys/switchcore/internal/crypto"
	"github.com/postalsys/switchcore/internal/identity"
	"github.com/postalsys/switchcore/internal/logging"
	"github.com/postalsys/switchcore/internal/metrics"
	"github.com/postalsys/switchcore/internal/switchcore"
	"github.com/postalsys/switchcore/internal/transport"
	"github.com/postalsys/switchcore/internal/transportreg"

	ma "github.com/multiformats/go-multiaddr"
)

// Version is set at build time via ldflags.
var Version = "dev"

var (
	styleHeader = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	styleDim    = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	styleOK     = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "switchd",
		Short:   "switchd manages a peer-to-peer connection switch",
		Version: Version,
	}

	var configPath string
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config YAML (defaults built in if absent)")

	rootCmd.AddCommand(idCmd(&configPath))
	rootCmd.AddCommand(listenCmd(&configPath))
	rootCmd.AddCommand(dialCmd(&configPath))
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(certCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// loadOrGenerateIdentity loads a keypair from dataDir/identity.key, or
// generates and persists a new one if none exists yet. The key is stored
// as the raw 64-byte Ed25519 private key.
func loadOrGenerateIdentity(dataDir string) (*identity.Keypair, error) {
	path := filepath.Join(dataDir, "identity.key")

	if raw, err := os.ReadFile(path); err == nil {
		kp, err := identity.KeypairFromPrivateKeyBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("parse identity file %s: %w", path, err)
		}
		return kp, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read identity file %s: %w", path, err)
	}

	kp, err := identity.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dataDir, err)
	}
	if err := os.WriteFile(path, kp.PrivateKey, 0o600); err != nil {
		return nil, fmt.Errorf("write identity file %s: %w", path, err)
	}
	return kp, nil
}

func idCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "Print this node's peer ID",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			kp, err := loadOrGenerateIdentity(cfg.Switch.DataDir)
			if err != nil {
				return err
			}
			fmt.Println(kp.PeerId().String())
			return nil
		},
	}
}

// buildSwitch wires a Switch out of cfg: identity, transports, optional
// protector, and the configured dial concurrency.
func buildSwitch(cfg *config.Config) (*switchcore.Switch, *identity.Keypair, error) {
	kp, err := loadOrGenerateIdentity(cfg.Switch.DataDir)
	if err != nil {
		return nil, nil, err
	}

	logger := logging.NewLogger(cfg.Switch.LogLevel, cfg.Switch.LogFormat)
	reg := transportreg.New(logger)
	if cfg.Transport.QUIC.Enabled {
		reg.Add("quic", transport.NewQUICTransport(), 0, 0)
	}
	if cfg.Transport.WS.Enabled {
		reg.Add("ws", transport.NewWebSocketTransport(), 0, 0)
	}
	if cfg.Transport.H2.Enabled {
		reg.Add("h2", transport.NewH2Transport(), 0, 0)
	}

	opts := []switchcore.Option{
		switchcore.WithLogger(logger),
		switchcore.WithMetrics(metrics.Default()),
	}

	if psk, ok, err := cfg.Protector.GetPSK(); err != nil {
		return nil, nil, err
	} else if ok {
		if mgmtPub, hasMgmt, err := cfg.Protector.GetManagementPub(); err != nil {
			return nil, nil, err
		} else if hasMgmt {
			opts = append(opts, switchcore.WithProtector(crypto.NewManagementSealedProtector(psk, mgmtPub)))
		} else {
			opts = append(opts, switchcore.WithProtector(crypto.NewPSKProtector(psk)))
		}
	}

	sw := switchcore.New(kp, reg, opts...)
	return sw, kp, nil
}

// transportEndpointFor looks up the TransportEndpointConfig matching a
// listener's transport tag.
func transportEndpointFor(cfg *config.Config, tag string) *config.TransportEndpointConfig {
	switch tag {
	case "quic":
		return &cfg.Transport.QUIC
	case "ws":
		return &cfg.Transport.WS
	case "h2":
		return &cfg.Transport.H2
	}
	return nil
}

func listenCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Start the switch and listen on the addresses in the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			sw, kp, err := buildSwitch(cfg)
			if err != nil {
				return err
			}

			sw.Handle("/switchcore/echo/1.0.0", func(protocol string, stream io.ReadWriteCloser, peerInfo *identity.PeerInfo) {
				defer stream.Close()
				io.Copy(stream, stream)
			})

			var specs []switchcore.ListenSpec
			for _, l := range cfg.Listeners {
				spec := switchcore.ListenSpec{Tag: l.Transport, Addr: l.Address}
				if endpoint := transportEndpointFor(cfg, l.Transport); endpoint != nil {
					spec.PlainText = endpoint.PlainText
					if endpoint.TLSCert != "" || endpoint.TLSKey != "" {
						tlsCfg, err := transport.LoadTLSConfig(endpoint.TLSCert, endpoint.TLSKey)
						if err != nil {
							return fmt.Errorf("load TLS config for %s listener: %w", l.Transport, err)
						}
						spec.TLSConfig = tlsCfg
					}
				}
				specs = append(specs, spec)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := sw.Start(ctx, specs); err != nil {
				return fmt.Errorf("start switch: %w", err)
			}
			defer sw.Stop()

			fmt.Println(styleHeader.Render("switchd listening"))
			fmt.Println(styleDim.Render("peer id: ") + kp.PeerId().String())
			for _, spec := range specs {
				fmt.Println(styleDim.Render("  " + spec.Tag + " " + spec.Addr))
			}

			<-ctx.Done()
			fmt.Println(styleDim.Render("shutting down"))
			return nil
		},
	}
}

func dialCmd(configPath *string) *cobra.Command {
	var protocolID string
	cmd := &cobra.Command{
		Use:   "dial <peer-id> <multiaddr>...",
		Short: "Dial a peer and negotiate a protocol",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			sw, _, err := buildSwitch(cfg)
			if err != nil {
				return err
			}

			peerID, err := identity.ParsePeerId(args[0])
			if err != nil {
				return fmt.Errorf("parse peer id %q: %w", args[0], err)
			}

			var addrs []ma.Multiaddr
			for _, raw := range args[1:] {
				a, err := ma.NewMultiaddr(raw)
				if err != nil {
					return fmt.Errorf("parse multiaddr %q: %w", raw, err)
				}
				addrs = append(addrs, a)
			}
			peer := identity.NewPeerInfo(peerID, addrs...)

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Dial.DialTimeout)
			defer cancel()

			start := time.Now()
			stream, err := sw.Dial(ctx, peer, protocolID)
			if err != nil {
				return fmt.Errorf("dial %s: %w", peerID, err)
			}
			defer stream.Close()

			fmt.Println(styleOK.Render(fmt.Sprintf("connected to %s in %s", peerID.ShortString(), time.Since(start))))
			_, err = io.Copy(stream, os.Stdin)
			return err
		},
	}
	cmd.Flags().StringVar(&protocolID, "protocol", "/switchcore/echo/1.0.0", "protocol ID to negotiate after dialing")
	return cmd
}

// certCmd generates a self-signed leaf certificate for the QUIC/H2
// transports' TLS layer (independent of switchcore's own X25519 identity
// handshake, which is what actually authenticates peers).
func certCmd() *cobra.Command {
	var commonName, certPath, keyPath string
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Generate a self-signed TLS certificate for transport-level TLS",
		RunE: func(cmd *cobra.Command, args []string) error {
			gc, err := certutil.GenerateCert(certutil.DefaultPeerOptions(commonName))
			if err != nil {
				return fmt.Errorf("generate certificate: %w", err)
			}
			if err := gc.SaveToFiles(certPath, keyPath); err != nil {
				return fmt.Errorf("save certificate: %w", err)
			}
			fmt.Println(styleOK.Render("generated " + certPath + " / " + keyPath))
			fmt.Println(styleDim.Render("fingerprint: ") + gc.Fingerprint())
			return nil
		},
	}
	cmd.Flags().StringVar(&commonName, "common-name", "localhost", "certificate common name")
	cmd.Flags().StringVar(&certPath, "cert", "./data/tls.crt", "output certificate path")
	cmd.Flags().StringVar(&keyPath, "key", "./data/tls.key", "output key path")
	return cmd
}

func statusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report build and version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			status := map[string]string{"version": Version}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}
			fmt.Println(styleHeader.Render("switchd ") + styleDim.Render(Version))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}
