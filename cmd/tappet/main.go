// Command tappet bridges a local tap device and a UDP peer over an
// authenticated, encrypted point-to-point tunnel.
//
// Usage:
//
//	tappet [-l] <tap-name> <our-privkey-path> <address> <port> <their-pubkey-path> <nonce-file-path>
//
// A connector (the default role) dials the given address/port immediately.
// A listener (-l) binds to it instead and learns its peer from the first
// successfully authenticated datagram it receives.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tappet/tappet/internal/dgram"
	"github.com/tappet/tappet/internal/keyfile"
	"github.com/tappet/tappet/internal/loop"
	"github.com/tappet/tappet/internal/tapdev"
)

var (
	listen   bool
	logLevel string
)

func main() {
	root := &cobra.Command{
		Use:   "tappet <tap-name> <our-privkey-path> <address> <port> <their-pubkey-path> <nonce-file-path>",
		Short: "Point-to-point encrypted Layer-2 tunnel over a tap device and UDP",
		Args:  cobra.ExactArgs(6),
		RunE:  run,
	}

	root.Flags().BoolVarP(&listen, "listen", "l", false, "bind and wait for a peer instead of dialing one")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func run(cmd *cobra.Command, args []string) error {
	log := newLogger()

	if os.Geteuid() == 0 {
		return fmt.Errorf("tappet refuses to run as root; attach to an already-configured tap device as an ordinary user")
	}

	tapName := args[0]
	ourKeyPath := args[1]
	address := args[2]
	portStr := args[3]
	theirPubPath := args[4]
	noncePath := args[5]

	peerAddr, err := parsePeerAddr(address, portStr)
	if err != nil {
		return err
	}

	ourPriv, _, err := keyfile.ReadKeypair(ourKeyPath)
	if err != nil {
		return fmt.Errorf("reading our keypair: %w", err)
	}
	theirPub, err := keyfile.ReadPublicKey(theirPubPath)
	if err != nil {
		return fmt.Errorf("reading their public key: %w", err)
	}
	noncePrefix, err := keyfile.ReadIncrementPersist(noncePath)
	if err != nil {
		return fmt.Errorf("persisting nonce prefix: %w", err)
	}

	tap, err := tapdev.Attach(tapName)
	if err != nil {
		return fmt.Errorf("attaching to tap device %q: %w", tapName, err)
	}
	defer tap.Close()

	role := loop.RoleConnector
	var bindAddr, initialPeer *net.UDPAddr
	if listen {
		role = loop.RoleListener
		bindAddr = peerAddr
	} else {
		initialPeer = peerAddr
		if peerAddr.IP.To4() == nil {
			// dgram.New picks the socket family from the bind address, so an
			// IPv6 peer needs the socket bound to the IPv6 wildcard address.
			bindAddr = &net.UDPAddr{IP: net.IPv6unspecified}
		}
	}

	sock, err := dgram.New(bindAddr)
	if err != nil {
		return fmt.Errorf("creating UDP socket: %w", err)
	}
	defer sock.Close()

	tunnel, err := loop.New(loop.Config{
		Role:        role,
		OurPrivate:  ourPriv,
		TheirPublic: theirPub,
		NoncePrefix: noncePrefix,
		InitialPeer: initialPeer,
		Dgram:       sock,
		Tap:         tap,
		Log:         log,
	})
	if err != nil {
		return fmt.Errorf("initializing tunnel: %w", err)
	}

	log.Info("tappet starting", "role", roleName(role), "tap", tapName, "peer", peerAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := tunnel.Run(ctx); err != nil {
		return fmt.Errorf("tunnel terminated: %w", err)
	}
	return nil
}

// parsePeerAddr validates and parses the positional address/port pair,
// matching the reference implementation's get_sockaddr: IPv4 or IPv6
// literal only (no hostnames), port in 1..65534.
func parsePeerAddr(address, portStr string) (*net.UDPAddr, error) {
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65534 {
		return nil, fmt.Errorf("port %q must be an integer between 1 and 65534", portStr)
	}
	ip := net.ParseIP(address)
	if ip == nil {
		return nil, fmt.Errorf("address %q is not a valid IPv4 or IPv6 address", address)
	}
	return &net.UDPAddr{IP: ip, Port: port}, nil
}

func roleName(role loop.Role) string {
	if role == loop.RoleListener {
		return "listener"
	}
	return "connector"
}
