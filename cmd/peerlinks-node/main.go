// Command peerlinks-node is a thin reference daemon: it loads or creates a
// local identity and peer id, listens for and dials plain TCP connections,
// drives protocol.Protocol.Connect over each, and serves Prometheus metrics.
// It does no discovery or mesh formation — callers name peers explicitly on
// the command line or in config, exactly the "already-established socket"
// boundary the protocol package is built against.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"peerlinks/internal/config"
	"peerlinks/internal/metrics"
	"peerlinks/internal/mnemonic"
	"peerlinks/internal/netframe"
	"peerlinks/internal/protocol"
	"peerlinks/internal/storage"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to peerlinks.yaml (optional)")
	dataDir := flag.String("data-dir", "", "Directory for node local data (overrides config)")
	listenAddr := flag.String("listen-address", "", "TCP listen address (overrides config)")
	identityName := flag.String("identity", "default", "Name of the local identity to load or create")
	dial := flag.String("dial", "", "Comma-separated host:port list of peers to dial at startup")
	flag.Parse()

	if *showVersion {
		fmt.Printf("peerlinks-node version=%s commit=%s\n", version, commit)
		return
	}

	cfg := config.LoadFromPath(*configPath)
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *listenAddr != "" {
		cfg.ListenAddress = *listenAddr
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		log.Fatalf("peerlinks-node: creating data dir: %v", err)
	}

	localPeerID, err := loadOrCreatePeerID(cfg.DataDir)
	if err != nil {
		log.Fatalf("peerlinks-node: peer id: %v", err)
	}

	store := storage.NewMemoryStorage()
	node := protocol.New(store, localPeerID)
	if err := node.Load(); err != nil {
		log.Fatalf("peerlinks-node: loading state: %v", err)
	}
	if _, err := node.Identity(*identityName); err == protocol.ErrUnknownIdentity {
		self, handle, err := node.CreateIdentity(*identityName)
		if err != nil {
			log.Fatalf("peerlinks-node: creating identity %q: %v", *identityName, err)
		}
		id, idErr := mnemonic.DisplayID(self.PublicKey)
		if idErr != nil {
			id = "(display id unavailable)"
		}
		log.Printf("peerlinks-node: created identity %q (%s) with feed channel %q", *identityName, id, handle.Name)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsListenAddr != "" {
		go serveMetrics(cfg.MetricsListenAddr)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		log.Fatalf("peerlinks-node: listen on %s: %v", cfg.ListenAddress, err)
	}
	log.Printf("peerlinks-node listening on %s", cfg.ListenAddress)
	go acceptLoop(ln, node)

	for _, addr := range splitPeerList(*dial) {
		go dialPeer(addr, node)
	}
	for _, addr := range cfg.BootstrapPeers {
		go dialPeer(addr, node)
	}

	<-ctx.Done()
	log.Println("peerlinks-node stopping")
	_ = ln.Close()
	_ = node.Close()
	log.Println("peerlinks-node stopped")
}

func acceptLoop(ln net.Listener, node *protocol.Protocol) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func() {
			sess, err := node.Connect(netframe.New(conn))
			if err != nil {
				log.Printf("peerlinks-node: inbound handshake from %s failed: %v", conn.RemoteAddr(), err)
				return
			}
			log.Printf("peerlinks-node: inbound session from %s, remote peer %x", conn.RemoteAddr(), sess.RemoteID)
		}()
	}
}

func dialPeer(addr string, node *protocol.Protocol) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		log.Printf("peerlinks-node: dial %s failed: %v", addr, err)
		return
	}
	sess, err := node.Connect(netframe.New(conn))
	if err != nil {
		log.Printf("peerlinks-node: handshake with %s failed: %v", addr, err)
		return
	}
	log.Printf("peerlinks-node: connected to %s, remote peer %x", addr, sess.RemoteID)
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	log.Printf("peerlinks-node: metrics listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("peerlinks-node: metrics server stopped: %v", err)
	}
}

func splitPeerList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// loadOrCreatePeerID returns the 32-byte session peer id persisted under
// dataDir, generating and saving a fresh one on first run. This id is
// transport-session identity only — distinct from any channel identity key.
func loadOrCreatePeerID(dataDir string) ([]byte, error) {
	path := filepath.Join(dataDir, "peerid")
	if data, err := os.ReadFile(path); err == nil && len(data) == 32 {
		return data, nil
	}
	id := make([]byte, 32)
	if _, err := rand.Read(id); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, id, 0o600); err != nil {
		return nil, err
	}
	return id, nil
}
