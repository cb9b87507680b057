package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zentalk/meshphone/pkg/api"
	"github.com/zentalk/meshphone/pkg/energy"
	"github.com/zentalk/meshphone/pkg/identity"
	"github.com/zentalk/meshphone/pkg/link/tcplink"
	"github.com/zentalk/meshphone/pkg/meshcore"
	"github.com/zentalk/meshphone/pkg/routing"
	"github.com/zentalk/meshphone/pkg/store/sqlitestore"
)

const heartbeatInterval = 30 * time.Second

var (
	dataDir      = flag.String("data", "./mesh-data", "data directory for the identity store and ledger")
	passphrase   = flag.String("passphrase", "", "at-rest encryption passphrase for the local store")
	listenAddr   = flag.String("listen", ":7000", "address to accept peer connections on")
	peersFlag    = flag.String("peers", "", "comma-separated identity@host:port peers to dial at startup")
	contactsPath = flag.String("contacts", "./contacts.json", "path to a JSON file of identity -> base64 agreement public key")
	topologyPath = flag.String("topology", "", "optional path to a JSON file of identity -> []identity describing the wider mesh, for multi-hop routing beyond direct neighbors")
	apiPort      = flag.Int("api-port", 8765, "HTTP status/control API port, 0 disables it")
	pluggedIn    = flag.Bool("plugged-in", false, "advertise this node as mains-powered, earning the relay bonus")
)

func main() {
	flag.Parse()

	printBanner()

	if err := os.MkdirAll(*dataDir, 0700); err != nil {
		log.Fatalf("failed to create data directory: %v", err)
	}

	db, err := sqlitestore.Open(*dataDir+"/mesh.db", *passphrase, map[string]time.Duration{
		"seen": 10 * time.Minute,
	})
	if err != nil {
		log.Fatalf("failed to open local store: %v", err)
	}

	idStore, err := loadOrGenerateIdentity(db)
	if err != nil {
		log.Fatalf("failed to load or generate identity: %v", err)
	}
	log.Printf("✓ identity: %s", idStore.Self())

	if err := loadContacts(idStore, *contactsPath); err != nil {
		log.Printf("⚠️  contacts: %v", err)
	}

	ledger := energy.NewLedger()
	routes := routing.New(idStore.Self())

	lnk := tcplink.New(idStore.Self())
	if err := lnk.Listen(*listenAddr); err != nil {
		log.Fatalf("failed to listen on %s: %v", *listenAddr, err)
	}
	log.Printf("✓ listening for peer connections on %s", lnk.Addr())

	cfg := meshcore.DefaultConfig()
	cfg.PluggedIn = *pluggedIn
	node := meshcore.New(idStore.Self(), idStore, ledger, routes, lnk, db, cfg)

	node.OnMessage(func(from, content string, timestamp float64) {
		log.Printf("📩 %s: %s", from, content)
	})
	node.OnDelivery(func(messageID string) {
		log.Printf("✓ delivered %s", messageID)
	})

	if *topologyPath != "" {
		graph, err := loadTopology(*topologyPath)
		if err != nil {
			log.Printf("⚠️  topology: %v", err)
		} else {
			node.SetNetworkGraph(graph)
			log.Printf("✓ loaded topology for %d nodes", len(graph))
		}
	}

	for _, spec := range splitPeers(*peersFlag) {
		peerIdentity, addr, ok := strings.Cut(spec, "@")
		if !ok {
			log.Printf("⚠️  ignoring malformed peer %q (want identity@host:port)", spec)
			continue
		}
		if err := lnk.Connect(peerIdentity, addr); err != nil {
			log.Printf("⚠️  failed to connect to %s at %s: %v", peerIdentity, addr, err)
			continue
		}
		log.Printf("✓ connected to %s at %s", peerIdentity, addr)
	}

	group, ctx := errgroup.WithContext(context.Background())

	var apiServer *api.Server
	if *apiPort != 0 {
		apiConfig := api.DefaultConfig()
		apiConfig.Port = *apiPort
		apiServer, err = api.NewServer(node, apiConfig)
		if err != nil {
			log.Fatalf("failed to create api server: %v", err)
		}
		group.Go(func() error {
			return apiServer.Start(ctx)
		})
		log.Printf("✓ status api on http://localhost:%d/api/v1/node/info", *apiPort)
	}

	group.Go(func() error {
		startHeartbeatLoop(ctx, node)
		return nil
	})

	printStatus(node, *listenAddr, *apiPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println()
	log.Println("shutting down gracefully...")

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			log.Printf("error stopping api server: %v", err)
		}
	}
	if err := lnk.Close(); err != nil {
		log.Printf("error closing link: %v", err)
	}
	if err := idStore.Save(db); err != nil {
		log.Printf("error saving identity: %v", err)
	}
	if err := db.Close(); err != nil {
		log.Printf("error closing store: %v", err)
	}
	if err := group.Wait(); err != nil {
		log.Printf("background task error: %v", err)
	}

	log.Println("✓ stopped")
	log.Println("goodbye 👋")
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Println("║              meshphone node v1.0               ║")
	fmt.Println("║   onion-routed, energy-priced mesh messaging   ║")
	fmt.Println("╚═══════════════════════════════════════════════╝")
	fmt.Println()
}

func printStatus(node *meshcore.Node, listenAddr string, apiPort int) {
	fmt.Println()
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("🚀 meshnode status")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("   Identity: %s\n", node.Self())
	fmt.Printf("   Listening: %s\n", listenAddr)
	fmt.Printf("   Neighbors: %d\n", len(node.Neighbors()))
	if balance, ok := node.EnergyStats(); ok {
		fmt.Printf("   Energy balance: %.1f\n", balance.Balance)
	}
	if apiPort != 0 {
		fmt.Printf("   Status API: http://localhost:%d\n", apiPort)
	}
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()
}

func startHeartbeatLoop(ctx context.Context, node *meshcore.Node) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	tickTicker := time.NewTicker(time.Second)
	defer tickTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tickTicker.C:
			node.Tick()
		case <-ticker.C:
			stats := node.Stats()
			log.Printf("💓 sent=%d relayed=%d received=%d dropped=%d neighbors=%d",
				stats.MessagesSent, stats.MessagesRelayed, stats.MessagesReceived,
				stats.MessagesDropped, len(node.Neighbors()))
		}
	}
}

func loadOrGenerateIdentity(db *sqlitestore.Store) (*identity.Store, error) {
	idStore, err := identity.Load(db)
	if err == nil {
		return idStore, nil
	}

	log.Println("no persisted identity found, generating a new one...")
	idStore, genErr := identity.GenerateIdentity()
	if genErr != nil {
		return nil, genErr
	}
	if err := idStore.Save(db); err != nil {
		return nil, fmt.Errorf("saving new identity: %w", err)
	}
	return idStore, nil
}

// contactsFile is the on-disk form of a peer address book: each entry
// maps a peer's identity string to its base64-encoded X25519 agreement
// public key, the minimum a node needs to start a ratchet session.
type contactsFile map[string]string

func loadContacts(idStore *identity.Store, path string) error {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading contacts file: %w", err)
	}

	var contacts contactsFile
	if err := json.Unmarshal(raw, &contacts); err != nil {
		return fmt.Errorf("parsing contacts file: %w", err)
	}

	for peerIdentity, encoded := range contacts {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			log.Printf("⚠️  contacts: skipping %s, invalid base64 key: %v", peerIdentity, err)
			continue
		}
		if len(raw) != 32 {
			log.Printf("⚠️  contacts: skipping %s, expected a 32-byte key, got %d", peerIdentity, len(raw))
			continue
		}
		var pub [32]byte
		copy(pub[:], raw)
		idStore.PutPeerAgreement(peerIdentity, pub)
	}
	log.Printf("✓ loaded %d contact(s) from %s", len(contacts), path)
	return nil
}

func loadTopology(path string) (map[string][]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading topology file: %w", err)
	}
	var graph map[string][]string
	if err := json.Unmarshal(raw, &graph); err != nil {
		return nil, fmt.Errorf("parsing topology file: %w", err)
	}
	return graph, nil
}

func splitPeers(flagValue string) []string {
	if flagValue == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(flagValue, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
