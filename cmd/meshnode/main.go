// Command meshnode runs one driftmesh peer: a coordinator wired to a real
// gRPC transport, exposed over HTTP for introspection. Grounded on the
// teacher's cmd/cluster-node/main.go — DRIFTMESH_* env vars with
// built-in defaults, comma-separated bootstrap peer parsing, and
// signal.Notify-driven graceful shutdown — adapted from a replicated KV
// node to a channel/stream mesh coordinator.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"driftmesh/internal/config"
	"driftmesh/internal/coordinator"
	"driftmesh/internal/httpapi"
	"driftmesh/internal/logging"
	"driftmesh/internal/metrics"
	"driftmesh/internal/model"
	"driftmesh/internal/repo"
	"driftmesh/internal/transport"
)

func main() {
	logging.Init()

	localRepo := repo.NewInMemoryLocalNodeRepository()
	nodeID := model.NodeID(os.Getenv("DRIFTMESH_NODE_ID"))
	if nodeID == "" {
		nodeID = localRepo.ResolveNodeID()
	}

	gossipAddr := os.Getenv("DRIFTMESH_GOSSIP_ADDRESS")
	if gossipAddr == "" {
		gossipAddr = ":9090"
	}

	httpPort := envInt("DRIFTMESH_HTTP_PORT", 8080)

	configPath := os.Getenv("DRIFTMESH_CONFIG_FILE")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("meshnode: loading config %s: %v", configPath, err)
	}

	bootstrapPeers := parseBootstrapPeers(os.Getenv("DRIFTMESH_BOOTSTRAP_PEERS"))

	port, err := transport.NewGRPCTransport(nodeID, gossipAddr)
	if err != nil {
		log.Fatalf("meshnode: starting gRPC transport on %s: %v", gossipAddr, err)
	}

	m := metrics.New()
	coord := coordinator.New(nodeID, port, transport.NewSystemClock(), cfg, m, coordinator.Repositories{
		LocalNode: localRepo,
	})

	for id, addr := range bootstrapPeers {
		port.AddPeerAddress(id, addr)
		coord.AddPeer(id, "")
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := coord.Start(ctx); err != nil {
		log.Fatalf("meshnode: starting coordinator: %v", err)
	}

	ratePerSecond := envInt("DRIFTMESH_RATE_LIMIT_PER_SECOND", 100)
	burst := envInt("DRIFTMESH_RATE_LIMIT_BURST", 200)
	api := httpapi.New(coord, m, ratePerSecond, burst)

	log.Printf("driftmesh node %s starting:", nodeID)
	log.Printf("  gossip address: %s", gossipAddr)
	log.Printf("  http address: :%d", httpPort)
	log.Printf("  bootstrap peers: %v", bootstrapPeers)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", httpPort),
		Handler: api.Router(),
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("meshnode: http server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Println("meshnode: received shutdown signal")

	cancel()
	_ = httpServer.Close()
	if err := coord.Stop(); err != nil {
		log.Printf("meshnode: stop: %v", err)
	}
	if err := coord.Dispose(); err != nil {
		log.Printf("meshnode: dispose: %v", err)
	}
}

// parseBootstrapPeers parses "id1=host:port,id2=host:port" pairs, trimming
// whitespace around each entry the way the teacher trims BOOTSTRAP_NODES.
func parseBootstrapPeers(raw string) map[model.NodeID]string {
	peers := make(map[model.NodeID]string)
	if raw == "" {
		return peers
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		idAddr := strings.SplitN(entry, "=", 2)
		if len(idAddr) != 2 {
			logging.Warn("meshnode: ignoring malformed bootstrap peer %q", entry)
			continue
		}
		peers[model.NodeID(strings.TrimSpace(idAddr[0]))] = strings.TrimSpace(idAddr[1])
	}
	return peers
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		logging.Warn("meshnode: ignoring invalid %s=%q: %v", name, raw, err)
		return fallback
	}
	return v
}
