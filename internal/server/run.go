package server

import (
	"context"
	"expvar"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/FoCDoT-Tech/quorum/internal/httpapi"
	"github.com/FoCDoT-Tech/quorum/internal/kvservice"
	"github.com/FoCDoT-Tech/quorum/internal/kvsm"
	"github.com/FoCDoT-Tech/quorum/internal/raft"
	"github.com/FoCDoT-Tech/quorum/internal/raft/storage"
	"github.com/FoCDoT-Tech/quorum/internal/raft/transporthttp"
	"github.com/FoCDoT-Tech/quorum/internal/types"
)

// Run wires together the server components and starts listening.
func Run() error {
	port := flag.Int("port", 8080, "HTTP listen port")
	nodeID := flag.String("id", "node1", "node ID")
	peersFlag := flag.String("peers", "", "comma-separated peer_id=addr pairs (e.g. node2=http://localhost:8081)")
	dataDir := flag.String("data-dir", "", "directory for durable state; empty runs in-memory")
	readPolicy := flag.String("read-policy", "read_index", "read policy: stale or read_index")
	snapThreshold := flag.Uint64("snapshot-threshold", 0, "retained log entries before compaction (0 = default)")
	logLevel := flag.String("log-level", "info", "log level: trace, debug, info, warn, error")
	flag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "quorumd",
		Level: hclog.LevelFromString(*logLevel),
	})

	addr := fmt.Sprintf("http://localhost:%d", *port)
	id := types.NodeID(*nodeID)

	peerMap := map[types.NodeID]string{id: addr}
	members := []types.NodeID{id}
	if *peersFlag != "" {
		for _, p := range strings.Split(*peersFlag, ",") {
			parts := strings.SplitN(strings.TrimSpace(p), "=", 2)
			if len(parts) != 2 {
				return fmt.Errorf("invalid peer format: %q (expected id=addr)", p)
			}
			pid := types.NodeID(parts[0])
			peerMap[pid] = parts[1]
			members = append(members, pid)
		}
	}

	sm := kvsm.New()
	var (
		stable    storage.StableStore
		logStore  storage.LogStore
		snapStore storage.SnapshotStore
	)
	if *dataDir != "" {
		dir := filepath.Join(*dataDir, *nodeID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		fs, err := storage.NewFileStableStore(dir)
		if err != nil {
			return fmt.Errorf("open stable store: %w", err)
		}
		fl, err := storage.NewFileLogStore(dir)
		if err != nil {
			return fmt.Errorf("open log store: %w", err)
		}
		defer fl.Close()
		fsnap, err := storage.NewFileSnapshotStore(dir)
		if err != nil {
			return fmt.Errorf("open snapshot store: %w", err)
		}
		stable, logStore, snapStore = fs, fl, fsnap
		logger.Info("durable state enabled", "dir", dir)
	} else {
		stable = storage.NewMemStableStore()
		logStore = storage.NewMemLogStore()
		snapStore = storage.NewMemSnapshotStore()
		logger.Warn("running in-memory, state is lost on restart")
	}

	resolver := transporthttp.NewPeerResolver(peerMap)
	tp := transporthttp.NewHTTPTransport(resolver)

	cfg := raft.Config{
		ID:                id,
		Members:           members,
		Addr:              addr,
		SnapshotThreshold: *snapThreshold,
		Logger:            logger,
	}
	node, err := raft.NewNode(cfg, stable, logStore, snapStore, tp, sm)
	if err != nil {
		return err
	}

	policy := types.ReadPolicyReadIndex
	if *readPolicy == "stale" {
		policy = types.ReadPolicyStale
	}
	svc := kvservice.New(node, sm, kvservice.Config{ReadPolicy: policy})
	apiServer := httpapi.New(svc, node.Metrics)

	expvar.Publish("consensus", expvar.Func(func() any { return node.Metrics() }))

	mux := http.NewServeMux()
	mux.Handle("/raft/", transporthttp.NewRaftHTTPServer(node).Handler())
	mux.Handle("/debug/vars", expvar.Handler())
	mux.Handle("/", apiServer.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting node", "id", *nodeID, "addr", addr, "members", len(members))
	if err := node.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := node.Stop(shutdownCtx); err != nil {
			logger.Error("node stop", "error", err)
		}
		return srv.Shutdown(shutdownCtx)
	}
}
