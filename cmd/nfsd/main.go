// Command nfsd runs the NFSv4 user-space server core: RPC/compound
// dispatch, session and lock state, the durability pipeline, and
// startup recovery.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nfsd-core/nfsd/internal/authgate"
	"github.com/nfsd-core/nfsd/internal/clientstate"
	"github.com/nfsd-core/nfsd/internal/compound"
	"github.com/nfsd-core/nfsd/internal/config"
	"github.com/nfsd-core/nfsd/internal/coreerr"
	"github.com/nfsd-core/nfsd/internal/fsoracle"
	"github.com/nfsd-core/nfsd/internal/handle"
	"github.com/nfsd-core/nfsd/internal/journal"
	"github.com/nfsd-core/nfsd/internal/lockmgr"
	"github.com/nfsd-core/nfsd/internal/logger"
	"github.com/nfsd-core/nfsd/internal/metrics"
	"github.com/nfsd-core/nfsd/internal/recovery"
	"github.com/nfsd-core/nfsd/internal/rpcserver"
	"github.com/nfsd-core/nfsd/internal/session"
	"github.com/nfsd-core/nfsd/internal/walog"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	version = "dev"
	commit  = "none"
)

const usage = `nfsd - NFSv4 user-space server core

Usage:
  nfsd <command> [flags]

Commands:
  start    Start the server
  version  Show version information

Flags:
  --config string    Path to config file

Environment Variables:
  Options set in the config file can be overridden using environment
  variables; without a config file, the defaults are used as they are.
  Format: NFSD_<SECTION>_<KEY> (use underscores for nested keys)

  Example:
    NFSD_LOGGING_LEVEL=DEBUG nfsd start
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		runStart(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("nfsd %s (commit: %s)\n", version, commit)
	case "help", "--help", "-h":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

func runStart(args []string) {
	startFlags := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := startFlags.String("config", "", "Path to config file")
	if err := startFlags.Parse(args); err != nil {
		log.Fatalf("failed to parse flags: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	loggerCfg := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}
	if err := logger.Init(loggerCfg); err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := newServer(ctx, cfg)
	if err != nil {
		if errors.Is(err, coreerr.ErrConsistency) {
			log.Printf("failed to initialize server: %v", err)
			os.Exit(2)
		}
		log.Fatalf("failed to initialize server: %v", err)
	}

	serverDone := make(chan error, 1)
	go func() { serverDone <- srv.rpc.Serve(ctx) }()

	var metricsDone chan error
	if cfg.Metrics.Enabled {
		metricsDone = make(chan error, 1)
		go func() { metricsDone <- srv.metricsServer.ListenAndServe() }()
		logger.Info("metrics server listening", "port", cfg.Metrics.Port)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("nfsd is running", "port", cfg.Port, "root", cfg.RootPath)

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("shutdown signal received")
		cancel()
		srv.rpc.Shutdown()
		if cfg.Metrics.Enabled {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.metricsServer.Shutdown(shutdownCtx)
		}
		if err := <-serverDone; err != nil {
			logger.Error("server shutdown error", "error", err)
		}
		srv.closeStorage()
		logger.Info("nfsd stopped")

	case err := <-serverDone:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}

	case err := <-metricsDone:
		if err != nil {
			logger.Error("metrics server error", "error", err)
		}
	}
}

// server bundles every subsystem the compound engine and RPC layer
// depend on, plus the file handles kept open for clean shutdown.
type server struct {
	rpc           *rpcserver.Server
	metricsServer *metrics.Server
	wal           *walog.WAL
	journal       *journal.Journal
}

func (s *server) closeStorage() {
	if s.journal != nil {
		s.journal.Close()
	}
	if s.wal != nil {
		s.wal.Close()
	}
}

func newServer(ctx context.Context, cfg *config.Config) (*server, error) {
	handles, err := handle.New(cfg.RootPath)
	if err != nil {
		return nil, fmt.Errorf("handle table: %w", err)
	}

	fs, err := fsoracle.New(cfg.RootPath)
	if err != nil {
		return nil, fmt.Errorf("filesystem oracle: %w", err)
	}

	if err := os.MkdirAll(cfg.WALPath, 0o755); err != nil {
		return nil, fmt.Errorf("wal directory: %w", err)
	}
	if err := os.MkdirAll(cfg.JournalPath, 0o755); err != nil {
		return nil, fmt.Errorf("journal directory: %w", err)
	}

	wal, err := walog.Open(filepath.Join(cfg.WALPath, "wal.log"))
	if err != nil {
		return nil, fmt.Errorf("wal: %w", err)
	}

	jnl, err := journal.Open(filepath.Join(cfg.JournalPath, "journal.log"), wal)
	if err != nil {
		wal.Close()
		return nil, fmt.Errorf("journal: %w", err)
	}

	reg := prometheus.NewRegistry()
	met := metrics.New(reg)

	if err := runCrashRecovery(wal, jnl, fs, met); err != nil {
		jnl.Close()
		wal.Close()
		return nil, fmt.Errorf("crash recovery: %w", err)
	}

	locks := lockmgr.New()
	locks.SetWaitTimeout(cfg.LockWaitTimeout())

	clientSnapshotPath := filepath.Join(cfg.JournalPath, "clients.snapshot")
	priorClients, err := clientstate.LoadPersisted(clientSnapshotPath)
	if err != nil {
		jnl.Close()
		wal.Close()
		return nil, fmt.Errorf("client snapshot: %w", err)
	}

	clients := clientstate.New()
	clients.SetLeaseDuration(cfg.LeaseDuration())
	if err := clients.SetPersistPath(clientSnapshotPath); err != nil {
		jnl.Close()
		wal.Close()
		return nil, fmt.Errorf("client snapshot: %w", err)
	}

	sessions := session.New()
	sessions.SetTimeout(cfg.SessionTimeout())

	graceRecords := make([]recovery.ReclaimRecord, 0, len(priorClients))
	for _, pc := range priorClients {
		graceRecords = append(graceRecords, recovery.ReclaimRecord{ClientID: pc.ClientID, Verifier: pc.Verifier})
	}
	grace := recovery.NewGraceWindow(time.Now(), cfg.GracePeriod(), graceRecords)
	go endGraceWindow(ctx, grace, clients, cfg.GracePeriod())

	pipeline := recovery.NewPipeline(func(_ context.Context, entry journal.Entry) error {
		return verifyReplayedEntry(fs, entry)
	})
	pipeline.OnClientFailure = func(alert recovery.Alert) {
		clients.Evict(alert.ClientID)
		sessions.DestroyForClient(alert.ClientID)
		logger.Error("operator alert: client recovery failed",
			"alert_id", alert.ID, "severity", alert.Severity.String(),
			"client_id", alert.ClientID, "message", alert.Message)
	}

	engine := &compound.Engine{
		Handles:          handles,
		Clients:          clients,
		Sessions:         sessions,
		Locks:            locks,
		Journal:          jnl,
		FS:               fs,
		Now:              time.Now,
		Metrics:          met,
		Grace:            grace,
		RecoveryPipeline: pipeline,
	}

	var acceptor authgate.GSSAcceptor
	gate := authgate.New(acceptor)
	engine.AuthGate = gate

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		jnl.Close()
		wal.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	rpc := rpcserver.New(listener, gate, &nfsHandler{engine: engine},
		rpcserver.WithReleaseHolder(locks.ReleaseHolder),
	)

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(fmt.Sprintf(":%d", cfg.Metrics.Port), reg)
	}

	go sweepStaleLocks(ctx, locks, met, cfg.StaleLockSweepInterval())

	return &server{rpc: rpc, metricsServer: metricsServer, wal: wal, journal: jnl}, nil
}

// verifyReplayedEntry is the reconnect pipeline's Apply: the physical
// mutation already ran once before the connection dropped, so replay
// only needs to confirm the target is in the state the operation
// implies, the same postcondition crash recovery checks.
func verifyReplayedEntry(fs *fsoracle.Oracle, entry journal.Entry) error {
	_, err := fs.GetAttrs(entry.TargetPath, fsoracle.AttrType)
	if strings.EqualFold(entry.Procedure, "REMOVE") {
		if err == nil {
			return fmt.Errorf("replay: %s still exists after REMOVE", entry.TargetPath)
		}
		return nil
	}
	return err
}

// endGraceWindow closes the grace-period reclaim window once it
// elapses and evicts every known client that never reclaimed, logging
// each eviction at Info level.
func endGraceWindow(ctx context.Context, grace *recovery.GraceWindow, clients *clientstate.Manager, period time.Duration) {
	timer := time.NewTimer(period)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	for _, clientID := range grace.EndWindow() {
		clients.Evict(clientID)
		logger.Info("grace period ended without reclaim, client evicted", "client_id", clientID)
	}
}

// runCrashRecovery replays or discards every incomplete journal entry
// found at startup before the server accepts any traffic.
func runCrashRecovery(wal *walog.WAL, jnl *journal.Journal, fs *fsoracle.Oracle, met *metrics.Metrics) error {
	start := time.Now()
	recoverer := &recovery.CrashRecoverer{WAL: wal, Journal: jnl, FS: fs}
	verdicts, err := recoverer.Run(func(entry journal.Entry) error {
		// The physical mutation already landed before the crash for a
		// completed-but-uncommitted entry; redo here means committing
		// the WAL transaction the crash left dangling, which Run does
		// itself after this callback returns nil.
		return nil
	})
	met.ObserveRecoveryDuration(time.Since(start))
	if err != nil {
		return err
	}
	for _, v := range verdicts {
		decision := metrics.DecisionRedo
		if v.Decision == recovery.DecisionUndo {
			decision = metrics.DecisionUndo
		}
		met.ObserveRecoveryDecision(decision)
		logger.Info("crash recovery verdict", "seq", v.SeqID, "decision", v.Decision.String(), "verified", v.Verified)
	}
	return nil
}

func sweepStaleLocks(ctx context.Context, locks *lockmgr.Manager, met *metrics.Metrics, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := locks.ReapStale(time.Now())
			if n > 0 {
				logger.Info("reaped stale locks", "count", n)
				for i := 0; i < n; i++ {
					met.ObserveLockRelease("stale")
				}
			}
		}
	}
}
