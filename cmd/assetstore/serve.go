package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bertiespell/asset-canister/internal/admission"
	"github.com/bertiespell/asset-canister/internal/api"
	"github.com/bertiespell/asset-canister/internal/auth"
	"github.com/bertiespell/asset-canister/internal/clock"
	"github.com/bertiespell/asset-canister/internal/config"
	"github.com/bertiespell/asset-canister/internal/logging/audit"
	"github.com/bertiespell/asset-canister/internal/logging/loki"
	"github.com/bertiespell/asset-canister/internal/metrics"
	"github.com/bertiespell/asset-canister/internal/moderation"
	"github.com/bertiespell/asset-canister/internal/quota"
	"github.com/bertiespell/asset-canister/internal/ratelimit"
	"github.com/bertiespell/asset-canister/internal/snapshot"
	"github.com/bertiespell/asset-canister/internal/store"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	serveListen    string
	serveDataDir   string
	serveReconcile bool
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the asset server",
		Long: `Run the asset server.

On start the snapshot is loaded and the bulk tier is reopened. A missing
snapshot is only accepted when the bulk tier is empty, or when --reconcile is
given, in which case the ID counters are recovered from the stored keys. On
SIGINT or SIGTERM the server drains in-flight requests and writes a snapshot.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgFile, serveDataDir)
			if err != nil {
				return err
			}
			if serveListen != "" {
				cfg.Listen = serveListen
			}
			if !cmd.Flags().Changed("log-level") && cfg.LogLevel != "" {
				if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
					zerolog.SetGlobalLevel(level)
				}
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runServe(ctx, cfg, serveReconcile)
		},
	}
	cmd.Flags().StringVar(&serveListen, "listen", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&serveDataDir, "data-dir", "", "data directory (overrides config)")
	cmd.Flags().BoolVar(&serveReconcile, "reconcile", false, "recover ID counters from the bulk tier when the snapshot is missing")
	return cmd
}

// serveRunner adapts runServe to the service manager.
func serveRunner(dataDir string) func(ctx context.Context, configPath string) error {
	return func(ctx context.Context, configPath string) error {
		cfg, err := loadConfig(configPath, dataDir)
		if err != nil {
			return err
		}
		return runServe(ctx, cfg, false)
	}
}

func loadConfig(path, dataDir string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.SetDataDir(dataDir)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func limitsFromConfig(cfg *config.Config) admission.Limits {
	l := cfg.Limits
	return admission.Limits{
		MaxChunkSize: uint64(l.MaxChunkSize.Bytes()),
		MaxChunks:    l.MaxChunks,
		MaxFileSize:  uint64(l.MaxFileSize.Bytes()),
		Capacity:     uint64(l.Capacity.Bytes()),
		SafetyBuffer: uint64(l.SafetyBuffer.Bytes()),
		MinFreeDisk:  uint64(l.MinFreeDisk.Bytes()),
	}
}

// node is a fully wired server.
type node struct {
	cfg      *config.Config
	store    *store.Store
	service  *admission.Service
	server   *api.Server
	metrics  *metrics.AssetMetrics
	snapPath string
}

func newNode(cfg *config.Config, clk clock.Clock) (*node, error) {
	codec, err := store.NewCodec(cfg.Storage.Compression, cfg.Storage.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("create codec: %w", err)
	}
	st, err := store.Open(store.Options{
		Dir:       cfg.BulkDir(),
		Backend:   cfg.Storage.Backend,
		Codec:     codec,
		PublicURL: cfg.PublicURL,
		Clock:     clk,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var m *metrics.AssetMetrics
	if cfg.Metrics.Enabled {
		m = metrics.Default()
	}

	superusers := auth.NewSuperusers(cfg.SuperuserIDs())
	auditLog := audit.NewLogger(log.Logger.With().Str("component", "audit").Logger())
	service, err := admission.New(admission.Options{
		Store:      st,
		Ledger:     quota.NewLedger(),
		Limiter:    ratelimit.New(ratelimit.DefaultConfig(), clk, superusers, nil),
		Registry:   moderation.NewRegistry(st),
		Superusers: superusers,
		Clock:      clk,
		Limits:     limitsFromConfig(cfg),
		DataDir:    cfg.DataDir,
		Audit:      auditLog,
		Metrics:    m,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	tokens, err := auth.NewTokens([]byte(cfg.Auth.Secret), cfg.Auth.Issuer)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	opts := api.Options{
		Service:           service,
		Tokens:            tokens,
		Metrics:           m,
		Audit:             auditLog,
		RequestsPerSecond: cfg.Server.RequestsPerSecond,
		Burst:             cfg.Server.Burst,
	}
	if m != nil {
		opts.MetricsHandler = metrics.Handler()
	}

	return &node{
		cfg:      cfg,
		store:    st,
		service:  service,
		server:   api.NewServer(opts),
		metrics:  m,
		snapPath: cfg.Storage.SnapshotPath,
	}, nil
}

// restoreState loads the snapshot into the service. A missing snapshot is a
// first start when the bulk tier is empty; otherwise it is an error unless
// reconcile is set.
func (n *node) restoreState(reconcile bool) error {
	state, err := snapshot.Load(n.snapPath)
	switch {
	case errors.Is(err, snapshot.ErrNoSnapshot):
		if n.store.Empty() {
			log.Info().Str("path", n.snapPath).Msg("no snapshot, initializing empty store")
			return nil
		}
		if !reconcile {
			return fmt.Errorf("snapshot %s is missing but the bulk tier holds %d files; restore the snapshot or start with --reconcile",
				n.snapPath, n.store.FileCount())
		}
		log.Warn().Str("path", n.snapPath).Msg("snapshot missing, reconciling counters from the bulk tier; ledger and blocklist start empty")
		n.service.Reconcile()
		return nil
	case err != nil:
		return err
	}
	return n.service.Restore(state)
}

// saveSnapshot writes the snapshot and logs the outcome.
func (n *node) saveSnapshot() error {
	if err := n.service.SaveSnapshot(n.snapPath); err != nil {
		log.Error().Err(err).Str("path", n.snapPath).Msg("failed to write snapshot")
		return err
	}
	log.Debug().Str("path", n.snapPath).Msg("snapshot written")
	return nil
}

// runMaintenance runs periodic snapshots, rate limit compaction and metric
// collection until ctx is cancelled.
func (n *node) runMaintenance(ctx context.Context) {
	if n.metrics != nil {
		go metrics.NewCollector(n.metrics, n.service).Run(ctx, n.cfg.CollectInterval())
	}

	every(ctx, n.cfg.CompactInterval(), func() {
		if dropped := n.service.Compact(); dropped > 0 {
			log.Debug().Int("dropped", dropped).Msg("compacted rate limit logs")
		}
	})
	every(ctx, n.cfg.SnapshotInterval(), func() {
		_ = n.saveSnapshot()
	})
}

// every runs fn on a ticker in a goroutine. A zero interval disables it.
func every(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

func (n *node) close() error {
	return n.store.Close()
}

// startLoki tees the global logger into a Loki writer and returns a func that
// flushes and detaches it.
func startLoki(cfg *config.Config) func() {
	labels := map[string]string{"network": cfg.Network, "version": Version}
	maps.Copy(labels, cfg.Loki.Labels)
	w := loki.NewWriter(loki.Config{
		URL:           cfg.Loki.URL,
		Labels:        labels,
		BatchSize:     cfg.Loki.BatchSize,
		FlushInterval: cfg.LokiFlushInterval(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	log.Logger = log.Output(zerolog.MultiLevelWriter(logOutput(), w))
	log.Info().Str("url", cfg.Loki.URL).Msg("Loki log shipping enabled")

	return func() {
		log.Logger = log.Output(logOutput())
		cancel()
		<-done
	}
}

func runServe(ctx context.Context, cfg *config.Config, reconcile bool) error {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// Loki is attached before the node so the audit logger ships too.
	if cfg.Loki.URL != "" {
		stopLoki := startLoki(cfg)
		defer stopLoki()
	}

	n, err := newNode(cfg, clock.NewSystem())
	if err != nil {
		return err
	}
	defer func() {
		if err := n.close(); err != nil {
			log.Error().Err(err).Msg("failed to close store")
		}
	}()

	if err := n.restoreState(reconcile); err != nil {
		log.Error().Err(err).Str("path", n.snapPath).Msg("failed to restore state")
		return fmt.Errorf("restore state: %w", err)
	}

	log.Info().
		Str("version", Version).
		Str("data_dir", cfg.DataDir).
		Str("backend", cfg.Storage.Backend).
		Str("network", cfg.Network).
		Int("files", n.store.FileCount()).
		Uint64("next_file_id", n.service.CurrentFileCounter()).
		Msg("asset store ready")

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}

	maintCtx, stopMaint := context.WithCancel(ctx)
	n.runMaintenance(maintCtx)

	serveErr := n.server.Serve(ctx, ln, cfg.ShutdownTimeout())
	stopMaint()

	// The snapshot is written after the server drains so no accepted call is lost.
	if err := n.saveSnapshot(); err != nil {
		return errors.Join(serveErr, err)
	}
	log.Info().Str("path", n.snapPath).Msg("final snapshot written")
	return serveErr
}
