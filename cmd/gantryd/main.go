// gantryd runs the workflow worker, the runner gateway and the datacenter
// scaler in one process, all sharing a single transactional substrate.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/gantryio/gantry/internal/actor"
	"github.com/gantryio/gantry/internal/agent"
	"github.com/gantryio/gantry/internal/cni"
	"github.com/gantryio/gantry/internal/config"
	"github.com/gantryio/gantry/internal/engine"
	"github.com/gantryio/gantry/internal/history"
	"github.com/gantryio/gantry/internal/kv"
	"github.com/gantryio/gantry/internal/kv/memkv"
	"github.com/gantryio/gantry/internal/kv/pgkv"
	"github.com/gantryio/gantry/internal/kv/sqlitekv"
	"github.com/gantryio/gantry/internal/logging"
	"github.com/gantryio/gantry/internal/metrics"
	"github.com/gantryio/gantry/internal/oci"
	"github.com/gantryio/gantry/internal/runner"
	"github.com/gantryio/gantry/internal/scaler"
	"github.com/gantryio/gantry/internal/worker"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "gantryd",
		Short:         "Durable workflow daemon for actor and runner orchestration",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file")
	cmd.AddCommand(newAgentCmd())
	return cmd
}

// newAgentCmd runs the node-side runner agent: it dials the gateway and
// executes actor containers on the local machine.
func newAgentCmd() *cobra.Command {
	var (
		runnerID   string
		serverURL  string
		datacenter string
		flavor     string
		slots      int
		memoryMB   int64
		reservedMB int64
		rootDir    string
		cniConfDir string
		cniBinDir  string
	)
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the node agent that executes actors for a runner",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(runnerID)
			if err != nil {
				return fmt.Errorf("parse --runner-id: %w", err)
			}
			log, err := logging.New(config.Default().Log, os.Stderr)
			if err != nil {
				return err
			}

			if err := os.MkdirAll(rootDir, 0o755); err != nil {
				return fmt.Errorf("create agent root: %w", err)
			}
			// Recorded CNI capability args must survive an agent crash so
			// teardown releases the same port mappings setup claimed.
			sqlDB, err := sql.Open("sqlite", filepath.Join(rootDir, "agent.db"))
			if err != nil {
				return fmt.Errorf("open agent state: %w", err)
			}
			defer sqlDB.Close()
			db, err := sqlitekv.Open(sqlDB)
			if err != nil {
				return err
			}

			hostname, _ := os.Hostname()
			rt := agent.NewLocalRuntime(
				rootDir,
				oci.NewMaterializer(nil, log),
				cni.NewManager(db, cniConfDir, cniBinDir, log),
				log,
			)
			a := agent.New(agent.Config{
				RunnerID:         id,
				ServerURL:        serverURL,
				Datacenter:       datacenter,
				Flavor:           flavor,
				TotalSlots:       slots,
				TotalMemoryMB:    memoryMB,
				ReservedMemoryMB: reservedMB,
				Hostname:         hostname,
			}, rt, log)

			err = a.Run(cmd.Context())
			if errors.Is(err, context.Canceled) {
				log.Info().Msg("agent shut down")
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&runnerID, "runner-id", "", "runner identity issued by the control plane")
	cmd.Flags().StringVar(&serverURL, "server-url", "", "websocket URL of the runner gateway")
	cmd.Flags().StringVar(&datacenter, "datacenter", "", "datacenter this node belongs to")
	cmd.Flags().StringVar(&flavor, "flavor", "", "capacity flavor advertised to the scaler")
	cmd.Flags().IntVar(&slots, "slots", 16, "actor slots on this node")
	cmd.Flags().Int64Var(&memoryMB, "memory-mb", 0, "total memory available to actors")
	cmd.Flags().Int64Var(&reservedMB, "reserved-memory-mb", 0, "memory held back from placement")
	cmd.Flags().StringVar(&rootDir, "root", "/var/lib/gantry-agent", "directory for bundles and agent state")
	cmd.Flags().StringVar(&cniConfDir, "cni-conf-dir", "", "CNI network config directory")
	cmd.Flags().StringVar(&cniBinDir, "cni-bin-dir", "", "CNI plugin binary directory")
	_ = cmd.MarkFlagRequired("runner-id")
	_ = cmd.MarkFlagRequired("server-url")
	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	log, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	log.Info().Str("version", version).Str("datacenter", cfg.Datacenter).Msg("starting gantryd")

	db, closeDB, err := openKV(ctx, cfg.KV, log)
	if err != nil {
		return err
	}
	defer closeDB()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(promReg)

	store := history.NewStore(db, log)
	registry := engine.NewRegistry()

	directory := runner.NewDirectory(db)
	runnerDeps := &runner.Deps{
		DB:            db,
		Directory:     directory,
		Metrics:       m,
		LostThreshold: cfg.Runner.LostThreshold.Std(),
	}
	if err := runner.Register(registry, runnerDeps); err != nil {
		return err
	}
	if err := actor.Register(registry, &actor.Deps{
		DB:        db,
		Directory: directory,
		Allocator: actor.NewAllocator(db, cfg.Ports),
		Validate:  actor.NewValidator(),
	}); err != nil {
		return err
	}

	eng := engine.New(store, registry, log)
	wrk := worker.New(worker.Config{
		PollInterval: cfg.Worker.PollInterval.Std(),
		LeaseTTL:     cfg.Worker.LeaseTTL.Std(),
		PullBatch:    cfg.Worker.PullBatch,
	}, store, eng, m, log)

	sc := scaler.New(db, store, m, log)
	for _, pool := range cfg.Scaler.Pools {
		if err := sc.PutPoolConfig(ctx, pool); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return wrk.Run(ctx) })

	if cfg.Scaler.Interval.Std() > 0 {
		g.Go(func() error { return sc.Run(ctx, cfg.Scaler.Interval.Std()) })
	}

	if cfg.Gateway.ListenAddr != "" {
		g.Go(func() error {
			return serveHTTP(ctx, cfg.Gateway.ListenAddr, runner.NewGateway(store, db, log), log, "gateway")
		})
	}

	if cfg.Metrics.ListenAddr != "" {
		g.Go(func() error {
			handler := promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})
			mux := http.NewServeMux()
			mux.Handle("/metrics", handler)
			return serveHTTP(ctx, cfg.Metrics.ListenAddr, mux, log, "metrics")
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		log.Info().Msg("shut down")
		return nil
	}
	return err
}

// openKV builds the configured substrate backend. The returned closer is
// safe to call once after all transactions finish.
func openKV(ctx context.Context, cfg config.KVConfig, log zerolog.Logger) (kv.DB, func(), error) {
	switch cfg.Backend {
	case "memory":
		log.Warn().Msg("using the in-memory substrate; state is lost on restart")
		return memkv.New(), func() {}, nil
	case "sqlite":
		sqlDB, err := sql.Open("sqlite", cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", cfg.Path, err)
		}
		store, err := sqlitekv.Open(sqlDB)
		if err != nil {
			sqlDB.Close()
			return nil, nil, err
		}
		return store, func() { sqlDB.Close() }, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres pool: %w", err)
		}
		store, err := pgkv.Open(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown kv backend %q", cfg.Backend)
	}
}

func serveHTTP(ctx context.Context, addr string, handler http.Handler, log zerolog.Logger, name string) error {
	srv := &http.Server{Addr: addr, Handler: handler}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info().Str("addr", addr).Str("server", name).Msg("listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("%s server: %w", name, err)
	}
}
