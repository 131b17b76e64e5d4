// Package engine wires every collaborator package into one running
// daemon instance: configuration, logger, the two shared-memory
// regions, the registry/conntab/lock/session/recovery/defrag
// machinery, and the request processor pool, plus the teardown
// sequence that unwinds them in the opposite order.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dineshreddyk/sysrepo-go/internal/arena"
	"github.com/dineshreddyk/sysrepo-go/internal/config"
	"github.com/dineshreddyk/sysrepo-go/internal/conntab"
	"github.com/dineshreddyk/sysrepo-go/internal/debugdump"
	"github.com/dineshreddyk/sysrepo-go/internal/defrag"
	"github.com/dineshreddyk/sysrepo-go/internal/dispatch"
	"github.com/dineshreddyk/sysrepo-go/internal/layout"
	"github.com/dineshreddyk/sysrepo-go/internal/logging"
	"github.com/dineshreddyk/sysrepo-go/internal/recovery"
	"github.com/dineshreddyk/sysrepo-go/internal/registry"
	"github.com/dineshreddyk/sysrepo-go/internal/reglock"
	"github.com/dineshreddyk/sysrepo-go/internal/reqpool"
	"github.com/dineshreddyk/sysrepo-go/internal/session"
	"github.com/dineshreddyk/sysrepo-go/internal/shmio"
)

// Engine bundles every collaborator a running daemon needs.
type Engine struct {
	Config   config.Config
	Logger   *zap.Logger
	InstanceID string

	mainRegion *shmio.Region
	arenaRegion *shmio.Region

	Arena      *arena.Arena
	Registry   *registry.Registry
	Conns      *conntab.Table
	Subs       *conntab.Subs
	Locker     *reglock.Locker
	RemapGuard *reglock.RemapGuard
	RegLock    *reglock.RegistryLock
	Sessions   *session.Manager
	Sweeper    *recovery.Sweeper
	Defrag     *defrag.Runner
	Pool       *reqpool.Pool
	Dispatch   *dispatch.Table

	metricsRegistry *prometheus.Registry
}

// New loads configuration, builds the logger, opens (or creates) both
// shared-memory regions, and wires every collaborator package
// together. The caller must call Start to launch the worker pool and
// Close to tear everything down.
func New() (*Engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("engine: load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("engine: build logger: %w", err)
	}

	instanceID := uuid.NewString()
	logger = logger.With(zap.String("instance_id", instanceID))

	mainPath := cfg.Repo.Path + ".main"
	arenaPath := cfg.Repo.Path + ".arena"
	lockPath := cfg.Repo.Path + ".lock"

	for _, dir := range []string{cfg.Repo.StartupDir, cfg.Repo.NotifDir, cfg.Repo.YangDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, os.FileMode(cfg.Repo.DirPerm)); err != nil {
			return nil, fmt.Errorf("engine: create data dir %s: %w", dir, err)
		}
	}

	// The create-lock brackets the brief window where a process
	// discovers the regions are missing and must create + initialize
	// them: without it, two processes racing shmio.Open on a cold repo
	// could both observe "created" and double-initialize the header.
	createLock, err := shmio.OpenCreateLock(lockPath)
	if err != nil {
		return nil, fmt.Errorf("engine: open create lock: %w", err)
	}
	if err := createLock.Lock(); err != nil {
		createLock.Close()
		return nil, fmt.Errorf("engine: acquire create lock: %w", err)
	}

	mainRegion, mainCreated, err := shmio.Open(shmio.Options{
		Path:    mainPath,
		MinSize: max(layout.HeaderSize, cfg.Repo.MainMinSize),
		Perm:    os.FileMode(cfg.Repo.Perm),
	})
	if err != nil {
		createLock.Unlock()
		createLock.Close()
		return nil, fmt.Errorf("engine: open main region: %w", err)
	}

	arenaRegion, arenaCreated, err := shmio.Open(shmio.Options{
		Path:    arenaPath,
		MinSize: max(8, cfg.Repo.ArenaMinSize),
		Perm:    os.FileMode(cfg.Repo.Perm),
	})
	if err != nil {
		mainRegion.Clear()
		createLock.Unlock()
		createLock.Close()
		return nil, fmt.Errorf("engine: open arena region: %w", err)
	}

	if mainCreated != arenaCreated {
		logger.Warn("main/arena region creation state mismatch; repository may be partially initialized",
			zap.Bool("main_created", mainCreated), zap.Bool("arena_created", arenaCreated))
	}

	if mainCreated {
		if err := seedRunningDatastores(cfg, logger); err != nil {
			logger.Warn("seeding running datastores from startup files failed", zap.Error(err))
		}
	}

	if arenaCreated {
		// Append always writes at the current region size, so the bytes
		// between the tally word and the configured minimum size hold no
		// entry; count them as wasted so that size equals tally word +
		// live + wasted, and the first defragmentation reclaims them.
		arena.New(arenaRegion).SetWastedBytes(uint64(arenaRegion.Size()) - 8)
	}

	if err := createLock.Unlock(); err != nil {
		logger.Warn("create lock unlock failed", zap.Error(err))
	}
	if err := createLock.Close(); err != nil {
		logger.Warn("create lock close failed", zap.Error(err))
	}

	a := arena.New(arenaRegion)
	reg := registry.New(mainRegion, a)
	conns := conntab.New(mainRegion, a)
	subs := conntab.NewSubs(reg)
	locker := reglock.NewLocker(mainRegion, conns, uint32(os.Getpid()), cfg.Repo.LockTimeout)
	remapGuard := locker.Guard
	regLock := locker.Main
	sessions := session.New(mainRegion)
	sweeper := recovery.New(conns, subs, reg, regLock)
	defragRunner := defrag.New(reg, subs, conns)

	dispatchTable := dispatch.NewTable()
	pool := reqpool.New(cfg.Pool.Workers, cfg.Pool.QueueDepth, dispatchTable.Handle(context.Background()))

	metricsRegistry := prometheus.NewRegistry()
	for _, c := range pool.Collectors() {
		_ = metricsRegistry.Register(c)
	}

	return &Engine{
		Config:          cfg,
		Logger:          logger,
		InstanceID:      instanceID,
		mainRegion:      mainRegion,
		arenaRegion:     arenaRegion,
		Arena:           a,
		Registry:        reg,
		Conns:           conns,
		Subs:            subs,
		Locker:          locker,
		RemapGuard:      remapGuard,
		RegLock:         regLock,
		Sessions:        sessions,
		Sweeper:         sweeper,
		Defrag:          defragRunner,
		Pool:            pool,
		Dispatch:        dispatchTable,
		metricsRegistry: metricsRegistry,
	}, nil
}

func max(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// seedRunningDatastores copies each per-module startup file into a
// running-datastore file next to the shared-memory regions. Runs only
// on the attach that created the main region, so a restart never
// clobbers running state other processes may still reference.
func seedRunningDatastores(cfg config.Config, logger *zap.Logger) error {
	if cfg.Repo.StartupDir == "" {
		return nil
	}
	entries, err := os.ReadDir(cfg.Repo.StartupDir)
	if err != nil {
		return fmt.Errorf("read startup dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		src := filepath.Join(cfg.Repo.StartupDir, entry.Name())
		data, err := os.ReadFile(src)
		if err != nil {
			return fmt.Errorf("read %s: %w", src, err)
		}
		dst := cfg.Repo.Path + ".run." + entry.Name()
		if err := os.WriteFile(dst, data, os.FileMode(cfg.Repo.Perm)); err != nil {
			return fmt.Errorf("write %s: %w", dst, err)
		}
		logger.Debug("seeded running datastore", zap.String("module", entry.Name()))
	}
	return nil
}

// SetStorage installs the standard operation handlers, delegating
// datastore access to storage. The list-schemas handler is backed by
// the module registry so responses reflect the shared-memory state;
// it runs under the read side of the engine's lock sequence.
func (e *Engine) SetStorage(storage dispatch.Storage) {
	dispatch.RegisterStorage(e.Dispatch, e.listSchemas, storage)
}

func (e *Engine) listSchemas(ctx context.Context) ([]dispatch.Schema, error) {
	if err := e.RemapGuard.AcquireRead(ctx); err != nil {
		return nil, err
	}
	defer e.RemapGuard.ReleaseRead()
	if err := e.RegLock.AcquireRead(ctx, reglock.Options{Timeout: e.Config.Repo.LockTimeout}); err != nil {
		return nil, err
	}
	defer e.RegLock.ReleaseRead()

	count := e.Registry.ModuleCount()
	out := make([]dispatch.Schema, 0, count)
	for i := uint32(0); i < count; i++ {
		m, err := e.Registry.ModuleAt(i)
		if err != nil {
			return nil, err
		}
		out = append(out, dispatch.Schema{
			Module:        m.Name,
			Revision:      m.Revision,
			Features:      m.Features,
			ReplaySupport: m.ReplaySupport,
		})
	}
	return out, nil
}

// Start launches the request processor pool's workers using this
// engine's dispatch table as the handler.
func (e *Engine) Start() {
	e.Pool.Start()
	e.Logger.Info("engine started",
		zap.Int("workers", e.Config.Pool.Workers),
		zap.Int("queue_depth", e.Config.Pool.QueueDepth),
	)
}

// RunLivenessSweep runs one crash/liveness recovery pass under the
// main write lock.
func (e *Engine) RunLivenessSweep(ctx context.Context, selfPID uint32) (recovery.Report, error) {
	if err := e.RegLock.AcquireWrite(ctx, reglock.ModeWrite, reglock.Options{
		Timeout: e.Config.Repo.LockTimeout,
		SelfPID: selfPID,
	}); err != nil {
		return recovery.Report{}, err
	}
	defer e.RegLock.ReleaseWrite()

	report := e.Sweeper.Sweep()
	if report.Err != nil {
		e.Logger.Warn("liveness sweep had errors", zap.Error(report.Err), zap.Int("reclaimed", report.Reclaimed))
	} else {
		e.Logger.Info("liveness sweep complete", zap.Int("reclaimed", report.Reclaimed))
	}
	return report, report.Err
}

// RunDefrag rewrites the arena under the remap guard's write side and
// the main registry's write lock, then, when the logger has debug level
// enabled, logs a dump of the result.
func (e *Engine) RunDefrag(ctx context.Context, selfPID uint32) error {
	if err := e.RemapGuard.AcquireWrite(ctx); err != nil {
		return err
	}
	defer e.RemapGuard.ReleaseWrite()

	if err := e.RegLock.AcquireWrite(ctx, reglock.ModeWrite, reglock.Options{
		Timeout: e.Config.Repo.LockTimeout,
		SelfPID: selfPID,
	}); err != nil {
		return err
	}
	defer e.RegLock.ReleaseWrite()

	before := e.Arena.WastedBytes()
	if err := e.Defrag.Run(); err != nil {
		return fmt.Errorf("engine: defrag: %w", err)
	}
	e.Logger.Info("defragmentation complete",
		zap.Uint64("wasted_before", before),
		zap.Uint64("wasted_after", e.Arena.WastedBytes()),
	)

	if !e.Logger.Core().Enabled(zap.DebugLevel) {
		return nil
	}
	rep, err := debugdump.Run(e.Registry, e.Subs, e.Conns)
	if err != nil {
		return err
	}
	debugdump.Log(e.Logger, rep)
	return nil
}

// MetricsRegistry returns the Prometheus registry the engine's metrics
// were registered against, so main can serve /metrics from it.
func (e *Engine) MetricsRegistry() *prometheus.Registry { return e.metricsRegistry }

// Close stops the worker pool and unmaps both shared-memory regions,
// the reverse order of New's setup.
func (e *Engine) Close() error {
	e.Pool.Shutdown()

	var err error
	if cerr := e.arenaRegion.Clear(); cerr != nil {
		err = cerr
	}
	if cerr := e.mainRegion.Clear(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
