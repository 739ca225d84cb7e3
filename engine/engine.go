// Package engine presents the warp engine's embedded API: a sharded
// key/value store with per-shard write-ahead logging, a shared
// multi-tier cache and companion pre-fetch.
//
// A write routes to its shard, appends to that shard's WAL, applies to
// the shard map and populates the cache before acknowledging. A read
// consults the cache first and falls back to the shard map, refilling
// the cache on a miss. The enriched read additionally fans out over the
// key's declared companions in parallel.
//
// The engine is the sole error-translation layer: storage and cache
// internals report raw errors, callers always observe the public
// taxonomy in package models.
package engine

import (
	"bytes"
	"context"
	"errors"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/c-u-l8er/warp-engine/cache"
	"github.com/c-u-l8er/warp-engine/config"
	"github.com/c-u-l8er/warp-engine/logger"
	"github.com/c-u-l8er/warp-engine/models"
	"github.com/c-u-l8er/warp-engine/prefetch"
	"github.com/c-u-l8er/warp-engine/storage/binary"
)

// Option customizes engine construction.
type Option func(*Engine)

// WithMetricsRegistry enables Prometheus instrumentation on the given
// registry. Without it the engine pays no metrics overhead beyond its
// own atomic counters.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(e *Engine) {
		if reg != nil {
			e.sink = newPromMetrics(reg)
		}
	}
}

// Engine is the façade over router, shards, cache and companion index.
type Engine struct {
	cfg      *config.Config
	manifest *binary.Manifest
	router   *Router
	shards   []*shard
	cache    *cache.TieredCache
	index    *prefetch.Index
	store    *prefetch.Store
	sink     metricsSink

	start     time.Time
	readGroup singleflight.Group

	maint *maintenance

	closing  chan struct{}
	shutdown bool
}

// Open validates the configuration, verifies or creates the manifest,
// recovers every shard from its WAL (and snapshot, when one exists) and
// starts the background batchers and sweeps. The returned engine is
// ready for concurrent use.
func Open(cfg *config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, models.NewStorageError(models.ErrInvalidArgument, -1, "", "E-CONFIG", "%v", err)
	}
	if err := os.MkdirAll(cfg.DataRoot, 0755); err != nil {
		return nil, models.NewStorageError(models.ErrInternal, -1, "", "E-DATA-ROOT", "creating data root: %v", err)
	}

	manifest, created, err := binary.LoadOrCreateManifest(cfg.ManifestPath(), cfg.ShardCount)
	if err != nil {
		return nil, models.NewStorageError(models.ErrCorrupted, -1, "", "E-MANIFEST", "%v", err)
	}
	if created {
		logger.Info("initialized new engine at %s", cfg.DataRoot)
	}

	hot, warm := cfg.TierSplit()
	e := &Engine{
		cfg:      cfg,
		manifest: manifest,
		router:   NewRouter(cfg.ShardCount, hot, warm),
		cache: cache.New(cache.Config{
			Capacities:    cfg.CacheCapacities,
			Alpha:         cfg.EvictionAlpha,
			Beta:          cfg.EvictionBeta,
			Gamma:         cfg.EvictionGamma,
			SweepInterval: cfg.CacheSweepInterval,
			StaleAfter:    cfg.CacheStaleAfter,
		}),
		sink:    noopMetrics{},
		start:   time.Now(),
		closing: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	if cfg.CompanionPersist {
		store, err := prefetch.OpenStore(cfg.CompanionDBPath())
		if err != nil {
			return nil, models.NewStorageError(models.ErrInternal, -1, "", "E-COMPANION-DB", "opening companion sidecar: %v", err)
		}
		e.store = store
	}
	e.index = prefetch.NewIndex(cfg.CompanionMax, e.store)
	if err := e.index.LoadFromStore(); err != nil {
		return nil, models.NewStorageError(models.ErrInternal, -1, "", "E-COMPANION-LOAD", "loading companion sidecar: %v", err)
	}

	if err := e.recoverShards(); err != nil {
		return nil, err
	}

	e.cache.Start()
	e.maint = newMaintenance(e)
	e.maint.start()

	logger.Info("engine open: %d shards (%d hot, %d warm), data root %s",
		cfg.ShardCount, hot, warm, cfg.DataRoot)
	return e, nil
}

// maxFrameBytes bounds a single WAL frame: the largest legal put plus
// framing overhead.
func (e *Engine) maxFrameBytes() int {
	return e.cfg.KeyMaxBytes + e.cfg.ValueMaxBytes + 64
}

// recoverShards rebuilds every shard from its snapshot and WAL suffix,
// in parallel.
func (e *Engine) recoverShards() error {
	e.shards = make([]*shard, e.cfg.ShardCount)
	clock := func() int64 { return int64(time.Since(e.start)) }

	var g errgroup.Group
	for i := 0; i < e.cfg.ShardCount; i++ {
		id := uint16(i)
		g.Go(func() error {
			s := &shard{
				id:      id,
				tier:    e.router.TierOf(id),
				records: make(map[string]*models.Record),
				clock:   clock,
			}

			var minSeq uint64
			snapPath, _, found, err := binary.LatestSnapshot(e.cfg.ShardSnapshotDir(id))
			if err != nil {
				return models.NewStorageError(models.ErrInternal, int(id), "", "E-SNAP-LIST", "%v", err)
			}
			if found {
				minSeq, err = binary.ReadSnapshot(snapPath, e.cfg.KeyMaxBytes, e.cfg.ValueMaxBytes, s.applySnapshot)
				if err != nil {
					return models.NewStorageError(models.ErrCorrupted, int(id), "", "E-SNAP-READ", "%v", err)
				}
				logger.Info("shard %d restored snapshot through seq %d", id, minSeq)
			}

			wal, err := binary.OpenWAL(e.cfg.ShardWALDir(id), id, binary.WALOptions{
				FlushInterval: e.cfg.WALFlushInterval,
				FlushBytes:    e.cfg.WALFlushBytes,
				FlushEntries:  e.cfg.WALFlushEntries,
				MaxFileBytes:  e.cfg.WALMaxBytes,
				MaxFrameBytes: e.maxFrameBytes(),
			}, minSeq, s.applyRecovered)
			if err != nil {
				if errors.Is(err, binary.ErrCorruptLog) {
					return models.NewStorageError(models.ErrCorrupted, int(id), "", "E-WAL-RECOVERY", "%v", err)
				}
				return models.NewStorageError(models.ErrInternal, int(id), "", "E-WAL-OPEN", "%v", err)
			}
			s.wal = wal
			e.shards[id] = s
			return nil
		})
	}
	return g.Wait()
}

// now returns monotonic nanoseconds since engine start.
func (e *Engine) now() int64 { return int64(time.Since(e.start)) }

/*
   ---------------- Validation and error mapping ----------------
*/

func (e *Engine) checkOpen() error {
	select {
	case <-e.closing:
		return models.NewStorageError(models.ErrUnavailable, -1, "", "E-CLOSED", "engine is shutting down")
	default:
		return nil
	}
}

func (e *Engine) checkKey(key []byte) error {
	if len(key) == 0 {
		return models.NewStorageError(models.ErrInvalidArgument, -1, "", "E-KEY-EMPTY", "key must be non-empty")
	}
	if len(key) > e.cfg.KeyMaxBytes {
		return models.NewStorageError(models.ErrInvalidArgument, -1, string(key[:32]), "E-KEY-SIZE",
			"key length %d exceeds bound %d", len(key), e.cfg.KeyMaxBytes)
	}
	return nil
}

func (e *Engine) checkCtx(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return models.NewStorageError(models.ErrTimeout, -1, "", "E-DEADLINE", "deadline expired")
		}
		return models.NewStorageError(models.ErrCancelled, -1, "", "E-CANCELLED", "context cancelled")
	}
	return nil
}

func (e *Engine) mapWALErr(err error, shardID uint16, key []byte) error {
	switch {
	case errors.Is(err, binary.ErrWALFailed):
		return models.NewStorageError(models.ErrShardDegraded, int(shardID), string(key), "E-SHARD-DEGRADED",
			"wal unusable; shard rejects writes until restart")
	case errors.Is(err, binary.ErrWALClosed):
		return models.NewStorageError(models.ErrUnavailable, int(shardID), string(key), "E-CLOSED",
			"engine is shutting down")
	default:
		return models.NewStorageError(models.ErrInternal, int(shardID), string(key), "E-WAL-APPEND", "%v", err)
	}
}

/*
   ---------------- Public operations ----------------
*/

// Put writes the value under the key. With default options the call
// returns only after the entry's fsync; see models.PutOptions for the
// buffered mode and cache hints.
func (e *Engine) Put(ctx context.Context, key, value []byte, opts *models.PutOptions) (*models.PutResult, error) {
	t0 := time.Now()
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if err := e.checkKey(key); err != nil {
		return nil, err
	}
	if len(value) > e.cfg.ValueMaxBytes {
		return nil, models.NewStorageError(models.ErrInvalidArgument, -1, string(key), "E-VAL-SIZE",
			"value length %d exceeds bound %d", len(value), e.cfg.ValueMaxBytes)
	}
	if opts == nil {
		opts = &models.PutOptions{}
	}
	if err := opts.Validate(); err != nil {
		return nil, models.NewStorageError(models.ErrInvalidArgument, -1, string(key), "E-OPTS", "%v", err)
	}
	for _, c := range opts.Companions {
		if bytes.Equal(c, key) {
			return nil, models.NewStorageError(models.ErrInvalidArgument, -1, string(key), "E-SELF-COMPANION",
				"key declared as its own companion")
		}
		if err := e.checkKey(c); err != nil {
			return nil, err
		}
	}
	// Deadline safe point: nothing has been appended yet.
	if err := e.checkCtx(ctx); err != nil {
		return nil, err
	}

	shardID := e.router.ShardOf(key)
	sh := e.shards[shardID]
	seq, wrote, err := sh.put(key, value, opts.Durability)
	if err != nil {
		return nil, e.mapWALErr(err, shardID, key)
	}
	e.sink.incWrite(shardID)

	if opts.CacheHint != models.CacheHintNone {
		e.cache.Put(string(key), append([]byte(nil), value...), cacheLevelFor(opts.CacheHint, sh.tier))
	}
	if len(opts.Companions) > 0 {
		comps := make([]string, len(opts.Companions))
		for i, c := range opts.Companions {
			comps[i] = string(c)
		}
		if err := e.index.Declare(string(key), comps, 1.0); err != nil {
			// Validated above; a failure here is a bug.
			logger.Error("one-shot companion declare failed for %q: %v", key, err)
		}
	}

	return &models.PutResult{
		ShardID:    shardID,
		ElapsedNS:  time.Since(t0).Nanoseconds(),
		WroteBytes: wrote,
		Seq:        seq,
	}, nil
}

// cacheLevelFor maps a caller hint and the owning shard's tier to an
// insertion level. Without a hint, hot-tier shards enter L1 and
// everything else enters L2.
func cacheLevelFor(hint models.CacheHint, tier models.Tier) cache.Level {
	switch hint {
	case models.CacheHintHot:
		return cache.L1
	case models.CacheHintWarm:
		return cache.L2
	case models.CacheHintCold:
		return cache.L3
	}
	if tier == models.TierHot {
		return cache.L1
	}
	return cache.L2
}

// Get reads the key. A miss returns models.ErrNotFound as a distinct
// outcome. The returned value must not be mutated.
func (e *Engine) Get(ctx context.Context, key []byte) (*models.GetResult, error) {
	t0 := time.Now()
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if err := e.checkKey(key); err != nil {
		return nil, err
	}
	if err := e.checkCtx(ctx); err != nil {
		return nil, err
	}

	shardID := e.router.ShardOf(key)
	value, found := e.lookup(key, shardID)
	if !found {
		return nil, models.NewStorageError(models.ErrNotFound, int(shardID), string(key), "E-NOT-FOUND", "key not found")
	}
	return &models.GetResult{
		Value:     value,
		ShardID:   shardID,
		ElapsedNS: time.Since(t0).Nanoseconds(),
	}, nil
}

// lookup is the shared read path: cache first, shard map on a miss with
// a singleflight-deduplicated cache refill.
func (e *Engine) lookup(key []byte, shardID uint16) ([]byte, bool) {
	k := string(key)
	if v, lvl, ok := e.cache.Get(k); ok {
		e.sink.incCacheHit(lvl.String())
		return v, true
	}
	e.sink.incCacheMiss()
	if e.cache.Bypassed() {
		e.sink.incCacheBypass()
	}

	type result struct {
		value []byte
		found bool
	}
	v, _, _ := e.readGroup.Do(k, func() (interface{}, error) {
		sh := e.shards[shardID]
		value, found := sh.get(key)
		e.sink.incRead(shardID, found)
		if found {
			e.cache.Put(k, value, cacheLevelFor(models.CacheHintDefault, sh.tier))
		}
		return result{value: value, found: found}, nil
	})
	r := v.(result)
	return r.value, r.found
}

// GetWithCompanions performs the enriched read: the primary first, then
// every declared companion concurrently. Companion failures only ever
// produce missing entries; the call fails solely on the primary.
func (e *Engine) GetWithCompanions(ctx context.Context, key []byte) (*models.EnrichedResult, error) {
	t0 := time.Now()
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if err := e.checkKey(key); err != nil {
		return nil, err
	}
	if err := e.checkCtx(ctx); err != nil {
		return nil, err
	}

	shardID := e.router.ShardOf(key)
	value, found := e.lookup(key, shardID)
	if !found {
		return nil, models.NewStorageError(models.ErrNotFound, int(shardID), string(key), "E-NOT-FOUND", "key not found")
	}

	companions := e.index.Lookup(string(key))
	res := &models.EnrichedResult{
		Value:   value,
		ShardID: shardID,
	}

	if len(companions) > 0 {
		fetchStart := time.Now()
		values := make([][]byte, len(companions))
		oks := make([]bool, len(companions))

		g, _ := errgroup.WithContext(ctx)
		for i, comp := range companions {
			g.Go(func() error {
				ck := []byte(comp.Key)
				if e.checkKey(ck) != nil {
					return nil
				}
				v, ok := e.lookup(ck, e.router.ShardOf(ck))
				values[i], oks[i] = v, ok
				return nil
			})
		}
		_ = g.Wait()

		// Assemble in declared strength order regardless of completion
		// order.
		for i, comp := range companions {
			if oks[i] {
				res.Present = append(res.Present, models.CompanionValue{
					Key:      []byte(comp.Key),
					Value:    values[i],
					Strength: comp.Strength,
				})
			} else {
				res.Missing = append(res.Missing, []byte(comp.Key))
			}
		}
		res.FetchTimeNS = time.Since(fetchStart).Nanoseconds()
		e.sink.observeCompanionFetch(time.Since(fetchStart).Seconds())
	}

	res.ElapsedNS = time.Since(t0).Nanoseconds()
	return res, nil
}

// Delete removes the key. The outcome list reports every shard in probe
// order; only the routed shard can ever report Deleted, since a key
// lives in exactly one shard.
func (e *Engine) Delete(ctx context.Context, key []byte) ([]models.DeleteOutcome, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if err := e.checkKey(key); err != nil {
		return nil, err
	}
	if err := e.checkCtx(ctx); err != nil {
		return nil, err
	}

	shardID := e.router.ShardOf(key)
	sh := e.shards[shardID]

	// Invalidate before the delete is acknowledged so no reader can
	// observe the cached value after the ack.
	e.cache.Invalidate(string(key))

	existed, err := sh.delete(key)
	if err != nil {
		return nil, e.mapWALErr(err, shardID, key)
	}
	if existed {
		e.sink.incDelete(shardID)
		e.index.Forget(string(key))
	}

	outcomes := make([]models.DeleteOutcome, 0, len(e.shards))
	for _, id := range e.router.ProbeOrder() {
		outcomes = append(outcomes, models.DeleteOutcome{
			ShardID: id,
			Deleted: id == shardID && existed,
		})
	}
	return outcomes, nil
}

// DeclareCompanions registers companions for a primary with the given
// strength. Strength zero declares at the default 1.0.
func (e *Engine) DeclareCompanions(primary []byte, companions [][]byte, strength float64) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := e.checkKey(primary); err != nil {
		return err
	}
	if strength == 0 {
		strength = 1.0
	}
	comps := make([]string, len(companions))
	for i, c := range companions {
		if err := e.checkKey(c); err != nil {
			return err
		}
		comps[i] = string(c)
	}
	if err := e.index.Declare(string(primary), comps, strength); err != nil {
		return models.NewStorageError(models.ErrInvalidArgument, -1, string(primary), "E-SELF-COMPANION", "%v", err)
	}
	return nil
}

// ForgetCompanions drops every companion of a primary.
func (e *Engine) ForgetCompanions(primary []byte) {
	e.index.Forget(string(primary))
}

// ForgetCompanion drops a single companion edge.
func (e *Engine) ForgetCompanion(primary, companion []byte) {
	e.index.ForgetCompanion(string(primary), string(companion))
}

// Scan iterates every record across all shards in tier probe order
// (hot, then warm, then cold), key-ascending within a shard. fn
// returning false stops the scan.
func (e *Engine) Scan(fn func(key, value []byte) bool) {
	stopped := false
	for _, id := range e.router.ProbeOrder() {
		if stopped {
			return
		}
		e.shards[id].scan(func(rec *models.Record) bool {
			if !fn(rec.Key, rec.Value) {
				stopped = true
				return false
			}
			return true
		})
	}
}

// Metrics returns a point-in-time snapshot of the engine.
func (e *Engine) Metrics() *models.MetricsSnapshot {
	snap := &models.MetricsSnapshot{
		UptimeNS: e.now(),
		PerShard: make([]models.ShardMetrics, len(e.shards)),
	}
	for i, sh := range e.shards {
		snap.PerShard[i] = sh.metricsSlice()
	}
	for _, ls := range e.cache.Stats() {
		snap.Cache = append(snap.Cache, models.CacheLevelMetrics{
			Level:     ls.Level,
			Capacity:  ls.Capacity,
			Size:      ls.Size,
			Hits:      ls.Hits,
			Misses:    ls.Misses,
			Evictions: ls.Evictions,
		})
	}
	p, t := e.index.Stats()
	snap.CompanionIndex = models.CompanionIndexMetrics{Primaries: p, TotalCompanions: t}
	return snap
}

// ShardCount returns the configured shard count.
func (e *Engine) ShardCount() int { return len(e.shards) }

// Close stops intake, flushes every shard's WAL, stops the batchers and
// sweeps, writes a final snapshot when snapshotting is configured and
// closes all file handles. Close is bounded by the configured grace
// period; exceeding it forces the close after a final flush.
func (e *Engine) Close() error {
	if e.shutdown {
		return nil
	}
	e.shutdown = true
	close(e.closing)

	done := make(chan error, 1)
	go func() { done <- e.closeGraceful() }()

	select {
	case err := <-done:
		return err
	case <-time.After(e.cfg.ShutdownGrace):
		logger.Warn("graceful shutdown exceeded %s; forcing close", e.cfg.ShutdownGrace)
		e.flushAll()
		return models.NewStorageError(models.ErrTimeout, -1, "", "E-SHUTDOWN-GRACE",
			"shutdown exceeded grace period %s", e.cfg.ShutdownGrace)
	}
}

func (e *Engine) closeGraceful() error {
	e.maint.stop()
	e.cache.Stop()
	e.flushAll()

	var firstErr error
	for _, sh := range e.shards {
		if e.cfg.SnapshotInterval > 0 && !sh.degraded() {
			if err := e.maint.snapshotShard(sh); err != nil {
				logger.Warn("final snapshot of shard %d failed: %v", sh.id, err)
			}
		}
		if err := sh.wal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	logger.Info("engine closed")
	logger.Sync()
	if firstErr != nil {
		return models.NewStorageError(models.ErrInternal, -1, "", "E-CLOSE", "%v", firstErr)
	}
	return nil
}

func (e *Engine) flushAll() {
	var g errgroup.Group
	for _, sh := range e.shards {
		g.Go(func() error {
			if _, err := sh.wal.Flush(); err != nil {
				logger.Warn("shard %d final flush failed: %v", sh.id, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
