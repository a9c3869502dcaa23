// Package persistence implements the dirty-set coalescing flush pipeline: writes are queued by
// entity key, coalesced last-write-wins under a monotonic version, and flushed in bounded batches on a timer so a
// burst of map-tick mutations never turns into one write per mutation.
package persistence

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/allanbatista/mu-core-server/internal/account"
	"github.com/allanbatista/mu-core-server/internal/apperr"
	"github.com/allanbatista/mu-core-server/internal/directory"
)

// maxAttempts bounds how many times a job is retried before it is dropped as failed_permanent; only the backoff cap
// is constrained externally, so the ceiling is a local decision recorded in DESIGN.md.
const maxAttempts = 8

// backoffCap is the maximum backoff delay between retries of the same coalesced job.
const backoffCap = 30 * time.Second

// criticalWait bounds how long Submit blocks for a critical-channel job while the pipeline is DEGRADED before
// surfacing PERSISTENCE_DEGRADED to the caller.
const criticalWait = 100 * time.Millisecond

// Store is the storage target the pipeline flushes batches into. Satisfied by *account.Repository; an interface so
// tests can substitute a fake without a Postgres connection.
type Store interface {
	UpsertCharacterStates(ctx context.Context, states []account.CharacterState) error
}

// job is one coalesced, per-character pending write. Successive Submits for the same character id replace state but
// never regress it, since callers always submit the latest authoritative snapshot.
type job struct {
	state      account.CharacterState
	attempt    int
	enqueuedAt time.Time
	notBefore  time.Time
}

// Metrics is a point-in-time snapshot of pipeline telemetry.
type Metrics struct {
	Queued          int
	InFlight        int
	Coalesced       uint64
	Retried         uint64
	FailedPermanent uint64
	Degraded        bool
	P50FlushLatency time.Duration
	P95FlushLatency time.Duration
}

// Pipeline is the runtime-wide persistence actor: one dirty-set map guarded by a mutex (mutation volume here is far
// lower than a map instance's per-tick state, so a plain mutex is simpler than the lock-free actor style used for
// map instances) plus a background flush loop.
type Pipeline struct {
	store Store
	cfg   directory.PersistenceConfig
	log   zerolog.Logger

	mu       sync.Mutex
	dirty    map[uuid.UUID]*job
	inFlight int

	coalesced       atomic.Uint64
	retried         atomic.Uint64
	failedPermanent atomic.Uint64

	lastFlushSuccess atomic.Value // time.Time

	latMu     sync.Mutex
	latencies []time.Duration
}

// New builds a persistence pipeline against store, using cfg's flush tick, batch size, and DEGRADED threshold.
func New(store Store, cfg directory.PersistenceConfig, log zerolog.Logger) *Pipeline {
	p := &Pipeline{
		store: store,
		cfg:   cfg,
		log:   log.With().Str("component", "persistence").Logger(),
		dirty: make(map[uuid.UUID]*job),
	}
	p.lastFlushSuccess.Store(time.Now())
	return p
}

// Submit enqueues (or coalesces into an existing pending write) a character state snapshot. critical marks
// Economy/GameplayEvent-originated writes, which block up to criticalWait while the pipeline is DEGRADED rather
// than being accepted silently or dropped outright.
func (p *Pipeline) Submit(ctx context.Context, state account.CharacterState, critical bool) error {
	if critical && p.isDegraded() {
		select {
		case <-time.After(criticalWait):
		case <-ctx.Done():
			return ctx.Err()
		}
		if p.isDegraded() {
			return apperr.New(apperr.PersistenceDegraded, "persistence pipeline degraded, rejecting critical write for %s", state.CharacterID)
		}
	}

	p.mu.Lock()
	if existing, ok := p.dirty[state.CharacterID]; ok {
		existing.state = state
		p.coalesced.Add(1)
	} else {
		p.dirty[state.CharacterID] = &job{state: state, enqueuedAt: time.Now()}
	}
	p.mu.Unlock()
	return nil
}

// Run drains the dirty set on cfg's flush tick until ctx is cancelled, the background loop launched by the runtime
// supervisor via runtime.RunWithBackoff.
func (p *Pipeline) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.FlushTick())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.flushOnce(ctx)
		}
	}
}

// Flush performs a single synchronous flush pass, used by the runtime supervisor's shutdown sequence to drain the
// dirty set once more before the process exits.
func (p *Pipeline) Flush(ctx context.Context) {
	p.flushOnce(ctx)
}

func (p *Pipeline) flushOnce(ctx context.Context) {
	now := time.Now()

	p.mu.Lock()
	batch := make([]*job, 0, p.cfg.MaxBatchSize)
	ids := make([]uuid.UUID, 0, p.cfg.MaxBatchSize)
	for id, j := range p.dirty {
		if now.Before(j.notBefore) {
			continue
		}
		batch = append(batch, j)
		ids = append(ids, id)
		if len(batch) >= p.cfg.MaxBatchSize {
			break
		}
	}
	for _, id := range ids {
		delete(p.dirty, id)
	}
	p.inFlight = len(batch)
	p.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	states := make([]account.CharacterState, len(batch))
	for i, j := range batch {
		states[i] = j.state
	}

	start := time.Now()
	err := p.store.UpsertCharacterStates(ctx, states)
	latency := time.Since(start)

	p.mu.Lock()
	p.inFlight = 0
	p.mu.Unlock()

	if err != nil {
		p.log.Warn().Err(err).Int("batch_size", len(batch)).Msg("flush batch failed, requeuing with backoff")
		p.requeue(batch, now)
		return
	}

	p.lastFlushSuccess.Store(time.Now())
	p.recordLatency(latency)
}

// requeue reinserts a failed batch's jobs, bumping their attempt count and scheduling them no earlier than an
// exponential backoff delay. Jobs that have exhausted maxAttempts are dropped as failed_permanent rather than
// retried forever.
func (p *Pipeline) requeue(batch []*job, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, j := range batch {
		j.attempt++
		if j.attempt > maxAttempts {
			p.failedPermanent.Add(1)
			p.log.Error().Stringer("character_id", j.state.CharacterID).Int("attempts", j.attempt).
				Msg("persistence job exceeded retry limit, dropping")
			continue
		}
		p.retried.Add(1)
		j.notBefore = now.Add(backoffDelay(j.attempt))

		if existing, ok := p.dirty[j.state.CharacterID]; ok {
			// A newer Submit coalesced in while this job was in flight; keep the newer state but preserve the
			// backoff schedule so the retry doesn't immediately refire.
			existing.notBefore = j.notBefore
			existing.attempt = j.attempt
			continue
		}
		p.dirty[j.state.CharacterID] = j
	}
}

// backoffDelay returns the exponential delay for the given attempt number, capped at backoffCap.
func backoffDelay(attempt int) time.Duration {
	d := time.Second
	for i := 1; i < attempt && d < backoffCap; i++ {
		d *= 2
	}
	if d > backoffCap {
		d = backoffCap
	}
	return d
}

// isDegraded reports whether the pipeline has gone longer than MaxFlushLag without a successful flush.
func (p *Pipeline) isDegraded() bool {
	last, _ := p.lastFlushSuccess.Load().(time.Time)
	return time.Since(last) > p.cfg.MaxFlushLag()
}

func (p *Pipeline) recordLatency(d time.Duration) {
	p.latMu.Lock()
	defer p.latMu.Unlock()
	p.latencies = append(p.latencies, d)
	if len(p.latencies) > 256 {
		p.latencies = p.latencies[len(p.latencies)-256:]
	}
}

func (p *Pipeline) percentile(pct float64) time.Duration {
	p.latMu.Lock()
	defer p.latMu.Unlock()
	if len(p.latencies) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), p.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(pct * float64(len(sorted)-1))
	return sorted[idx]
}

// Snapshot returns a point-in-time Metrics view, for the runtime supervisor's persistence_metrics telemetry.
func (p *Pipeline) Snapshot() Metrics {
	p.mu.Lock()
	queued := len(p.dirty)
	inFlight := p.inFlight
	p.mu.Unlock()

	return Metrics{
		Queued:          queued,
		InFlight:        inFlight,
		Coalesced:       p.coalesced.Load(),
		Retried:         p.retried.Load(),
		FailedPermanent: p.failedPermanent.Load(),
		Degraded:        p.isDegraded(),
		P50FlushLatency: p.percentile(0.50),
		P95FlushLatency: p.percentile(0.95),
	}
}
