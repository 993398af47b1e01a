package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"lingochat/pkg/logger"
	"lingochat/pkg/resilience"

	"go.uber.org/zap"
)

const (
	DefaultRetryInterval = 30 * time.Second
	DefaultMaxAttempts   = 4
	DefaultCallTimeout   = 20 * time.Second
)

var (
	ErrExhausted = errors.New("retry attempts exhausted")
	ErrStopped   = errors.New("queue stopped")
)

// Executor performs one attempt of a unit's work
type Executor[P, R any] func(ctx context.Context, payload P) (R, error)

// Options configure an Engine. Zero values take the package defaults.
type Options[P, R any] struct {
	// Store persists units across restarts. nil runs memory-only.
	Store         Store
	RetryInterval time.Duration
	MaxAttempts   int
	CallTimeout   time.Duration
	// IsRetryable classifies failures; defaults to resilience.IsRetryable
	IsRetryable func(error) bool
	// OnSettled is called once for every queued unit when it leaves the queue,
	// including units restored from the store that no caller is waiting on
	OnSettled func(unit Unit[P], result R, err error)
}

// SubmitOption adjusts a single submission
type SubmitOption func(*submitConfig)

type submitConfig struct {
	durability Durability
}

// WithDurability selects whether a queued unit is written to the store
func WithDurability(d Durability) SubmitOption {
	return func(c *submitConfig) { c.durability = d }
}

// Engine executes outbound work once synchronously and, on a retryable
// failure, keeps it and retries on a fixed interval until it succeeds, fails
// terminally, or runs out of attempts.
//
// The in-memory unit map is authoritative; the store is written through and
// only read back by Start.
type Engine[P, R any] struct {
	name string
	exec Executor[P, R]
	opts Options[P, R]
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	units    map[string]*Unit[P]
	waiters  map[string]*Pending[R]
	byKey    map[string]*Pending[R]
	degraded bool
	ticking  bool
	stopped  bool

	processing atomic.Bool
	kick       chan struct{}
	lastWarn   time.Time
}

// New creates an engine. name identifies it in logs and in the store.
func New[P, R any](name string, exec Executor[P, R], opts Options[P, R]) *Engine[P, R] {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.IsRetryable == nil {
		opts.IsRetryable = resilience.IsRetryable
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine[P, R]{
		name:    name,
		exec:    exec,
		opts:    opts,
		log:     logger.Named("queue").With(zap.String("queue", name)),
		ctx:     ctx,
		cancel:  cancel,
		units:   make(map[string]*Unit[P]),
		waiters: make(map[string]*Pending[R]),
		byKey:   make(map[string]*Pending[R]),
		kick:    make(chan struct{}, 1),
	}
}

// Name returns the engine's name
func (e *Engine[P, R]) Name() string {
	return e.name
}

// Start restores persisted units and schedules them for retry
func (e *Engine[P, R]) Start() error {
	if e.opts.Store == nil {
		e.degrade(errors.New("no durable store configured"))
		return nil
	}

	var restored []*Unit[P]
	err := e.opts.Store.ForEach(func(id string, data []byte) error {
		var u Unit[P]
		if err := json.Unmarshal(data, &u); err != nil {
			e.log.Warn("Dropping undecodable unit", zap.String("unit_id", id), zap.Error(err))
			_ = e.opts.Store.Delete(id)
			return nil
		}
		restored = append(restored, &u)
		return nil
	})
	if err != nil {
		e.degrade(fmt.Errorf("failed to restore units: %w", err))
		return nil
	}

	e.mu.Lock()
	for _, u := range restored {
		e.units[u.ID] = u
		if u.Key == "" {
			continue
		}
		// later submissions with the same key join the restored unit
		p := newPending[R]()
		p.markQueued(u.ID)
		e.waiters[u.ID] = p
		e.byKey[u.Key] = p
	}
	if len(e.units) > 0 {
		e.ensureTimerLocked()
	}
	e.mu.Unlock()

	if len(restored) > 0 {
		e.log.Info("Restored queued units", zap.Int("count", len(restored)))
	}
	return nil
}

// Submit attempts the work once. On success or terminal failure the handle is
// already settled when returned; a terminal failure is also returned as err.
// On a retryable failure the unit is queued and the handle settles later.
//
// A non-empty key deduplicates: while a unit with the same key is pending,
// further submissions join its handle instead of calling out again.
func (e *Engine[P, R]) Submit(ctx context.Context, key string, payload P, opts ...SubmitOption) (*Pending[R], error) {
	cfg := submitConfig{durability: Persistent}
	for _, opt := range opts {
		opt(&cfg)
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil, ErrStopped
	}
	if key != "" {
		if p, ok := e.byKey[key]; ok {
			e.mu.Unlock()
			return p, nil
		}
	}
	p := newPending[R]()
	if key != "" {
		e.byKey[key] = p
	}
	e.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	result, err := e.exec(callCtx, payload)
	cancel()

	if err == nil {
		e.releaseKey(key, p)
		p.settle(result, nil)
		return p, nil
	}
	if !e.opts.IsRetryable(err) {
		e.releaseKey(key, p)
		var zero R
		p.settle(zero, err)
		return nil, err
	}

	now := time.Now()
	u := &Unit[P]{
		ID:            newUnitID(),
		Key:           key,
		Payload:       payload,
		Durability:    cfg.durability,
		AttemptCount:  1,
		LastAttemptAt: now,
		CreatedAt:     now,
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		e.releaseKey(key, p)
		return nil, fmt.Errorf("%w: %w", ErrStopped, err)
	}
	e.units[u.ID] = u
	e.waiters[u.ID] = p
	p.markQueued(u.ID)
	e.mu.Unlock()

	e.persist(u)

	e.mu.Lock()
	e.ensureTimerLocked()
	e.mu.Unlock()

	e.log.Info("Queued unit for retry",
		zap.String("unit_id", u.ID),
		zap.String("key", key),
		zap.Error(err))

	return p, nil
}

// Kick runs a scan now, retrying every queued unit regardless of when it was
// last attempted. Used when connectivity returns. With nothing queued it is a
// no-op.
func (e *Engine[P, R]) Kick() {
	e.mu.Lock()
	ticking := e.ticking
	e.mu.Unlock()
	if !ticking {
		return
	}

	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Len returns the number of queued units
func (e *Engine[P, R]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.units)
}

// Degraded reports whether units are being held in memory only
func (e *Engine[P, R]) Degraded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.degraded
}

// Units returns a snapshot of the queued units in creation order
func (e *Engine[P, R]) Units() []Unit[P] {
	e.mu.Lock()
	units := make([]Unit[P], 0, len(e.units))
	for _, u := range e.units {
		units = append(units, *u)
	}
	e.mu.Unlock()

	sort.Slice(units, func(i, j int) bool { return units[i].ID < units[j].ID })
	return units
}

// Stop halts the retry loop. Queued units stay in the store for the next
// Start; callers still waiting are rejected with ErrStopped.
func (e *Engine[P, R]) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	waiters := e.waiters
	e.waiters = make(map[string]*Pending[R])
	e.byKey = make(map[string]*Pending[R])
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()

	var zero R
	for _, p := range waiters {
		p.settle(zero, ErrStopped)
	}
}

func (e *Engine[P, R]) releaseKey(key string, p *Pending[R]) {
	if key == "" {
		return
	}
	e.mu.Lock()
	if e.byKey[key] == p {
		delete(e.byKey, key)
	}
	e.mu.Unlock()
}

// ensureTimerLocked starts the retry loop if it is not running. e.mu must be held.
func (e *Engine[P, R]) ensureTimerLocked() {
	if e.ticking || e.stopped {
		return
	}
	// a kick left over from the previous loop must not force the first scan
	select {
	case <-e.kick:
	default:
	}
	e.ticking = true
	e.wg.Add(1)
	go e.loop()
}

// loop ticks until the queue drains or the engine stops
func (e *Engine[P, R]) loop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.opts.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.scan(false)
		case <-e.kick:
			e.scan(true)
		}

		e.mu.Lock()
		if len(e.units) == 0 {
			e.ticking = false
			e.mu.Unlock()
			e.log.Debug("Queue drained, retry loop stopped")
			return
		}
		e.mu.Unlock()
	}
}

// scan retries due units in creation order. Overlapping scans return at once.
func (e *Engine[P, R]) scan(force bool) {
	if !e.processing.CompareAndSwap(false, true) {
		return
	}
	defer e.processing.Store(false)

	now := time.Now()
	e.mu.Lock()
	due := make([]*Unit[P], 0, len(e.units))
	for _, u := range e.units {
		if force || u.due(now, e.opts.RetryInterval) {
			due = append(due, u)
		}
	}
	degraded := e.degraded
	total := len(e.units)
	e.mu.Unlock()

	if degraded && total > 0 && now.Sub(e.lastWarn) >= e.opts.RetryInterval {
		e.lastWarn = now
		e.log.Warn("Queued units are held in memory only and will be lost on restart",
			zap.Int("count", total))
	}

	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	for _, u := range due {
		if e.ctx.Err() != nil {
			return
		}
		e.retry(u)
	}
}

func (e *Engine[P, R]) retry(u *Unit[P]) {
	callCtx, cancel := context.WithTimeout(e.ctx, e.opts.CallTimeout)
	result, err := e.exec(callCtx, u.Payload)
	cancel()

	if e.ctx.Err() != nil {
		// Shutting down; leave the unit for the next Start.
		return
	}

	if err == nil {
		e.log.Info("Queued unit succeeded",
			zap.String("unit_id", u.ID),
			zap.Int("attempts", u.AttemptCount+1))
		e.remove(u, result, nil)
		return
	}

	var zero R
	if !e.opts.IsRetryable(err) {
		e.log.Warn("Queued unit failed terminally", zap.String("unit_id", u.ID), zap.Error(err))
		e.remove(u, zero, err)
		return
	}

	e.mu.Lock()
	u.AttemptCount++
	u.LastAttemptAt = time.Now()
	attempts := u.AttemptCount
	e.mu.Unlock()

	if attempts >= e.opts.MaxAttempts {
		e.log.Warn("Queued unit exhausted its attempts",
			zap.String("unit_id", u.ID),
			zap.Int("attempts", attempts),
			zap.Error(err))
		e.remove(u, zero, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, err))
		return
	}

	e.log.Debug("Queued unit will be retried",
		zap.String("unit_id", u.ID),
		zap.Int("attempts", attempts),
		zap.Error(err))
	e.persist(u)
}

// remove drops the unit and settles whoever is waiting on it
func (e *Engine[P, R]) remove(u *Unit[P], result R, err error) {
	e.mu.Lock()
	delete(e.units, u.ID)
	p := e.waiters[u.ID]
	delete(e.waiters, u.ID)
	if u.Key != "" && p != nil && e.byKey[u.Key] == p {
		delete(e.byKey, u.Key)
	}
	snapshot := *u
	e.mu.Unlock()

	if e.opts.Store != nil && u.Durability == Persistent {
		if derr := e.opts.Store.Delete(u.ID); derr != nil {
			e.log.Warn("Failed to delete unit from store", zap.String("unit_id", u.ID), zap.Error(derr))
		}
	}

	if p != nil {
		p.settle(result, err)
	}
	if e.opts.OnSettled != nil {
		e.opts.OnSettled(snapshot, result, err)
	}
}

// persist writes the unit through to the store. Any store failure switches
// the engine to memory-only for the rest of the process lifetime.
func (e *Engine[P, R]) persist(u *Unit[P]) {
	if u.Durability != Persistent {
		return
	}
	if e.opts.Store == nil {
		e.degrade(errors.New("no durable store configured"))
		return
	}

	e.mu.Lock()
	if e.degraded {
		e.mu.Unlock()
		return
	}
	data, err := json.Marshal(u)
	e.mu.Unlock()
	if err != nil {
		e.log.Error("Failed to encode unit, keeping it in memory", zap.String("unit_id", u.ID), zap.Error(err))
		return
	}

	if err := e.opts.Store.Put(u.ID, data); err != nil {
		e.degrade(err)
	}
}

func (e *Engine[P, R]) degrade(cause error) {
	e.mu.Lock()
	already := e.degraded
	e.degraded = true
	e.mu.Unlock()

	if !already {
		e.log.Warn("Durable queue persistence unavailable, falling back to memory", zap.Error(cause))
	}
}
