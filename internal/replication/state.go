package replication

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codetrek/forkdb/pkg/model"
)

// ErrStopped is returned by waits on a replication state that was stopped.
var ErrStopped = errors.New("replication stopped")

// ErrorKind classifies replication failures.
type ErrorKind string

const (
	// ErrorTransport is a failed or timed-out master call; recovered by retry.
	ErrorTransport ErrorKind = "transport"
	// ErrorStorage is a failed local storage call; retried unless the
	// adapter reports corruption.
	ErrorStorage ErrorKind = "storage"
	// ErrorConflict is an unresolvable conflict; always fatal.
	ErrorConflict ErrorKind = "conflict"
	// ErrorCheckpoint is a checkpoint persistence failure; always fatal,
	// since guessing between replay and skip risks data loss.
	ErrorCheckpoint ErrorKind = "checkpoint"
)

// Error is a replication failure surfaced on the error channel. Fatal errors
// halt the replication state permanently.
type Error struct {
	Kind      ErrorKind
	Direction Direction
	Err       error
	Fatal     bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("replication %s error (%s): %v", e.Kind, e.Direction, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func storageError(d Direction, err error) *Error {
	return &Error{
		Kind:      ErrorStorage,
		Direction: d,
		Err:       err,
		Fatal:     errors.Is(err, model.ErrCorrupted),
	}
}

// ActiveChange reports a direction becoming active or idle.
type ActiveChange struct {
	Direction Direction
	Active    bool
}

// Stats is a snapshot of replication counters.
type Stats struct {
	DocumentsPulled   int64
	DocumentsPushed   int64
	ConflictsResolved int64
	RetryCount        int64
}

type statsCounters struct {
	documentsPulled   atomic.Int64
	documentsPushed   atomic.Int64
	conflictsResolved atomic.Int64
	retryCount        atomic.Int64
}

// Config holds the per-collection replication knobs.
type Config struct {
	Collection       string
	PullBatchSize    int
	PushBatchSize    int
	RetryDelay       time.Duration
	ResyncInterval   time.Duration // 0 disables the periodic resync timer
	MaxWriteAttempts int
}

func (c *Config) applyDefaults() {
	if c.PullBatchSize <= 0 {
		c.PullBatchSize = 100
	}
	if c.PushBatchSize <= 0 {
		c.PushBatchSize = 100
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.MaxWriteAttempts <= 0 {
		c.MaxWriteAttempts = 5
	}
}

// State owns one collection's replication: both engines, checkpoint
// persistence, run sequencing, retry and the observable lifecycle.
// Exactly one State exists per collection per process group; which process
// holds it is decided by the external leader-election collaborator.
type State struct {
	cfg         Config
	master      MasterHandler
	storage     LocalStorage
	checkpoints CheckpointStore
	conflicts   ConflictHandler

	pullEng *pullEngine
	pushEng *pushEngine

	// Capacity-one signals: bursts of triggers collapse into one queued
	// unit. The run loop drains them one at a time, which is what keeps
	// pull and push from interleaving on the same storage.
	pullSignal chan struct{}
	pushSignal chan struct{}

	activeCh chan ActiveChange
	errorCh  chan *Error

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	streamCancel context.CancelFunc
	wg           sync.WaitGroup
	stats        statsCounters

	// Checkpoints are only touched from Start and the run loop, which runs
	// units strictly one at a time.
	cps map[Direction]Checkpoint

	mu           sync.Mutex
	started      bool
	stopped      bool
	fatal        *Error
	active       map[Direction]bool
	pullCaughtUp bool
	pushDrained  bool
	pendingRetry int
	notify       chan struct{}
}

// New builds a replication state. The conflict handler is the injected
// policy deciding how divergent states merge; master and storage are the
// authoritative handles for this process.
func New(cfg Config, master MasterHandler, storage LocalStorage, checkpoints CheckpointStore, conflicts ConflictHandler) (*State, error) {
	if master == nil || storage == nil || checkpoints == nil {
		return nil, errors.New("replication: master, storage and checkpoint store are required")
	}
	if conflicts == nil {
		return nil, errors.New("replication: a conflict handler is required")
	}
	cfg.applyDefaults()

	s := &State{
		cfg:         cfg,
		master:      master,
		storage:     storage,
		checkpoints: checkpoints,
		conflicts:   conflicts,
		pullSignal:  make(chan struct{}, 1),
		pushSignal:  make(chan struct{}, 1),
		activeCh:    make(chan ActiveChange, 16),
		errorCh:     make(chan *Error, 16),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		cps:         make(map[Direction]Checkpoint),
		active:      make(map[Direction]bool),
		notify:      make(chan struct{}),
	}
	s.pullEng = &pullEngine{st: s}
	s.pushEng = &pushEngine{st: s}
	return s, nil
}

// Start loads checkpoints, subscribes to the master's live stream and begins
// processing units. Start-up enqueues a pull unit before a push unit so
// recovery observes master state before retrying queued intents.
func (s *State) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("replication: already started")
	}
	s.started = true
	s.mu.Unlock()

	for _, d := range []Direction{DirectionPull, DirectionPush} {
		cp, err := s.checkpoints.Load(ctx, d)
		if err != nil {
			return fmt.Errorf("load %s checkpoint: %w", d, err)
		}
		if cp != nil {
			s.cps[d] = *cp
		}
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s.streamCancel = cancel

	s.wg.Add(1)
	go s.watchStream(streamCtx)

	if s.cfg.ResyncInterval > 0 {
		s.wg.Add(1)
		go s.resyncLoop(streamCtx)
	}

	s.schedulePull()
	s.schedulePush()

	go s.run(ctx)
	return nil
}

// run is the run-queue: it executes pull and push units strictly one at a
// time, so at most one bulk write is in flight per replication state.
func (s *State) run(ctx context.Context) {
	defer close(s.doneCh)
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		// Pull units take priority when both are queued.
		select {
		case <-s.pullSignal:
			s.runPullUnit(ctx)
			continue
		default:
		}

		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-s.pullSignal:
			s.runPullUnit(ctx)
		case <-s.pushSignal:
			s.runPushUnit(ctx)
		}
	}
}

func (s *State) runPullUnit(ctx context.Context) {
	if s.halted() {
		return
	}
	s.setActive(DirectionPull, true)
	defer s.setActive(DirectionPull, false)

	for {
		caughtUp, rerr := s.pullEng.runBatch(ctx)
		if rerr != nil {
			s.handleError(rerr)
			return
		}
		if caughtUp {
			s.markReady(DirectionPull)
			return
		}
		// A full batch means more data is likely pending: issue the next
		// pull immediately instead of waiting for the live stream.
		if s.halted() {
			return
		}
	}
}

func (s *State) runPushUnit(ctx context.Context) {
	if s.halted() {
		return
	}
	s.setActive(DirectionPush, true)
	defer s.setActive(DirectionPush, false)

	for {
		drained, rerr := s.pushEng.runBatch(ctx)
		if rerr != nil {
			s.handleError(rerr)
			return
		}
		if drained {
			s.markReady(DirectionPush)
			return
		}
		if s.halted() {
			return
		}
	}
}

// Resync enqueues a fresh pull and push unit. It is a no-op once the state
// is stopped or fatally failed: a fatal state cannot be cleared by retrying.
func (s *State) Resync() {
	s.schedulePull()
	s.schedulePush()
}

// NotifyLocalWrite signals that the collection received a local write and a
// push unit should run.
func (s *State) NotifyLocalWrite() {
	s.schedulePush()
}

func (s *State) schedulePull() {
	if s.halted() {
		return
	}
	select {
	case s.pullSignal <- struct{}{}:
	default:
	}
}

func (s *State) schedulePush() {
	if s.halted() {
		return
	}
	select {
	case s.pushSignal <- struct{}{}:
	default:
	}
}

// Stop tears the state down cooperatively: the live stream is unsubscribed,
// no further units are enqueued, and the in-flight unit finishes before
// Stop returns. It never aborts a write mid-flight.
func (s *State) Stop() {
	s.mu.Lock()
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	if s.streamCancel != nil {
		s.streamCancel()
	}
	s.stopOnce.Do(func() { close(s.stopCh) })

	if started {
		<-s.doneCh
		s.wg.Wait()
	}
	log.Printf("[Replication] %s: stopped", s.cfg.Collection)
}

// ActiveChanges reports each direction becoming active or idle.
func (s *State) ActiveChanges() <-chan ActiveChange { return s.activeCh }

// Errors reports transport retries and fatal failures. Fatal events are
// terminal: no further units run after one is emitted.
func (s *State) Errors() <-chan *Error { return s.errorCh }

// IsActive reports whether a direction currently has a unit running.
func (s *State) IsActive(d Direction) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[d]
}

// FatalError returns the terminal error, if any.
func (s *State) FatalError() *Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

// Stats returns a snapshot of the replication counters.
func (s *State) Stats() Stats {
	return Stats{
		DocumentsPulled:   s.stats.documentsPulled.Load(),
		DocumentsPushed:   s.stats.documentsPushed.Load(),
		ConflictsResolved: s.stats.conflictsResolved.Load(),
		RetryCount:        s.stats.retryCount.Load(),
	}
}

// AwaitInitialReplication blocks until the pull engine has drained its
// backlog at least once and the push engine has seen an empty unpushed set
// at least once. The condition is re-derived after every transport failure,
// so a reconnect starts the wait over.
func (s *State) AwaitInitialReplication(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.fatal != nil {
			f := s.fatal
			s.mu.Unlock()
			return f
		}
		if s.pullCaughtUp && s.pushDrained {
			s.mu.Unlock()
			return nil
		}
		ch := s.notify
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return ErrStopped
		case <-ch:
		}
	}
}

func (s *State) halted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped || s.fatal != nil
}

func (s *State) loadedCheckpoint(d Direction) Checkpoint {
	return s.cps[d]
}

// saveCheckpoint persists a direction's checkpoint. Failure is fatal: losing
// a checkpoint silently risks replay at best and skipped rows at worst, so
// the state halts rather than guess.
func (s *State) saveCheckpoint(ctx context.Context, d Direction, cp Checkpoint) *Error {
	if err := s.checkpoints.Save(ctx, d, cp); err != nil {
		return &Error{Kind: ErrorCheckpoint, Direction: d, Err: err, Fatal: true}
	}
	s.cps[d] = cp
	return nil
}

func (s *State) setActive(d Direction, active bool) {
	s.mu.Lock()
	s.active[d] = active
	s.mu.Unlock()

	select {
	case s.activeCh <- ActiveChange{Direction: d, Active: active}:
	default:
	}
}

func (s *State) markReady(d Direction) {
	s.mu.Lock()
	if d == DirectionPull {
		s.pullCaughtUp = true
	} else {
		s.pushDrained = true
	}
	s.notifyLocked()
	s.mu.Unlock()
}

func (s *State) resetReady(d Direction) {
	s.mu.Lock()
	if d == DirectionPull {
		s.pullCaughtUp = false
	} else {
		s.pushDrained = false
	}
	s.mu.Unlock()
}

// notifyLocked wakes AwaitInitialReplication waiters. Callers hold s.mu.
func (s *State) notifyLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}

func (s *State) handleError(rerr *Error) {
	if rerr.Fatal {
		s.failFatal(rerr)
		return
	}

	s.stats.retryCount.Add(1)
	s.resetReady(rerr.Direction)
	s.emitError(rerr)
	log.Printf("[Replication] %s: %s %s failed, retrying in %s: %v",
		s.cfg.Collection, rerr.Direction, rerr.Kind, s.cfg.RetryDelay, rerr.Err)

	s.mu.Lock()
	s.pendingRetry++
	s.mu.Unlock()

	direction := rerr.Direction
	time.AfterFunc(s.cfg.RetryDelay, func() {
		s.mu.Lock()
		s.pendingRetry--
		s.mu.Unlock()
		if direction == DirectionPull {
			s.schedulePull()
		} else {
			s.schedulePush()
		}
	})
}

// failFatal halts the state permanently: one terminal error is emitted and
// no further units are scheduled. Resync cannot clear a fatal state.
func (s *State) failFatal(rerr *Error) {
	s.mu.Lock()
	if s.fatal != nil {
		s.mu.Unlock()
		return
	}
	s.fatal = rerr
	s.notifyLocked()
	s.mu.Unlock()

	log.Printf("[Replication] %s: fatal %s error: %v", s.cfg.Collection, rerr.Kind, rerr.Err)
	s.emitError(rerr)

	if s.streamCancel != nil {
		s.streamCancel()
	}
}

func (s *State) emitError(rerr *Error) {
	select {
	case s.errorCh <- rerr:
	default:
		if rerr.Fatal {
			// Never drop the terminal event; shed one stale entry instead.
			select {
			case <-s.errorCh:
			default:
			}
			select {
			case s.errorCh <- rerr:
			default:
			}
		}
	}
}

// watchStream keeps a live subscription against the master's change feed.
// Events are not processed inline: each one collapses into a pull unit
// enqueue, preserving the single-writer-per-collection invariant.
func (s *State) watchStream(ctx context.Context) {
	defer s.wg.Done()
	for {
		if ctx.Err() != nil || s.halted() {
			return
		}

		stream, err := s.master.ChangeStream(ctx)
		if err != nil {
			s.handleError(&Error{Kind: ErrorTransport, Direction: DirectionPull, Err: err})
			if !sleepCtx(ctx, s.cfg.RetryDelay) {
				return
			}
			continue
		}

		// Changes published before the subscription was live are invisible
		// to it; a pull over the checkpoint closes the gap.
		s.schedulePull()

		for range stream {
			s.schedulePull()
		}
		if ctx.Err() != nil {
			return
		}

		// The stream dropped: readiness no longer holds until the backlog is
		// drained again over a fresh subscription.
		s.resetReady(DirectionPull)
		if !sleepCtx(ctx, s.cfg.RetryDelay) {
			return
		}
	}
}

func (s *State) resyncLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.ResyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Resync()
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
