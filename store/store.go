// Package store is a watchable key/value store that backs livequery
// subscriptions. Values are canonical CBOR. Every commit bumps a version
// and schedules one notification task on the executor goroutine, where
// watch queries re-run against the new state; results equal to the
// previous delivery are suppressed. An optional SQLite file makes the
// store durable across restarts.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/renchris/livequery/subscribe"
)

// ErrClosed is returned for operations on a closed store.
var ErrClosed = errors.New("store: closed")

// Poster posts fn as a task on the goroutine that owns watch delivery.
// *eventloop.Loop satisfies it.
type Poster interface {
	Post(fn func()) error
}

type Option func(*Store)

// WithSQLite persists every commit to the database at path and loads the
// persisted state during New.
func WithSQLite(path string) Option {
	return func(s *Store) { s.sqlitePath = path }
}

// WithErrorFunc routes watch failures that have no OnError of their own,
// and notification posting failures, to fn instead of slog.
func WithErrorFunc(fn subscribe.ErrorFunc) Option {
	return func(s *Store) { s.onError = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// Store is a versioned key/value map with watch subscriptions. Update and
// Read are safe from any goroutine; watch queries and deliveries run
// exclusively on the executor goroutine behind the Poster.
type Store struct {
	exec    Poster
	onError subscribe.ErrorFunc
	log     *slog.Logger

	sqlitePath string
	db         *database

	mu            sync.RWMutex
	kv            map[string][]byte
	version       uint64
	watches       []*watch
	notifyPending bool
	closed        bool
}

type watch struct {
	id      uuid.UUID
	query   func(tx ReadTransaction) (any, error)
	onData  func(any)
	onError func(error)
	isEqual func(a, b any) bool
	last    any
	hasLast bool
	done    bool
}

// run executes the watch query, converting a panic into an error so a
// faulty query cannot wedge the store.
func (w *watch) run(tx ReadTransaction) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.query(tx)
}

func New(exec Poster, opts ...Option) (*Store, error) {
	s := &Store{exec: exec, kv: map[string][]byte{}}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.onError == nil {
		log := s.log
		s.onError = func(err error) {
			log.Error("store: watch failed", "error", err)
		}
	}
	if s.sqlitePath != "" {
		db, err := openDatabase(s.sqlitePath)
		if err != nil {
			return nil, err
		}
		kv, version, err := db.load()
		if err != nil {
			db.Close()
			return nil, err
		}
		s.db = db
		s.kv = kv
		s.version = version
		s.log.Debug("store: loaded", "path", s.sqlitePath, "keys", len(kv), "version", version)
	}
	return s, nil
}

// Subscribe registers query to re-run after every commit and delivers
// changed results through opts.OnData, starting with an asynchronous
// initial run. The initial run rides the shared notification task, so
// watches opened in the same tick deliver in the same flush. The returned
// func cancels the watch; extra calls are no-ops.
func (s *Store) Subscribe(query func(tx ReadTransaction) (any, error), opts subscribe.SubscribeOptions) subscribe.UnsubscribeFunc {
	w := &watch{
		id:      uuid.New(),
		query:   query,
		onData:  opts.OnData,
		onError: opts.OnError,
		isEqual: opts.IsEqual,
	}
	if w.isEqual == nil {
		w.isEqual = subscribe.DefaultEqual
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return func() {}
	}
	s.watches = append(s.watches, w)
	notify := !s.notifyPending
	s.notifyPending = true
	s.mu.Unlock()

	s.log.Debug("store: watch opened", "watch", w.id)
	if notify {
		s.post(s.notifyTask)
	}

	var once sync.Once
	return func() {
		once.Do(func() { s.drop(w) })
	}
}

func (s *Store) drop(w *watch) {
	s.mu.Lock()
	w.done = true
	for i, cur := range s.watches {
		if cur == w {
			s.watches = append(s.watches[:i], s.watches[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.log.Debug("store: watch closed", "watch", w.id)
}

// Update runs fn inside a write transaction. Returning an error discards
// the staged writes. On commit the version advances, the database is
// written when persistence is on, and one notification task is scheduled,
// however many commits a burst contains. fn must touch the store only
// through tx. A panic in fn releases the write lock and propagates to the
// caller.
func (s *Store) Update(fn func(tx WriteTransaction) error) error {
	tx, version, notify, err := s.commit(fn)
	if err != nil || tx == nil {
		return err
	}
	s.log.Debug("store: committed", "version", version, "puts", len(tx.puts), "dels", len(tx.dels))
	if notify {
		s.post(s.notifyTask)
	}
	return nil
}

// commit runs fn and folds its staged writes into the committed state, all
// under the write lock. A clean commit that staged nothing returns a nil
// transaction.
func (s *Store) commit(fn func(tx WriteTransaction) error) (*writeTx, uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, 0, false, ErrClosed
	}
	tx := newWriteTx(s)
	if err := fn(tx); err != nil {
		return nil, 0, false, err
	}
	if !tx.dirty() {
		return nil, 0, false, nil
	}
	if s.db != nil {
		if err := s.db.apply(tx.puts, tx.dels, s.version+1); err != nil {
			return nil, 0, false, fmt.Errorf("store: persisting commit: %w", err)
		}
	}
	for k, v := range tx.puts {
		s.kv[k] = v
	}
	for k := range tx.dels {
		delete(s.kv, k)
	}
	s.version++
	notify := !s.notifyPending
	s.notifyPending = true
	return tx, s.version, notify, nil
}

// Read runs fn against a consistent snapshot of the store.
func (s *Store) Read(fn func(tx ReadTransaction) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return fn(&readTx{s: s})
}

func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func (s *Store) post(fn func()) {
	if err := s.exec.Post(fn); err != nil {
		s.onError(fmt.Errorf("store: posting notification: %w", err))
	}
}

func (s *Store) notifyTask() {
	s.mu.Lock()
	s.notifyPending = false
	ws := make([]*watch, len(s.watches))
	copy(ws, s.watches)
	s.mu.Unlock()
	s.runWatches(ws)
}

type outcome struct {
	w      *watch
	result any
	err    error
}

// runWatches executes watch queries against the current state and delivers
// results that differ from the previous delivery. Runs on the executor
// goroutine only; callbacks fire with no lock held.
func (s *Store) runWatches(ws []*watch) {
	for _, o := range s.evaluate(ws) {
		if o.err != nil {
			if o.w.onError != nil {
				o.w.onError(o.err)
			} else {
				s.onError(fmt.Errorf("store: watch %s query: %w", o.w.id, o.err))
			}
			continue
		}
		o.w.onData(o.result)
	}
}

// evaluate runs the queries under the read lock, which excludes concurrent
// commits. A panicking query surfaces as that watch's error instead of
// unwinding through the lock.
func (s *Store) evaluate(ws []*watch) []outcome {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx := &readTx{s: s}
	var outcomes []outcome
	for _, w := range ws {
		if w.done {
			continue
		}
		result, err := w.run(tx)
		if err != nil {
			outcomes = append(outcomes, outcome{w: w, err: err})
			continue
		}
		if w.hasLast && w.isEqual(w.last, result) {
			continue
		}
		w.last = result
		w.hasLast = true
		outcomes = append(outcomes, outcome{w: w, result: result})
	}
	return outcomes
}

// Close rejects further commits and watches and closes the database. Live
// watches stop delivering.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, w := range s.watches {
		w.done = true
	}
	s.watches = nil
	db := s.db
	s.db = nil
	s.mu.Unlock()

	if db != nil {
		return db.Close()
	}
	return nil
}
