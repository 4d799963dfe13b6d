// Package reconcile drives lend, return and buy intents from admission through
// on-chain confirmation and applies confirmed outcomes to the item ledger.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vbonduro/lendchain/internal/chain"
	"github.com/vbonduro/lendchain/internal/domain"
	"github.com/vbonduro/lendchain/internal/notify"
	"github.com/vbonduro/lendchain/internal/queue"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("engine closed")

// ItemLedger is the versioned item store.
type ItemLedger interface {
	Get(ctx context.Context, id string) (domain.Item, uint64, error)
	CompareAndSwap(ctx context.Context, id string, expected uint64, next domain.Item) (domain.Item, error)
}

// IntentArchive persists intents and their status transitions.
type IntentArchive interface {
	Create(ctx context.Context, intent domain.Intent) error
	Update(ctx context.Context, intent domain.Intent) error
	Get(ctx context.Context, id string) (domain.Intent, error)
	ListOpen(ctx context.Context) ([]domain.Intent, error)
	MarkAnomaly(ctx context.Context, id string) error
}

type Config struct {
	// ConfirmationDeadline is measured from the moment the transaction was
	// submitted.
	ConfirmationDeadline time.Duration
	PollInitial          time.Duration
	PollMax              time.Duration
	// RepollDelay is the wait before the single poll made after the deadline.
	RepollDelay time.Duration
	// LedgerRetries bounds re-reads after a lost compare-and-swap.
	LedgerRetries     int
	LateWatchWindow   time.Duration
	LateCheckInterval time.Duration
}

// withDefaults fills unset timings. A zero LateWatchWindow disables the
// late receipt watch.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConfirmationDeadline <= 0 {
		c.ConfirmationDeadline = d.ConfirmationDeadline
	}
	if c.PollInitial <= 0 {
		c.PollInitial = d.PollInitial
	}
	if c.PollMax < c.PollInitial {
		c.PollMax = c.PollInitial
	}
	if c.LedgerRetries < 0 {
		c.LedgerRetries = 0
	}
	return c
}

func DefaultConfig() Config {
	return Config{
		ConfirmationDeadline: 2 * time.Minute,
		PollInitial:          500 * time.Millisecond,
		PollMax:              10 * time.Second,
		RepollDelay:          5 * time.Second,
		LedgerRetries:        3,
		LateWatchWindow:      30 * time.Minute,
		LateCheckInterval:    30 * time.Second,
	}
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithRegistry(reg prometheus.Registerer) Option {
	return func(e *Engine) { e.registry = reg }
}

// Engine owns every in-flight intent. Each submitted intent gets one
// confirmation worker; intents on different items never wait on each other.
type Engine struct {
	cfg      Config
	items    ItemLedger
	intents  IntentArchive
	gateway  chain.Gateway
	sink     notify.Sink
	queue    *queue.Queue
	logger   *slog.Logger
	registry prometheus.Registerer
	metrics  *engineMetrics
	now      func() time.Time
	newID    func() string

	// beforeSubmit, if set, runs after an intent is archived and before it
	// claims its queue entry for submission.
	beforeSubmit func(intent domain.Intent)

	runs sync.Map // intent id -> *run

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func New(cfg Config, items ItemLedger, intents IntentArchive, gateway chain.Gateway, sink notify.Sink, opts ...Option) *Engine {
	ctx, stop := context.WithCancel(context.Background())
	e := &Engine{
		cfg:     cfg.withDefaults(),
		items:   items,
		intents: intents,
		gateway: gateway,
		sink:    sink,
		queue:   queue.New(),
		logger:  slog.Default(),
		now:     time.Now,
		newID:   uuid.NewString,
		ctx:     ctx,
		stop:    stop,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "reconcile")
	e.metrics = newEngineMetrics(e.registry)
	return e
}

// run is the in-memory state of one in-flight intent.
type run struct {
	mu     sync.Mutex
	intent domain.Intent

	once sync.Once
}

func (r *run) snapshot() domain.Intent {
	r.mu.Lock()
	defer r.mu.Unlock()
	intent := r.intent
	if intent.Tx != nil {
		tx := *intent.Tx
		intent.Tx = &tx
	}
	return intent
}

// Submit admits, archives and submits an intent. It returns once the
// transaction is submitted, with the intent in Submitted status. Refusals
// return the archived Rejected or Failed intent together with the error.
func (e *Engine) Submit(ctx context.Context, req domain.IntentRequest) (domain.Intent, error) {
	if err := req.Validate(); err != nil {
		return domain.Intent{}, err
	}
	if e.isClosed() {
		return domain.Intent{}, ErrClosed
	}

	now := e.now()
	intent := domain.Intent{
		ID:          e.newID(),
		ItemID:      req.ItemID,
		Kind:        req.Kind,
		UserID:      req.UserID,
		Status:      domain.StatusPending,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	logger := e.logger.With("intent_id", intent.ID, "item_id", intent.ItemID, "kind", intent.Kind)

	if err := e.queue.Admit(intent.ItemID, intent.ID); err != nil {
		logger.Info("intent rejected at admission", "error", err)
		return e.reject(ctx, intent, err)
	}
	e.metrics.admitted.WithLabelValues(string(intent.Kind)).Inc()

	// Once admitted the intent must reach a recorded outcome even if the
	// caller goes away.
	ctx = context.WithoutCancel(ctx)

	item, version, err := e.items.Get(ctx, intent.ItemID)
	if err == nil {
		err = domain.CheckPrecondition(intent.Kind, item, intent.UserID)
	}
	if err != nil {
		e.queue.Release(intent.ItemID, intent.ID)
		logger.Info("intent rejected at admission", "error", err)
		return e.reject(ctx, intent, err)
	}
	intent.AdmittedVersion = version

	if err := e.intents.Create(ctx, intent); err != nil {
		e.queue.Release(intent.ItemID, intent.ID)
		return domain.Intent{}, fmt.Errorf("failed to archive intent: %w", err)
	}
	r := e.track(intent)
	if e.beforeSubmit != nil {
		e.beforeSubmit(intent)
	}

	if err := e.queue.BeginSubmit(intent.ItemID, intent.ID); err != nil {
		// Only a cancel takes the entry away before submission.
		cause := fmt.Errorf("%w: %v", domain.ErrCanceled, err)
		return e.finish(r, domain.StatusRejected, cause), cause
	}

	tx, err := e.gateway.Submit(ctx, chain.Call{Kind: intent.Kind, ItemID: intent.ItemID, From: intent.UserID})
	if err != nil {
		logger.Warn("submission failed", "error", err)
		return e.finish(r, domain.StatusFailed, err), err
	}

	r.mu.Lock()
	r.intent.Status = domain.StatusSubmitted
	r.intent.Tx = &tx
	r.intent.UpdatedAt = e.now()
	r.mu.Unlock()
	e.save(r)

	logger.Info("intent submitted", "tx_hash", tx.Hash, "nonce", tx.Nonce, "user_id", intent.UserID)
	e.spawn(func() { e.confirm(r) })
	return r.snapshot(), nil
}

// Cancel rejects an intent whose transaction has not been submitted yet.
func (e *Engine) Cancel(ctx context.Context, intentID string) (domain.Intent, error) {
	v, ok := e.runs.Load(intentID)
	if !ok {
		intent, err := e.intents.Get(ctx, intentID)
		if err != nil {
			return domain.Intent{}, err
		}
		return intent, fmt.Errorf("%w: intent %s is %s", domain.ErrNotCancelable, intentID, intent.Status)
	}
	r := v.(*run)
	current := r.snapshot()
	if err := e.queue.Cancel(current.ItemID, current.ID); err != nil {
		return current, err
	}
	e.logger.Info("intent canceled", "intent_id", intentID, "item_id", current.ItemID)
	return e.finish(r, domain.StatusRejected, fmt.Errorf("%w: by request", domain.ErrCanceled)), nil
}

// GetIntent returns the live state of an in-flight intent or the archived
// record of a finished one.
func (e *Engine) GetIntent(ctx context.Context, intentID string) (domain.Intent, error) {
	if v, ok := e.runs.Load(intentID); ok {
		return v.(*run).snapshot(), nil
	}
	return e.intents.Get(ctx, intentID)
}

// InFlight returns the number of items held by a non-terminal intent.
func (e *Engine) InFlight() int {
	return e.queue.Len()
}

// Busy reports whether itemID is held by a non-terminal intent.
func (e *Engine) Busy(itemID string) bool {
	_, held := e.queue.Holder(itemID)
	return held
}

// Resume restarts confirmation of intents left open by a previous process.
// Intents archived as Pending never recorded a transaction and are failed as
// interrupted. It returns how many intents were resumed.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	open, err := e.intents.ListOpen(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list open intents: %w", err)
	}

	resumed := 0
	for _, intent := range open {
		logger := e.logger.With("intent_id", intent.ID, "item_id", intent.ItemID)
		if intent.Tx == nil {
			logger.Warn("failing intent interrupted before submission")
			e.finish(&run{intent: intent}, domain.StatusFailed, domain.ErrInterrupted)
			continue
		}
		if err := e.queue.Restore(intent.ItemID, intent.ID); err != nil {
			logger.Error("cannot resume intent", "error", err)
			continue
		}
		r := e.track(intent)
		if !e.spawn(func() { e.confirm(r) }) {
			return resumed, ErrClosed
		}
		resumed++
		logger.Info("resumed intent", "status", intent.Status, "tx_hash", intent.Tx.Hash)
	}
	return resumed, nil
}

// Close stops every worker and waits for them to exit. In-flight intents keep
// their archived status so that Resume picks them up again.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.stop()
	e.wg.Wait()
}

func (e *Engine) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

// spawn runs fn on a tracked goroutine unless the engine is closed.
func (e *Engine) spawn(fn func()) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return false
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
	return true
}

func (e *Engine) track(intent domain.Intent) *run {
	r := &run{intent: intent}
	e.runs.Store(intent.ID, r)
	e.metrics.inFlight.Inc()
	return r
}

// reject archives an intent that never held the item.
func (e *Engine) reject(ctx context.Context, intent domain.Intent, cause error) (domain.Intent, error) {
	intent.Status = domain.StatusRejected
	intent.Reason = domain.ReasonOf(cause)
	intent.UpdatedAt = e.now()
	if err := e.intents.Create(ctx, intent); err != nil {
		e.logger.Error("failed to archive rejected intent", "intent_id", intent.ID, "error", err)
	}
	e.metrics.observeTerminal(intent)
	e.notify(intent)
	return intent, cause
}

// finish moves r to a terminal status exactly once: it archives the outcome,
// frees the item for the next intent and notifies the sink. Later calls
// return the already recorded outcome.
func (e *Engine) finish(r *run, status domain.IntentStatus, cause error) domain.Intent {
	r.once.Do(func() {
		r.mu.Lock()
		r.intent.Status = status
		r.intent.Reason = domain.ReasonOf(cause)
		r.intent.UpdatedAt = e.now()
		final := r.intent
		r.mu.Unlock()

		if err := e.intents.Update(context.Background(), final); err != nil {
			e.logger.Error("failed to archive terminal intent", "intent_id", final.ID, "error", err)
		}
		e.queue.Release(final.ItemID, final.ID)
		if _, tracked := e.runs.LoadAndDelete(final.ID); tracked {
			e.metrics.inFlight.Dec()
		}
		e.metrics.observeTerminal(final)

		attrs := []any{"intent_id", final.ID, "item_id", final.ItemID, "status", final.Status}
		if cause != nil {
			attrs = append(attrs, "reason", final.Reason, "error", cause)
		}
		e.logger.Info("intent finished", attrs...)

		e.notify(final)
	})
	return r.snapshot()
}

func (e *Engine) notify(intent domain.Intent) {
	deliver := func() {
		if err := e.sink.OnIntentTerminal(context.Background(), intent); err != nil {
			e.logger.Error("notification failed", "intent_id", intent.ID, "error", err)
		}
	}
	if !e.spawn(deliver) {
		deliver()
	}
}

// save persists a non-terminal transition of r.
func (e *Engine) save(r *run) {
	intent := r.snapshot()
	if err := e.intents.Update(context.Background(), intent); err != nil {
		e.logger.Error("failed to archive intent", "intent_id", intent.ID, "status", intent.Status, "error", err)
	}
}
