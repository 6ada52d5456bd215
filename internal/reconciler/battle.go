package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"

	"battle-sync/internal/domain"
	"battle-sync/pkg/logger"
)

// Update is the result of applying a new snapshot over a previous one
type Update struct {
	Snapshot    *domain.Battle
	Transitions []domain.Transition
}

// ApplyUpdate returns next as the new snapshot together with the status transitions
// between prev and next. Transitions are edge-triggered: the same status twice emits nothing.
// A nil prev counts as "not yet rolling/finished".
func ApplyUpdate(prev, next *domain.Battle) Update {
	prevStatus := ""
	if prev != nil {
		prevStatus = prev.Status
	}

	var transitions []domain.Transition
	if next.Status == domain.StatusRolling && prevStatus != domain.StatusRolling {
		transitions = append(transitions, domain.EnteredRolling)
	}
	if next.Status == domain.StatusFinished && prevStatus != domain.StatusFinished {
		transitions = append(transitions, domain.EnteredFinished)
	}
	return Update{Snapshot: next, Transitions: transitions}
}

// BattleSource fetches one battle
type BattleSource interface {
	GetBattle(ctx context.Context, battleID string) (*domain.Battle, error)
}

// BattleState is the live view of one battle with its derived display flags
type BattleState struct {
	Battle           *domain.Battle `json:"battle"`
	Groups           Groups         `json:"groups"`
	NeedsMorePlayers bool           `json:"needs_more_players"`
	OpenSlots        []int          `json:"open_slots"`
}

// NewBattleState derives the display state of b
func NewBattleState(b *domain.Battle) BattleState {
	open := b.OpenSlots()
	return BattleState{
		Battle:           b,
		Groups:           GroupPlayers(b),
		NeedsMorePlayers: b.Status == domain.StatusWaiting && len(open) > 0,
		OpenSlots:        open,
	}
}

// WatcherOptions configures a Watcher
type WatcherOptions struct {
	PollInterval   time.Duration
	RefreshTimeout time.Duration
	Clock          clockwork.Clock
	Notifier       Notifier
	Metrics        Metrics
}

// Watcher keeps one battle's live state from polling, realtime triggers and RPC results.
// Each transition is delivered at most once per watcher, so duplicate or stale deliveries
// never re-trigger reveal effects.
type Watcher struct {
	battleID string
	source   BattleSource
	opts     WatcherOptions
	log      *logger.Logger

	mu        sync.Mutex
	current   *domain.Battle
	gen       generation
	fired     map[domain.Transition]bool
	listeners map[int]func(domain.TransitionEvent)
	nextID    int

	kick      chan struct{}
	scheduler gocron.Scheduler
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewWatcher creates a watcher for battleID
func NewWatcher(battleID string, source BattleSource, log *logger.Logger, opts WatcherOptions) *Watcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = DefaultRefreshTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	return &Watcher{
		battleID:  battleID,
		source:    source,
		opts:      opts,
		log:       log.Named("battle_watcher").WithBattle(battleID),
		fired:     make(map[domain.Transition]bool),
		listeners: make(map[int]func(domain.TransitionEvent)),
		kick:      make(chan struct{}, 1),
	}
}

// BattleID returns the watched battle id
func (w *Watcher) BattleID() string {
	return w.battleID
}

// State returns the current state, or false before the first snapshot arrived
func (w *Watcher) State() (BattleState, bool) {
	w.mu.Lock()
	current := w.current
	w.mu.Unlock()

	if current == nil {
		return BattleState{}, false
	}
	return NewBattleState(current), true
}

// OnTransition registers fn for transition events. The returned func unregisters it.
func (w *Watcher) OnTransition(fn func(domain.TransitionEvent)) func() {
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.listeners[id] = fn
	w.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.listeners, id)
			w.mu.Unlock()
		})
	}
}

// Refresh fetches the battle and applies it. Failures leave the state untouched.
func (w *Watcher) Refresh(ctx context.Context) error {
	w.mu.Lock()
	seq := w.gen.begin()
	w.mu.Unlock()

	start := w.opts.Clock.Now()
	battle, err := w.source.GetBattle(ctx, w.battleID)
	if err != nil {
		w.opts.Metrics.RefreshFailed(ScopeBattle)
		w.log.WithError(err).Warn("Battle refresh failed, keeping current state")
		w.opts.Notifier.Notify(ctx, domain.Notification{
			Kind:     domain.NotifyBattleRefreshFailed,
			Message:  "Could not refresh this battle. Retrying shortly.",
			BattleID: w.battleID,
			At:       w.opts.Clock.Now(),
		})
		return fmt.Errorf("refresh battle %s: %w", w.battleID, err)
	}

	applied := w.apply(seq, battle)
	w.opts.Metrics.RefreshSucceeded(ScopeBattle, w.opts.Clock.Since(start), applied)
	return nil
}

// Apply applies an authoritative snapshot obtained elsewhere, e.g. a join RPC result.
// It reports whether the snapshot was accepted.
func (w *Watcher) Apply(battle *domain.Battle) bool {
	w.mu.Lock()
	seq := w.gen.begin()
	w.mu.Unlock()
	return w.apply(seq, battle)
}

func (w *Watcher) apply(seq uint64, battle *domain.Battle) bool {
	if battle == nil || battle.ID != w.battleID {
		got := ""
		if battle != nil {
			got = battle.ID
		}
		w.log.WithField("got_battle_id", got).Warn("Discarded update for a different battle")
		return false
	}

	w.mu.Lock()
	if !w.gen.tryApply(seq) {
		w.mu.Unlock()
		w.opts.Metrics.RefreshDropped(ScopeBattle)
		w.log.WithField("seq", seq).Debug("Dropped out-of-order battle refresh")
		return false
	}

	update := ApplyUpdate(w.current, battle.Clone())
	w.current = update.Snapshot

	var events []domain.TransitionEvent
	for _, kind := range update.Transitions {
		if w.fired[kind] {
			continue
		}
		w.fired[kind] = true
		events = append(events, domain.TransitionEvent{
			Kind:     kind,
			BattleID: w.battleID,
			Battle:   update.Snapshot,
			At:       w.opts.Clock.Now(),
		})
	}
	var listeners []func(domain.TransitionEvent)
	if len(events) > 0 {
		for _, fn := range w.listeners {
			listeners = append(listeners, fn)
		}
	}
	w.mu.Unlock()

	for _, ev := range events {
		w.opts.Metrics.Transition(ev.Kind)
		w.log.WithField("transition", string(ev.Kind)).Info("Battle status transition")
		for _, fn := range listeners {
			fn(ev)
		}
	}
	return true
}

// OnRealtimeEvent schedules a refetch when the change concerns this battle.
// The payload itself is never applied.
func (w *Watcher) OnRealtimeEvent(change domain.RowChange) {
	id, ok := change.BattleID()
	if !ok || id != w.battleID {
		w.log.WithFields(map[string]interface{}{
			"table":          change.Table,
			"change_battle":  id,
			"has_battle_ref": ok,
		}).Debug("Ignored realtime change for another battle")
		return
	}
	w.opts.Metrics.RealtimeEvent(change.Table)
	w.RequestRefresh()
}

// RequestRefresh schedules a refresh on the worker
func (w *Watcher) RequestRefresh() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Start runs the refresh worker and the polling backstop
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	running := w.cancel != nil
	w.mu.Unlock()
	if running {
		return nil
	}

	scheduler, err := newPoller(w.opts.PollInterval, w.RequestRefresh)
	if err != nil {
		return err
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.done = make(chan struct{})
	w.scheduler = scheduler
	w.mu.Unlock()

	scheduler.Start()
	go w.worker(workerCtx)
	w.RequestRefresh()
	return nil
}

// Stop halts the worker and the poller
func (w *Watcher) Stop() error {
	w.mu.Lock()
	cancel, done, scheduler := w.cancel, w.done, w.scheduler
	w.cancel, w.scheduler = nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return scheduler.Shutdown()
}

func (w *Watcher) worker(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.kick:
			refreshCtx, cancel := context.WithTimeout(ctx, w.opts.RefreshTimeout)
			_ = w.Refresh(refreshCtx)
			cancel()
		}
	}
}
