package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"battle-sync/internal/domain"
	"battle-sync/pkg/logger"
)

// Defaults for the list reconciler
const (
	DefaultPollInterval    = 5 * time.Second
	DefaultStalenessWindow = 30 * time.Minute
	DefaultRefreshTimeout  = 10 * time.Second

	tempIDPrefix = "tmp-"
)

// ListSource fetches the full server listing of waiting battles
type ListSource interface {
	ListAvailableBattles(ctx context.Context) ([]*domain.Battle, error)
}

// ListStore persists the last reconciled listing for warm starts
type ListStore interface {
	Load(ctx context.Context) ([]*domain.Battle, error)
	Save(ctx context.Context, battles []*domain.Battle) error
}

// ListView is an immutable, versioned view of the visible battle list.
// The pointer only changes when the list materially changes.
type ListView struct {
	Version   uint64           `json:"version"`
	Battles   []*domain.Battle `json:"battles"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// ListOptions configures a List
type ListOptions struct {
	PollInterval    time.Duration
	StalenessWindow time.Duration
	RefreshTimeout  time.Duration
	Clock           clockwork.Clock
	Store           ListStore
	Notifier        Notifier
	Metrics         Metrics
}

func (o ListOptions) withDefaults() ListOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.StalenessWindow <= 0 {
		o.StalenessWindow = DefaultStalenessWindow
	}
	if o.RefreshTimeout <= 0 {
		o.RefreshTimeout = DefaultRefreshTimeout
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Notifier == nil {
		o.Notifier = nopNotifier{}
	}
	if o.Metrics == nil {
		o.Metrics = nopMetrics{}
	}
	return o
}

// pendingCreate is an optimistic entry awaiting server truth.
// afterSeq is the number of refreshes started when it was inserted.
type pendingCreate struct {
	battle   *domain.Battle
	afterSeq uint64
}

// List maintains the visible list of joinable battles. It merges full refetches,
// realtime triggers and local optimistic inserts into one de-duplicated view.
type List struct {
	source ListSource
	opts   ListOptions
	log    *logger.Logger

	mu        sync.Mutex
	view      *ListView
	pending   []pendingCreate
	gen       generation
	listeners map[int]func(*ListView)
	nextID    int

	deliverMu     sync.Mutex
	lastDelivered uint64

	saveMu    sync.Mutex
	lastSaved uint64

	kick      chan struct{}
	scheduler gocron.Scheduler
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewList creates a list reconciler over source
func NewList(source ListSource, log *logger.Logger, opts ListOptions) *List {
	opts = opts.withDefaults()
	return &List{
		source:    source,
		opts:      opts,
		log:       log.Named("battle_list"),
		view:      &ListView{Battles: []*domain.Battle{}, UpdatedAt: opts.Clock.Now()},
		listeners: make(map[int]func(*ListView)),
		kick:      make(chan struct{}, 1),
	}
}

// View returns the current read-only view. Callers must not mutate it.
func (l *List) View() *ListView {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.view
}

// OnChange registers fn to be called with every materially new view.
// The returned func unregisters it.
func (l *List) OnChange(fn func(*ListView)) func() {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.listeners[id] = fn
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.listeners, id)
			l.mu.Unlock()
		})
	}
}

// Refresh fetches the full server listing and replaces the visible list when it
// materially differs. A completion older than an already applied one is dropped.
func (l *List) Refresh(ctx context.Context) error {
	l.mu.Lock()
	seq := l.gen.begin()
	l.mu.Unlock()

	start := l.opts.Clock.Now()
	battles, err := l.source.ListAvailableBattles(ctx)
	if err != nil {
		l.opts.Metrics.RefreshFailed(ScopeList)
		l.log.WithError(err).WithField("seq", seq).Warn("Battle list refresh failed, keeping current list")
		l.opts.Notifier.Notify(ctx, domain.Notification{
			Kind:    domain.NotifyRefreshFailed,
			Message: "Could not refresh battles. Retrying shortly.",
			At:      l.opts.Clock.Now(),
		})
		return fmt.Errorf("refresh battle list: %w", err)
	}

	fresh := l.filterFresh(battles)

	l.mu.Lock()
	if !l.gen.tryApply(seq) {
		l.mu.Unlock()
		l.opts.Metrics.RefreshDropped(ScopeList)
		l.log.WithField("seq", seq).Debug("Dropped out-of-order battle list refresh")
		return nil
	}
	next := l.mergeLocked(fresh, seq)
	view, changed := l.replaceLocked(next)
	listeners := l.listenersLocked(changed)
	l.mu.Unlock()

	l.opts.Metrics.RefreshSucceeded(ScopeList, l.opts.Clock.Since(start), changed)
	if changed {
		l.publish(ctx, view, listeners)
	}
	return nil
}

// NotifyLocalCreate prepends an optimistic snapshot so the creator sees the battle immediately.
// A temporary id is assigned when battle.ID is empty. It returns the id used.
func (l *List) NotifyLocalCreate(battle *domain.Battle) string {
	placeholder := battle.Clone()
	placeholder.Optimistic = true
	if placeholder.ID == "" {
		placeholder.ID = tempIDPrefix + uuid.NewString()
	}
	if placeholder.CreatedAt.IsZero() {
		placeholder.CreatedAt = l.opts.Clock.Now()
	}

	l.mu.Lock()
	for _, b := range l.view.Battles {
		if b.ID == placeholder.ID && !b.Optimistic {
			// server truth already arrived
			l.mu.Unlock()
			return placeholder.ID
		}
	}
	l.pending = append(l.pending, pendingCreate{battle: placeholder, afterSeq: l.gen.started})

	next := make([]*domain.Battle, 0, len(l.view.Battles)+1)
	next = append(next, placeholder)
	for _, b := range l.view.Battles {
		if b.ID != placeholder.ID {
			next = append(next, b)
		}
	}
	view, changed := l.replaceLocked(next)
	listeners := l.listenersLocked(changed)
	l.mu.Unlock()

	l.log.WithBattle(placeholder.ID).Debug("Inserted optimistic battle")
	if changed {
		l.publish(context.Background(), view, listeners)
	}
	return placeholder.ID
}

// OnRealtimeEvent treats a raw change purely as a trigger; its payload is never applied
func (l *List) OnRealtimeEvent(change domain.RowChange) {
	l.opts.Metrics.RealtimeEvent(change.Table)
	l.log.WithFields(map[string]interface{}{
		"table": change.Table,
		"type":  change.Type,
	}).Debug("Realtime change received, scheduling refresh")
	l.RequestRefresh()
}

// RequestRefresh schedules a refresh on the worker. Bursts coalesce into one pending refresh.
func (l *List) RequestRefresh() {
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

// Start warms the list from the store, then runs the refresh worker and the polling backstop
func (l *List) Start(ctx context.Context) error {
	l.mu.Lock()
	running := l.cancel != nil
	l.mu.Unlock()
	if running {
		return nil
	}

	scheduler, err := newPoller(l.opts.PollInterval, l.RequestRefresh)
	if err != nil {
		return err
	}

	l.warmStart(ctx)

	workerCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancel = cancel
	l.done = make(chan struct{})
	l.scheduler = scheduler
	l.mu.Unlock()

	scheduler.Start()
	go l.worker(workerCtx)
	l.RequestRefresh()

	l.log.WithField("poll_interval", l.opts.PollInterval.String()).Info("Battle list reconciler started")
	return nil
}

// Stop halts the worker and the poller
func (l *List) Stop() error {
	l.mu.Lock()
	cancel, done, scheduler := l.cancel, l.done, l.scheduler
	l.cancel, l.scheduler = nil, nil
	l.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	var err error
	if scheduler != nil {
		err = scheduler.Shutdown()
	}
	l.log.Info("Battle list reconciler stopped")
	return err
}

func (l *List) worker(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.kick:
			refreshCtx, cancel := context.WithTimeout(ctx, l.opts.RefreshTimeout)
			_ = l.Refresh(refreshCtx)
			cancel()
		}
	}
}

func (l *List) warmStart(ctx context.Context) {
	if l.opts.Store == nil {
		return
	}
	cached, err := l.opts.Store.Load(ctx)
	if err != nil {
		l.log.WithError(err).Warn("Failed to load cached battle list, starting empty")
		return
	}
	fresh := l.filterFresh(cached)
	if len(fresh) == 0 {
		return
	}

	l.mu.Lock()
	if len(l.view.Battles) > 0 || l.gen.applied > 0 {
		l.mu.Unlock()
		return
	}
	view, changed := l.replaceLocked(fresh)
	listeners := l.listenersLocked(changed)
	l.mu.Unlock()

	l.log.WithField("count", len(fresh)).Info("Warm-started battle list from cache")
	if changed {
		l.deliver(view, listeners)
	}
}

// filterFresh drops stale and duplicate entries
func (l *List) filterFresh(battles []*domain.Battle) []*domain.Battle {
	now := l.opts.Clock.Now()
	out := make([]*domain.Battle, 0, len(battles))
	for _, b := range dedupeByID(battles) {
		if b.IsStale(now, l.opts.StalenessWindow) {
			continue
		}
		out = append(out, b)
	}
	return out
}

// mergeLocked combines a fresh server listing with surviving optimistic entries.
// Placeholders die when the server returns their id or when a refresh that started
// after their insertion completes.
func (l *List) mergeLocked(fresh []*domain.Battle, seq uint64) []*domain.Battle {
	serverIDs := make(map[string]struct{}, len(fresh))
	for _, b := range fresh {
		serverIDs[b.ID] = struct{}{}
	}

	kept := l.pending[:0]
	var survivors []*domain.Battle
	for _, p := range l.pending {
		if _, ok := serverIDs[p.battle.ID]; ok {
			continue
		}
		if seq > p.afterSeq {
			continue
		}
		kept = append(kept, p)
		survivors = append(survivors, p.battle)
	}
	l.pending = kept

	if len(survivors) == 0 {
		return fresh
	}

	// newest placeholder first
	next := make([]*domain.Battle, 0, len(survivors)+len(fresh))
	for i := len(survivors) - 1; i >= 0; i-- {
		next = append(next, survivors[i])
	}
	return append(next, fresh...)
}

// replaceLocked swaps in next when it materially differs from the current view
func (l *List) replaceLocked(next []*domain.Battle) (*ListView, bool) {
	if SameListing(l.view.Battles, next) {
		return l.view, false
	}
	l.view = &ListView{
		Version:   l.view.Version + 1,
		Battles:   next,
		UpdatedAt: l.opts.Clock.Now(),
	}
	return l.view, true
}

func (l *List) listenersLocked(changed bool) []func(*ListView) {
	if !changed {
		return nil
	}
	fns := make([]func(*ListView), 0, len(l.listeners))
	for _, fn := range l.listeners {
		fns = append(fns, fn)
	}
	return fns
}

func (l *List) publish(ctx context.Context, view *ListView, listeners []func(*ListView)) {
	l.opts.Metrics.VisibleBattles(len(view.Battles))
	l.log.WithFields(map[string]interface{}{
		"version": view.Version,
		"count":   len(view.Battles),
	}).Debug("Battle list changed")

	if !l.deliver(view, listeners) {
		return
	}

	if l.opts.Store != nil {
		l.save(ctx, view)
	}
}

// save persists view unless a newer version was already saved
func (l *List) save(ctx context.Context, view *ListView) {
	l.saveMu.Lock()
	defer l.saveMu.Unlock()

	if view.Version <= l.lastSaved {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	if err := l.opts.Store.Save(saveCtx, serverOnly(view.Battles)); err != nil {
		l.log.WithError(err).Warn("Failed to cache battle list")
		return
	}
	l.lastSaved = view.Version
}

// deliver calls listeners in version order; a view older than one already delivered is skipped
func (l *List) deliver(view *ListView, listeners []func(*ListView)) bool {
	l.deliverMu.Lock()
	defer l.deliverMu.Unlock()

	if view.Version <= l.lastDelivered {
		return false
	}
	l.lastDelivered = view.Version
	for _, fn := range listeners {
		fn(view)
	}
	return true
}

// serverOnly strips optimistic placeholders before persisting
func serverOnly(battles []*domain.Battle) []*domain.Battle {
	out := make([]*domain.Battle, 0, len(battles))
	for _, b := range battles {
		if !b.Optimistic {
			out = append(out, b)
		}
	}
	return out
}

// newPoller builds the polling backstop. Skipped runs are rescheduled, never stacked.
func newPoller(interval time.Duration, task func()) (gocron.Scheduler, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create poll scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(task),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return nil, fmt.Errorf("failed to create poll job: %w", err)
	}
	return scheduler, nil
}
