package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/lithammer/fuzzysearch/fuzzy"

	"battle-sync/internal/domain"
	"battle-sync/internal/middleware"
	"battle-sync/internal/reconciler"
	"battle-sync/pkg/errors"
	"battle-sync/pkg/logger"
)

const sseKeepAlive = 15 * time.Second

// ListViewer exposes the reconciled list of joinable battles
type ListViewer interface {
	View() *reconciler.ListView
}

// BattleActions proxies the battle actions to the remote API
type BattleActions interface {
	CreateBattle(ctx context.Context, user *domain.AuthUser, req domain.CreateBattleRequest) (*domain.Battle, error)
	JoinBattle(ctx context.Context, user *domain.AuthUser, battleID string) (*domain.Battle, error)
	AddBot(ctx context.Context, user *domain.AuthUser, battleID string, slotNumber int) (*domain.Battle, error)
}

// ChangeFeed delivers realtime row changes for one battle until the returned func is called
type ChangeFeed interface {
	SubscribeBattle(battleID string, handler func(domain.RowChange)) (func(), error)
}

// WatcherTracker counts open battle streams
type WatcherTracker interface {
	WatcherOpened()
	WatcherClosed()
}

// BattleHandler serves the battle list, single battle state, actions and the event stream
type BattleHandler struct {
	list        ListViewer
	actions     BattleActions
	battles     reconciler.BattleSource
	feed        ChangeFeed
	tracker     WatcherTracker
	watcherOpts reconciler.WatcherOptions
	logger      *logger.Logger
}

// BattleHandlerDeps groups the collaborators of a BattleHandler. Feed and Tracker are optional.
type BattleHandlerDeps struct {
	List        ListViewer
	Actions     BattleActions
	Battles     reconciler.BattleSource
	Feed        ChangeFeed
	Tracker     WatcherTracker
	WatcherOpts reconciler.WatcherOptions
}

// NewBattleHandler creates a new battle handler
func NewBattleHandler(deps BattleHandlerDeps, log *logger.Logger) *BattleHandler {
	return &BattleHandler{
		list:        deps.List,
		actions:     deps.Actions,
		battles:     deps.Battles,
		feed:        deps.Feed,
		tracker:     deps.Tracker,
		watcherOpts: deps.WatcherOpts,
		logger:      log.Named("battle_handler"),
	}
}

// RegisterRoutes mounts the battle routes. The event stream is long lived and stays
// outside any request timeout applied to r.
func (h *BattleHandler) RegisterRoutes(r chi.Router, timeout func(http.Handler) http.Handler) {
	r.Get("/battles/{battleID}/events", h.Events)

	r.Group(func(r chi.Router) {
		if timeout != nil {
			r.Use(timeout)
		}
		r.Get("/battles", h.List)
		r.Post("/battles", h.Create)
		r.Get("/battles/{battleID}", h.Get)
		r.Post("/battles/{battleID}/join", h.Join)
		r.Post("/battles/{battleID}/bots", h.AddBot)
	})
}

// List handles GET /api/battles. ?crate= narrows the list to battles holding a crate
// whose name fuzzy-matches the query.
func (h *BattleHandler) List(w http.ResponseWriter, r *http.Request) {
	view := h.list.View()

	etag := `"v` + strconv.FormatUint(view.Version, 10) + `"`
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")

	query := strings.TrimSpace(r.URL.Query().Get("crate"))
	if query == "" {
		respondJSON(w, http.StatusOK, view, h.logger)
		return
	}

	filtered := &reconciler.ListView{
		Version:   view.Version,
		Battles:   make([]*domain.Battle, 0, len(view.Battles)),
		UpdatedAt: view.UpdatedAt,
	}
	for _, battle := range view.Battles {
		if matchesCrate(battle, query) {
			filtered.Battles = append(filtered.Battles, battle)
		}
	}
	respondJSON(w, http.StatusOK, filtered, h.logger)
}

func matchesCrate(battle *domain.Battle, query string) bool {
	for _, entry := range battle.Crates {
		if fuzzy.MatchNormalizedFold(query, entry.Crate.Name) {
			return true
		}
	}
	return false
}

// Create handles POST /api/battles
func (h *BattleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateBattleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, errors.NewValidationError("Invalid request body", nil), h.logger)
		return
	}
	req.IdempotencyKey = r.Header.Get("Idempotency-Key")

	battle, err := h.actions.CreateBattle(r.Context(), middleware.UserFromContext(r.Context()), req)
	if err != nil {
		respondError(w, r, err, h.logger)
		return
	}
	respondJSON(w, http.StatusCreated, battle, h.logger)
}

// Get handles GET /api/battles/{battleID}
func (h *BattleHandler) Get(w http.ResponseWriter, r *http.Request) {
	battle, err := h.battles.GetBattle(r.Context(), chi.URLParam(r, "battleID"))
	if err != nil {
		respondError(w, r, err, h.logger)
		return
	}
	respondJSON(w, http.StatusOK, reconciler.NewBattleState(battle), h.logger)
}

// Join handles POST /api/battles/{battleID}/join
func (h *BattleHandler) Join(w http.ResponseWriter, r *http.Request) {
	battleID := chi.URLParam(r, "battleID")
	battle, err := h.actions.JoinBattle(r.Context(), middleware.UserFromContext(r.Context()), battleID)
	if err != nil {
		respondError(w, r, err, h.logger)
		return
	}
	h.respondAction(w, battleID, battle)
}

// AddBot handles POST /api/battles/{battleID}/bots
func (h *BattleHandler) AddBot(w http.ResponseWriter, r *http.Request) {
	var req domain.AddBotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, errors.NewValidationError("Invalid request body", nil), h.logger)
		return
	}

	battleID := chi.URLParam(r, "battleID")
	battle, err := h.actions.AddBot(r.Context(), middleware.UserFromContext(r.Context()), battleID, req.SlotNumber)
	if err != nil {
		respondError(w, r, err, h.logger)
		return
	}
	h.respondAction(w, battleID, battle)
}

// respondAction answers with the battle state when the RPC returned the row, and with a bare
// acknowledgement otherwise. The list reconciler picks up the change either way.
func (h *BattleHandler) respondAction(w http.ResponseWriter, battleID string, battle *domain.Battle) {
	if battle == nil {
		respondJSON(w, http.StatusAccepted, map[string]string{"battle_id": battleID, "status": "accepted"}, h.logger)
		return
	}
	respondJSON(w, http.StatusOK, reconciler.NewBattleState(battle), h.logger)
}

// Events handles GET /api/battles/{battleID}/events as a server-sent event stream.
// It sends the current state, then each status transition once. The stream ends after
// the battle finishes or when the client goes away.
func (h *BattleHandler) Events(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	battleID := chi.URLParam(r, "battleID")
	log := h.logger.WithBattle(battleID)

	rc := http.NewResponseController(w)

	watcher := reconciler.NewWatcher(battleID, h.battles, h.logger, h.watcherOpts)
	transitions := make(chan domain.TransitionEvent, 4)
	unsubscribe := watcher.OnTransition(func(ev domain.TransitionEvent) {
		select {
		case transitions <- ev:
		default:
			log.WithField("transition", string(ev.Kind)).Warn("Dropped transition for slow stream")
		}
	})
	defer unsubscribe()

	if err := watcher.Refresh(ctx); err != nil {
		respondError(w, r, err, h.logger)
		return
	}
	state, _ := watcher.State()

	if h.feed != nil {
		leave, err := h.feed.SubscribeBattle(battleID, watcher.OnRealtimeEvent)
		if err != nil {
			// polling still covers the battle
			log.WithError(err).Warn("Realtime subscription failed")
		} else {
			defer leave()
		}
	}

	if err := watcher.Start(ctx); err != nil {
		respondError(w, r, errors.NewInternalError("Failed to start battle watcher", err), h.logger)
		return
	}
	defer func() {
		if err := watcher.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop battle watcher")
		}
	}()

	if h.tracker != nil {
		h.tracker.WatcherOpened()
		defer h.tracker.WatcherClosed()
	}

	// the stream outlives the server write timeout
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, rc, "state", state); err != nil {
		log.WithError(err).Debug("Event stream closed")
		return
	}

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case ev := <-transitions:
			if err := writeEvent(w, rc, string(ev.Kind), ev); err != nil {
				log.WithError(err).Debug("Event stream closed")
				return
			}
			if ev.Kind == domain.EnteredFinished {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, rc *http.ResponseController, name string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return err
	}
	return rc.Flush()
}
