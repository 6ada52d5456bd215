package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"battle-sync/internal/domain"
	apperrors "battle-sync/pkg/errors"
	"battle-sync/pkg/logger"
)

const createIdempotencyTTL = 30 * time.Second

// IdempotencyLocker claims a key for ttl. It returns false when the key is already held.
type IdempotencyLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// BattleService runs the battle actions against the remote API and keeps the list reconciler informed
type BattleService struct {
	api      BattleAPI
	list     ListRefresher
	notifier Notifier
	locker   IdempotencyLocker
	clock    clockwork.Clock
	logger   *logger.Logger
}

// NewBattleService creates a new battle action service. locker may be nil.
func NewBattleService(api BattleAPI, list ListRefresher, notifier Notifier, locker IdempotencyLocker, log *logger.Logger) *BattleService {
	return &BattleService{
		api:      api,
		list:     list,
		notifier: notifier,
		locker:   locker,
		clock:    clockwork.NewRealClock(),
		logger:   log.Named("battle_service"),
	}
}

// CreateBattle creates a battle and lists it optimistically for the creator. The returned
// snapshot carries the server id, or a temporary id when the RPC answered without one.
func (s *BattleService) CreateBattle(ctx context.Context, user *domain.AuthUser, req domain.CreateBattleRequest) (*domain.Battle, error) {
	if err := s.requireUser(ctx, user, ""); err != nil {
		return nil, err
	}
	if err := validateCreate(req); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" && s.locker != nil {
		acquired, err := s.locker.TryLock(ctx, "create:"+user.ID+":"+req.IdempotencyKey, createIdempotencyTTL)
		if err != nil {
			// the lock is best effort
			s.logger.WithError(err).Warn("Idempotency lock unavailable, continuing")
		} else if !acquired {
			return nil, apperrors.NewRejectedError("This battle is already being created", nil)
		}
	}

	params := CreateBattleParams{
		CreatorID:   user.ID,
		TotalValue:  TotalValue(req.Crates),
		PlayerCount: req.PlayerCount,
		GameMode:    req.GameMode,
		TeamMode:    req.TeamMode,
		Crates:      make([]CreateBattleCrate, 0, len(req.Crates)),
	}
	for _, entry := range req.Crates {
		params.Crates = append(params.Crates, CreateBattleCrate{CrateID: entry.Crate.ID, Quantity: entry.Quantity})
	}

	battleID, err := s.api.CreateBattle(ctx, params)
	if err != nil {
		return nil, s.actionFailed(ctx, user, "", "create", err)
	}

	creatorID := user.ID
	battle := &domain.Battle{
		ID:          battleID,
		Status:      domain.StatusWaiting,
		PlayerCount: req.PlayerCount,
		GameMode:    req.GameMode,
		TeamMode:    req.TeamMode,
		TotalValue:  params.TotalValue,
		CreatorID:   user.ID,
		Crates:      req.Crates,
		Players:     []domain.Player{{UserID: &creatorID, SlotNumber: 1}},
		CreatedAt:   s.clock.Now(),
	}
	battle.ID = s.list.NotifyLocalCreate(battle)
	battle.Optimistic = battleID == ""
	s.list.RequestRefresh()

	s.logger.WithFields(map[string]interface{}{
		"battle_id":    battle.ID,
		"user_id":      user.ID,
		"player_count": req.PlayerCount,
		"total_value":  params.TotalValue,
	}).Info("Battle created")
	return battle, nil
}

// JoinBattle joins the signed-in user to a waiting battle. Slot assignment is the server's.
// The returned snapshot is nil when the RPC answered without one.
func (s *BattleService) JoinBattle(ctx context.Context, user *domain.AuthUser, battleID string) (*domain.Battle, error) {
	if err := s.requireUser(ctx, user, battleID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(battleID) == "" {
		return nil, apperrors.NewValidationError("Battle id is required", nil)
	}

	battle, err := s.api.JoinBattle(ctx, battleID, user.ID)
	if err != nil {
		return nil, s.actionFailed(ctx, user, battleID, "join", err)
	}
	s.list.RequestRefresh()

	log := s.logger.WithBattle(battleID).WithField("user_id", user.ID)
	if battle != nil && !battle.HasUser(user.ID) {
		// replication lag on the RPC answer; the next refresh has the slot
		log.Warn("Join answer does not list the user yet")
	}
	log.Info("Joined battle")
	return battle, nil
}

// AddBot fills slotNumber with a bot
func (s *BattleService) AddBot(ctx context.Context, user *domain.AuthUser, battleID string, slotNumber int) (*domain.Battle, error) {
	if err := s.requireUser(ctx, user, battleID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(battleID) == "" {
		return nil, apperrors.NewValidationError("Battle id is required", nil)
	}
	if slotNumber < 1 {
		return nil, apperrors.NewValidationError("Slot number must be at least 1", map[string]interface{}{
			"slot_number": slotNumber,
		})
	}

	battle, err := s.api.AddBot(ctx, battleID, slotNumber, user.ID)
	if err != nil {
		return nil, s.actionFailed(ctx, user, battleID, "add_bot", err)
	}
	s.list.RequestRefresh()

	s.logger.WithBattle(battleID).WithFields(map[string]interface{}{
		"user_id":     user.ID,
		"slot_number": slotNumber,
	}).Info("Bot added to battle")
	return battle, nil
}

// TotalValue sums crate price times quantity. The value is display data for the create RPC.
func TotalValue(crates []domain.CrateEntry) float64 {
	var total float64
	for _, entry := range crates {
		total += entry.Crate.Price * float64(entry.Quantity)
	}
	return total
}

func validateCreate(req domain.CreateBattleRequest) error {
	details := map[string]interface{}{}
	if req.PlayerCount < 2 {
		details["player_count"] = "must be at least 2"
	}
	if strings.TrimSpace(req.GameMode) == "" {
		details["game_mode"] = "is required"
	}
	if strings.TrimSpace(req.TeamMode) == "" {
		details["team_mode"] = "is required"
	}
	if len(req.Crates) == 0 {
		details["crates"] = "at least one crate is required"
	}
	for i, entry := range req.Crates {
		if entry.Crate.ID == "" {
			details[fmt.Sprintf("crates[%d].crate.id", i)] = "is required"
		}
		if entry.Quantity < 1 {
			details[fmt.Sprintf("crates[%d].quantity", i)] = "must be at least 1"
		}
	}
	if len(details) > 0 {
		return apperrors.NewValidationError("Invalid battle settings", details)
	}
	return nil
}

// requireUser rejects anonymous actions before any network call
func (s *BattleService) requireUser(ctx context.Context, user *domain.AuthUser, battleID string) error {
	if user != nil && user.ID != "" {
		return nil
	}
	s.notifier.Notify(ctx, domain.Notification{
		Kind:     domain.NotifySignInRequired,
		Message:  "Please sign in to continue",
		BattleID: battleID,
		At:       s.clock.Now(),
	})
	return apperrors.NewAuthenticationError("Please sign in to continue")
}

// actionFailed reports a failed action. Business rejections keep the server's message verbatim.
func (s *BattleService) actionFailed(ctx context.Context, user *domain.AuthUser, battleID, action string, err error) error {
	log := s.logger.WithError(err).WithFields(map[string]interface{}{
		"action":    action,
		"battle_id": battleID,
		"user_id":   user.ID,
	})

	appErr, ok := apperrors.As(err)
	if !ok {
		log.Error("Battle action failed")
		return apperrors.NewInternalError("Battle action failed", err)
	}

	switch appErr.Type {
	case apperrors.ErrorTypeRejected:
		log.Info("Battle action rejected")
	case apperrors.ErrorTypeAuthentication:
		log.Warn("Battle action not authorized")
	default:
		log.Error("Battle action failed")
	}

	s.notifier.Notify(ctx, domain.Notification{
		Kind:     domain.NotifyActionRejected,
		Message:  appErr.Message,
		BattleID: battleID,
		UserID:   user.ID,
		At:       s.clock.Now(),
	})
	return appErr
}
