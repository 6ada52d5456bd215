package service

import (
	"context"

	"battle-sync/internal/domain"
)

// BattleLister is the read side of the remote battle API
type BattleLister interface {
	// ListAvailableBattles returns waiting battles joined with their players, newest first
	ListAvailableBattles(ctx context.Context) ([]*domain.Battle, error)

	// GetBattle returns one battle, or a not_found AppError
	GetBattle(ctx context.Context, battleID string) (*domain.Battle, error)
}

// BattleAPI is the authoritative remote battle API. The client never computes balances, winners or slot assignment.
type BattleAPI interface {
	BattleLister

	// CreateBattle calls create_crate_battle and returns the new battle id
	CreateBattle(ctx context.Context, params CreateBattleParams) (string, error)

	// JoinBattle calls join_crate_battle
	JoinBattle(ctx context.Context, battleID, userID string) (*domain.Battle, error)

	// AddBot calls add_bot_to_battle_slot
	AddBot(ctx context.Context, battleID string, slotNumber int, requesterID string) (*domain.Battle, error)
}

// Notifier delivers recoverable, user-facing notifications
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification)
}

// ListRefresher is the part of the list reconciler the action service needs
type ListRefresher interface {
	// NotifyLocalCreate inserts an optimistic entry and returns the id it was listed under
	NotifyLocalCreate(battle *domain.Battle) string
	RequestRefresh()
}

// CreateBattleParams are the arguments of create_crate_battle
type CreateBattleParams struct {
	CreatorID   string              `json:"p_creator_id"`
	TotalValue  float64             `json:"p_total_value"`
	PlayerCount int                 `json:"p_player_count"`
	GameMode    string              `json:"p_game_mode"`
	TeamMode    string              `json:"p_team_mode"`
	Crates      []CreateBattleCrate `json:"p_crates"`
}

// CreateBattleCrate is one crate line of create_crate_battle
type CreateBattleCrate struct {
	CrateID  string `json:"crate_id"`
	Quantity int    `json:"quantity"`
}
