package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"battle-sync/internal/domain"
)

// Querier is the subset of pgxpool.Pool the repositories use
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// BattleRepository reads battles straight from the Supabase Postgres
type BattleRepository interface {
	// ListAvailableBattles returns waiting battles joined with their players, newest first
	ListAvailableBattles(ctx context.Context) ([]*domain.Battle, error)

	// GetBattle returns one battle, or a not_found AppError
	GetBattle(ctx context.Context, battleID string) (*domain.Battle, error)
}
