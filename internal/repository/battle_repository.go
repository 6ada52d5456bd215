package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"

	"battle-sync/internal/domain"
	apperrors "battle-sync/pkg/errors"
	"battle-sync/pkg/logger"
)

// battleJSON builds the same document PostgREST returns for
// select=*,crate_battle_players(*,profiles(username,avatar_url,level))
const battleJSON = `
	SELECT json_build_object(
		'id', b.id,
		'status', b.status,
		'player_count', b.player_count,
		'game_mode', b.game_mode,
		'team_mode', b.team_mode,
		'total_value', b.total_value,
		'creator_id', b.creator_id,
		'crates', COALESCE(b.crates, '[]'::jsonb),
		'created_at', b.created_at,
		'crate_battle_players', COALESCE((
			SELECT json_agg(json_build_object(
				'battle_id', p.battle_id,
				'user_id', p.user_id,
				'slot_number', p.slot_number,
				'team', p.team,
				'is_bot', p.is_bot,
				'bot_name', p.bot_name,
				'profiles', CASE WHEN pr.id IS NULL THEN NULL ELSE json_build_object(
					'username', pr.username,
					'avatar_url', pr.avatar_url,
					'level', pr.level
				) END
			) ORDER BY p.slot_number)
			FROM crate_battle_players p
			LEFT JOIN profiles pr ON pr.id = p.user_id
			WHERE p.battle_id = b.id
		), '[]'::json)
	)
	FROM crate_battles b`

// battleRepository handles battle reads with PostgreSQL
type battleRepository struct {
	db              Querier
	stalenessWindow time.Duration
	clock           clockwork.Clock
	logger          *logger.Logger
}

// NewBattleRepository creates a new battle repository. Listing queries skip battles older
// than stalenessWindow, measured on clock, so the database does the bulk of the filtering.
func NewBattleRepository(db Querier, stalenessWindow time.Duration, clock clockwork.Clock, log *logger.Logger) BattleRepository {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &battleRepository{
		db:              db,
		stalenessWindow: stalenessWindow,
		clock:           clock,
		logger:          log.Named("battle_repository"),
	}
}

// ListAvailableBattles returns waiting battles joined with their players, newest first
func (r *battleRepository) ListAvailableBattles(ctx context.Context) ([]*domain.Battle, error) {
	query := battleJSON + `
		WHERE b.status = $1 AND b.created_at >= $2
		ORDER BY b.created_at DESC`

	rows, err := r.db.Query(ctx, query, domain.StatusWaiting, r.clock.Now().Add(-r.stalenessWindow))
	if err != nil {
		return nil, apperrors.NewTransientError("failed to list battles", err)
	}
	docs, err := collectDocuments(rows)
	if err != nil {
		return nil, apperrors.NewTransientError("failed to read battles", err)
	}

	battles := r.decode(docs)
	r.logger.WithField("count", len(battles)).Debug("Listed available battles")
	return battles, nil
}

// GetBattle returns one battle by id
func (r *battleRepository) GetBattle(ctx context.Context, battleID string) (*domain.Battle, error) {
	query := battleJSON + `
		WHERE b.id = $1
		LIMIT 1`

	rows, err := r.db.Query(ctx, query, battleID)
	if err != nil {
		return nil, apperrors.NewTransientError("failed to get battle", err)
	}
	docs, err := collectDocuments(rows)
	if err != nil {
		return nil, apperrors.NewTransientError("failed to read battle", err)
	}

	if len(docs) == 0 {
		return nil, apperrors.NewNotFoundError("Battle not found")
	}
	battle, err := toBattle(docs[0])
	if err != nil {
		r.logger.WithError(err).WithBattle(battleID).Warn("Rejected malformed battle row")
		return nil, apperrors.NewExternalError("Battle data is inconsistent", err)
	}
	return battle, nil
}

func collectDocuments(rows pgx.Rows) ([][]byte, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) ([]byte, error) {
		var doc []byte
		err := row.Scan(&doc)
		return doc, err
	})
}

// decode turns JSON documents into snapshots. Documents that fail to decode or break the
// slot invariants are skipped and logged.
func (r *battleRepository) decode(docs [][]byte) []*domain.Battle {
	battles := make([]*domain.Battle, 0, len(docs))
	for _, doc := range docs {
		battle, err := toBattle(doc)
		if err != nil {
			r.logger.WithError(err).Warn("Skipped malformed battle row")
			continue
		}
		battles = append(battles, battle)
	}
	return battles
}

func toBattle(doc []byte) (*domain.Battle, error) {
	var row domain.BattleRow
	if err := json.Unmarshal(doc, &row); err != nil {
		return nil, fmt.Errorf("decode battle row: %w", err)
	}
	battle := row.ToBattle()
	if err := battle.Validate(); err != nil {
		return nil, err
	}
	return battle, nil
}
