package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "battle-sync/pkg/errors"
	"battle-sync/pkg/logger"
)

type fakeRows struct {
	docs [][]byte
	pos  int
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return [][]byte{r.docs[r.pos-1]} }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.docs) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	*(dest[0].(*[]byte)) = r.docs[r.pos-1]
	return nil
}

func (r *fakeRows) Values() ([]any, error) {
	return []any{r.docs[r.pos-1]}, nil
}

type fakeQuerier struct {
	docs  []string
	err   error
	query string
	args  []any
}

func (q *fakeQuerier) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	q.query = sql
	q.args = args
	if q.err != nil {
		return nil, q.err
	}
	rows := &fakeRows{}
	for _, d := range q.docs {
		rows.docs = append(rows.docs, []byte(d))
	}
	return rows, nil
}

const (
	waitingDoc = `{"id":"b1","status":"waiting","player_count":4,"game_mode":"normal","team_mode":"2v2",
		"total_value":12.50,"creator_id":"u1","created_at":"2026-10-16T10:00:00.123456+00:00",
		"crates":[{"crate_id":"c1","name":"Knife Case","price":2.5,"quantity":5}],
		"crate_battle_players":[
			{"battle_id":"b1","user_id":"u2","slot_number":2,"team":"team2","is_bot":false,"profiles":{"username":"bob","avatar_url":"","level":3}},
			{"battle_id":"b1","user_id":"u1","slot_number":1,"team":"team1","is_bot":false,"profiles":{"username":"alice","avatar_url":"","level":7}},
			{"battle_id":"b1","user_id":null,"slot_number":3,"team":"team1","is_bot":true,"bot_name":"Bot Rex","profiles":null}
		]}`
	duplicateSlotDoc = `{"id":"b2","status":"waiting","player_count":2,"game_mode":"normal","team_mode":"1v1",
		"created_at":"2026-10-16T10:00:00+00:00",
		"crate_battle_players":[{"battle_id":"b2","user_id":"u1","slot_number":1},{"battle_id":"b2","user_id":"u2","slot_number":1}]}`
	overfullDoc = `{"id":"b3","status":"waiting","player_count":2,"game_mode":"normal","team_mode":"1v1",
		"created_at":"2026-10-16T10:00:00+00:00",
		"crate_battle_players":[{"user_id":"u1","slot_number":1},{"user_id":"u2","slot_number":2},{"user_id":"u3","slot_number":3}]}`
)

func TestBattleRepository_ListAvailableBattles(t *testing.T) {
	q := &fakeQuerier{docs: []string{waitingDoc, duplicateSlotDoc, overfullDoc, `{broken`}}
	repo := NewBattleRepository(q, 30*time.Minute, nil, logger.NewNop())

	battles, err := repo.ListAvailableBattles(context.Background())
	require.NoError(t, err)

	// rows breaking the slot invariants or failing to decode are skipped
	require.Len(t, battles, 1)
	b := battles[0]
	assert.Equal(t, "b1", b.ID)
	assert.Equal(t, "2v2", b.TeamMode)
	assert.Equal(t, 12.5, b.TotalValue)
	assert.Equal(t, "u1", b.CreatorID)
	require.Len(t, b.Crates, 1)
	assert.Equal(t, "Knife Case", b.Crates[0].Crate.Name)
	assert.Equal(t, 5, b.Crates[0].Quantity)

	require.Len(t, b.Players, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{b.Players[0].SlotNumber, b.Players[1].SlotNumber, b.Players[2].SlotNumber})
	assert.Equal(t, "alice", b.Players[0].Username)
	assert.True(t, b.Players[2].IsBot)
	assert.Equal(t, "Bot Rex", b.Players[2].Username)
	assert.Nil(t, b.Players[2].UserID)
	assert.NoError(t, b.Validate())

	require.Len(t, q.args, 2)
	assert.Equal(t, "waiting", q.args[0])
	cutoff, ok := q.args[1].(time.Time)
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(-30*time.Minute), cutoff, 5*time.Second)
	assert.Contains(t, q.query, "ORDER BY b.created_at DESC")
}

func TestBattleRepository_ListCutoffUsesClock(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	q := &fakeQuerier{}
	repo := NewBattleRepository(q, 30*time.Minute, clockwork.NewFakeClockAt(now), logger.NewNop())

	_, err := repo.ListAvailableBattles(context.Background())
	require.NoError(t, err)

	require.Len(t, q.args, 2)
	assert.Equal(t, now.Add(-30*time.Minute), q.args[1])
}

func TestBattleRepository_GetBattle_Overfull(t *testing.T) {
	repo := NewBattleRepository(&fakeQuerier{docs: []string{overfullDoc}}, 30*time.Minute, nil, logger.NewNop())

	battle, err := repo.GetBattle(context.Background(), "b3")
	assert.Nil(t, battle)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeExternal))
}

func TestBattleRepository_GetBattle(t *testing.T) {
	q := &fakeQuerier{docs: []string{waitingDoc}}
	repo := NewBattleRepository(q, 30*time.Minute, nil, logger.NewNop())

	battle, err := repo.GetBattle(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, "b1", battle.ID)
	assert.Equal(t, []any{"b1"}, q.args)
}

func TestBattleRepository_GetBattle_NotFound(t *testing.T) {
	repo := NewBattleRepository(&fakeQuerier{}, 30*time.Minute, nil, logger.NewNop())

	_, err := repo.GetBattle(context.Background(), "missing")
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNotFound))
}

func TestBattleRepository_QueryError(t *testing.T) {
	repo := NewBattleRepository(&fakeQuerier{err: errors.New("connection refused")}, 30*time.Minute, nil, logger.NewNop())

	_, err := repo.ListAvailableBattles(context.Background())
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeTransient))
	assert.Contains(t, err.Error(), "connection refused")

	_, err = repo.GetBattle(context.Background(), "b1")
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeTransient))
}
