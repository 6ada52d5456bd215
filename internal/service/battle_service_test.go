package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"battle-sync/internal/domain"
	apperrors "battle-sync/pkg/errors"
	"battle-sync/pkg/logger"
)

type fakeBattleAPI struct {
	calls      []string
	createID   string
	lastCreate CreateBattleParams
	battle     *domain.Battle
	err        error
}

func (f *fakeBattleAPI) ListAvailableBattles(context.Context) ([]*domain.Battle, error) {
	f.calls = append(f.calls, "list")
	return nil, f.err
}

func (f *fakeBattleAPI) GetBattle(context.Context, string) (*domain.Battle, error) {
	f.calls = append(f.calls, "get")
	return f.battle, f.err
}

func (f *fakeBattleAPI) CreateBattle(_ context.Context, params CreateBattleParams) (string, error) {
	f.calls = append(f.calls, "create")
	f.lastCreate = params
	return f.createID, f.err
}

func (f *fakeBattleAPI) JoinBattle(_ context.Context, battleID, userID string) (*domain.Battle, error) {
	f.calls = append(f.calls, "join:"+battleID+":"+userID)
	return f.battle, f.err
}

func (f *fakeBattleAPI) AddBot(_ context.Context, battleID string, slot int, requesterID string) (*domain.Battle, error) {
	f.calls = append(f.calls, "bot:"+battleID+":"+requesterID)
	return f.battle, f.err
}

type fakeListRefresher struct {
	created   []*domain.Battle
	refreshes int
}

func (f *fakeListRefresher) NotifyLocalCreate(b *domain.Battle) string {
	f.created = append(f.created, b.Clone())
	if b.ID == "" {
		return "tmp-1"
	}
	return b.ID
}

func (f *fakeListRefresher) RequestRefresh() { f.refreshes++ }

type recordingNotifier struct {
	mu   sync.Mutex
	sent []domain.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, note domain.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
}

type fakeLocker struct {
	held map[string]bool
	err  error
}

func (f *fakeLocker) TryLock(_ context.Context, key string, _ time.Duration) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.held[key] {
		return false, nil
	}
	f.held[key] = true
	return true, nil
}

func setupBattleService(api *fakeBattleAPI) (*BattleService, *fakeListRefresher, *recordingNotifier) {
	list := &fakeListRefresher{}
	notifier := &recordingNotifier{}
	locker := &fakeLocker{held: map[string]bool{}}
	return NewBattleService(api, list, notifier, locker, logger.NewNop()), list, notifier
}

func validCreateRequest() domain.CreateBattleRequest {
	return domain.CreateBattleRequest{
		PlayerCount: 4,
		GameMode:    "normal",
		TeamMode:    "2v2",
		Crates: []domain.CrateEntry{
			{Crate: domain.Crate{ID: "c1", Name: "Knife Case", Price: 2.5}, Quantity: 2},
			{Crate: domain.Crate{ID: "c2", Name: "Glove Case", Price: 10}, Quantity: 1},
		},
	}
}

var signedIn = &domain.AuthUser{ID: "u1", Email: "player@example.com"}

func TestBattleService_CreateBattle(t *testing.T) {
	api := &fakeBattleAPI{createID: "srv1"}
	svc, list, _ := setupBattleService(api)

	battle, err := svc.CreateBattle(context.Background(), signedIn, validCreateRequest())
	require.NoError(t, err)

	assert.Equal(t, "srv1", battle.ID)
	assert.False(t, battle.Optimistic)
	assert.Equal(t, 15.0, api.lastCreate.TotalValue)
	assert.Equal(t, "u1", api.lastCreate.CreatorID)
	assert.Equal(t, "2v2", api.lastCreate.TeamMode)
	assert.Equal(t, []CreateBattleCrate{{CrateID: "c1", Quantity: 2}, {CrateID: "c2", Quantity: 1}}, api.lastCreate.Crates)

	require.Len(t, list.created, 1)
	placeholder := list.created[0]
	assert.Equal(t, domain.StatusWaiting, placeholder.Status)
	require.Len(t, placeholder.Players, 1)
	assert.Equal(t, 1, placeholder.Players[0].SlotNumber)
	assert.Equal(t, "u1", placeholder.Players[0].UserIDValue())
	assert.Nil(t, placeholder.Players[0].Team)
	assert.Equal(t, 1, list.refreshes)
}

func TestBattleService_CreateBattle_WithoutServerID(t *testing.T) {
	svc, _, _ := setupBattleService(&fakeBattleAPI{})

	battle, err := svc.CreateBattle(context.Background(), signedIn, validCreateRequest())
	require.NoError(t, err)
	assert.Equal(t, "tmp-1", battle.ID)
	assert.True(t, battle.Optimistic)
}

func TestBattleService_RequiresSignIn(t *testing.T) {
	tests := []struct {
		name string
		run  func(*BattleService, *domain.AuthUser) error
	}{
		{
			name: "create",
			run: func(s *BattleService, u *domain.AuthUser) error {
				_, err := s.CreateBattle(context.Background(), u, validCreateRequest())
				return err
			},
		},
		{
			name: "join",
			run: func(s *BattleService, u *domain.AuthUser) error {
				_, err := s.JoinBattle(context.Background(), u, "b1")
				return err
			},
		},
		{
			name: "add bot",
			run: func(s *BattleService, u *domain.AuthUser) error {
				_, err := s.AddBot(context.Background(), u, "b1", 2)
				return err
			},
		},
	}

	for _, tt := range tests {
		for _, user := range []*domain.AuthUser{nil, {}} {
			t.Run(tt.name, func(t *testing.T) {
				api := &fakeBattleAPI{createID: "srv1"}
				svc, list, notifier := setupBattleService(api)

				err := tt.run(svc, user)

				assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeAuthentication))
				assert.Empty(t, api.calls, "no network call without a user")
				assert.Empty(t, list.created)
				require.Len(t, notifier.sent, 1)
				assert.Equal(t, domain.NotifySignInRequired, notifier.sent[0].Kind)
			})
		}
	}
}

func TestBattleService_CreateBattle_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.CreateBattleRequest)
		field  string
	}{
		{name: "too few players", mutate: func(r *domain.CreateBattleRequest) { r.PlayerCount = 1 }, field: "player_count"},
		{name: "no crates", mutate: func(r *domain.CreateBattleRequest) { r.Crates = nil }, field: "crates"},
		{name: "zero quantity", mutate: func(r *domain.CreateBattleRequest) { r.Crates[1].Quantity = 0 }, field: "crates[1].quantity"},
		{name: "missing crate id", mutate: func(r *domain.CreateBattleRequest) { r.Crates[0].Crate.ID = "" }, field: "crates[0].crate.id"},
		{name: "missing team mode", mutate: func(r *domain.CreateBattleRequest) { r.TeamMode = " " }, field: "team_mode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeBattleAPI{}
			svc, _, _ := setupBattleService(api)

			req := validCreateRequest()
			tt.mutate(&req)
			_, err := svc.CreateBattle(context.Background(), signedIn, req)

			appErr, ok := apperrors.As(err)
			require.True(t, ok)
			assert.Equal(t, apperrors.ErrorTypeValidation, appErr.Type)
			assert.Contains(t, appErr.Details, tt.field)
			assert.Empty(t, api.calls)
		})
	}
}

func TestBattleService_CreateBattle_Idempotent(t *testing.T) {
	api := &fakeBattleAPI{createID: "srv1"}
	svc, list, _ := setupBattleService(api)

	req := validCreateRequest()
	req.IdempotencyKey = "req-1"

	_, err := svc.CreateBattle(context.Background(), signedIn, req)
	require.NoError(t, err)

	_, err = svc.CreateBattle(context.Background(), signedIn, req)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeRejected))
	assert.Equal(t, []string{"create"}, api.calls)
	assert.Len(t, list.created, 1)
}

func TestBattleService_CreateBattle_LockerDown(t *testing.T) {
	api := &fakeBattleAPI{createID: "srv1"}
	svc := NewBattleService(api, &fakeListRefresher{}, &recordingNotifier{}, &fakeLocker{err: errors.New("redis down")}, logger.NewNop())

	req := validCreateRequest()
	req.IdempotencyKey = "req-1"
	_, err := svc.CreateBattle(context.Background(), signedIn, req)

	require.NoError(t, err)
	assert.Equal(t, []string{"create"}, api.calls)
}

func TestBattleService_JoinBattle(t *testing.T) {
	api := &fakeBattleAPI{battle: &domain.Battle{ID: "b1", Status: domain.StatusWaiting, PlayerCount: 2}}
	svc, list, _ := setupBattleService(api)

	battle, err := svc.JoinBattle(context.Background(), signedIn, "b1")
	require.NoError(t, err)
	assert.Equal(t, "b1", battle.ID)
	assert.Equal(t, []string{"join:b1:u1"}, api.calls)
	assert.Equal(t, 1, list.refreshes)
	assert.Empty(t, list.created)
}

func TestBattleService_RejectionVerbatim(t *testing.T) {
	api := &fakeBattleAPI{err: apperrors.NewRejectedError("Insufficient balance", nil)}
	svc, list, notifier := setupBattleService(api)

	_, err := svc.JoinBattle(context.Background(), signedIn, "b1")

	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrorTypeRejected, appErr.Type)
	assert.Equal(t, "Insufficient balance", appErr.Message)
	assert.Zero(t, list.refreshes)

	require.Len(t, notifier.sent, 1)
	assert.Equal(t, domain.NotifyActionRejected, notifier.sent[0].Kind)
	assert.Equal(t, "Insufficient balance", notifier.sent[0].Message)
	assert.Equal(t, "b1", notifier.sent[0].BattleID)
}

func TestBattleService_UnclassifiedErrorIsInternal(t *testing.T) {
	svc, _, _ := setupBattleService(&fakeBattleAPI{err: errors.New("boom")})

	_, err := svc.CreateBattle(context.Background(), signedIn, validCreateRequest())
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeInternal))
}

func TestBattleService_AddBot(t *testing.T) {
	api := &fakeBattleAPI{battle: &domain.Battle{ID: "b1"}}
	svc, list, _ := setupBattleService(api)

	_, err := svc.AddBot(context.Background(), signedIn, "b1", 0)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
	assert.Empty(t, api.calls)

	_, err = svc.AddBot(context.Background(), signedIn, "b1", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"bot:b1:u1"}, api.calls)
	assert.Equal(t, 1, list.refreshes)
}

func TestTotalValue(t *testing.T) {
	assert.Equal(t, 0.0, TotalValue(nil))
	assert.InDelta(t, 15.0, TotalValue(validCreateRequest().Crates), 1e-9)
}
