package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"battle-sync/internal/config"
	"battle-sync/internal/domain"
	apperrors "battle-sync/pkg/errors"
	"battle-sync/pkg/logger"
)

const battleSelect = "*,crate_battle_players(*,profiles(username,avatar_url,level))"

type accessTokenKey struct{}

// WithAccessToken makes Supabase calls in ctx run as the signed-in user so row level security applies
func WithAccessToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, accessTokenKey{}, token)
}

func accessToken(ctx context.Context) string {
	token, _ := ctx.Value(accessTokenKey{}).(string)
	return token
}

// postgrestError is the error body PostgREST returns, including RAISE EXCEPTION from RPCs
type postgrestError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

// SupabaseClient handles all interactions with the Supabase REST and RPC endpoints
type SupabaseClient struct {
	baseURL    string
	anonKey    string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewSupabaseClient creates a new Supabase client
func NewSupabaseClient(cfg *config.Config, logger *logger.Logger) *SupabaseClient {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SupabaseClient{
		baseURL: strings.TrimRight(cfg.SupabaseURL, "/"),
		anonKey: cfg.SupabaseAnonKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.Named("supabase"),
	}
}

// ListAvailableBattles fetches waiting battles joined with their players, newest first
func (s *SupabaseClient) ListAvailableBattles(ctx context.Context) ([]*domain.Battle, error) {
	query := url.Values{}
	query.Set("select", battleSelect)
	query.Set("status", "eq."+domain.StatusWaiting)
	query.Set("order", "created_at.desc")

	var rows []domain.BattleRow
	if err := s.do(ctx, http.MethodGet, "/rest/v1/"+domain.TableBattles+"?"+query.Encode(), nil, &rows); err != nil {
		return nil, err
	}

	battles := make([]*domain.Battle, 0, len(rows))
	for i := range rows {
		battle := rows[i].ToBattle()
		if err := battle.Validate(); err != nil {
			s.logger.WithError(err).WithBattle(rows[i].ID).Warn("Skipped battle violating slot invariants")
			continue
		}
		battles = append(battles, battle)
	}

	s.logger.WithField("count", len(battles)).Debug("Fetched available battles")
	return battles, nil
}

// GetBattle fetches a single battle by id
func (s *SupabaseClient) GetBattle(ctx context.Context, battleID string) (*domain.Battle, error) {
	query := url.Values{}
	query.Set("select", battleSelect)
	query.Set("id", "eq."+battleID)
	query.Set("limit", "1")

	var rows []domain.BattleRow
	if err := s.do(ctx, http.MethodGet, "/rest/v1/"+domain.TableBattles+"?"+query.Encode(), nil, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apperrors.NewNotFoundError("Battle not found")
	}
	battle := rows[0].ToBattle()
	if err := battle.Validate(); err != nil {
		s.logger.WithError(err).WithBattle(battleID).Warn("Rejected battle violating slot invariants")
		return nil, apperrors.NewExternalError("Battle data is inconsistent", err)
	}
	return battle, nil
}

// CreateBattle calls the create_crate_battle RPC and returns the new battle id.
// An empty id is returned when the RPC answers without one.
func (s *SupabaseClient) CreateBattle(ctx context.Context, params CreateBattleParams) (string, error) {
	var raw json.RawMessage
	if err := s.do(ctx, http.MethodPost, "/rest/v1/rpc/create_crate_battle", params, &raw); err != nil {
		return "", err
	}
	return parseBattleID(raw), nil
}

// JoinBattle calls the join_crate_battle RPC. The returned battle is nil when the RPC
// answers without a battle row.
func (s *SupabaseClient) JoinBattle(ctx context.Context, battleID, userID string) (*domain.Battle, error) {
	body := map[string]interface{}{
		"p_battle_id": battleID,
		"p_user_id":   userID,
	}
	var raw json.RawMessage
	if err := s.do(ctx, http.MethodPost, "/rest/v1/rpc/join_crate_battle", body, &raw); err != nil {
		return nil, err
	}
	return s.parseBattleRow(raw), nil
}

// AddBot calls the add_bot_to_battle_slot RPC
func (s *SupabaseClient) AddBot(ctx context.Context, battleID string, slotNumber int, requesterID string) (*domain.Battle, error) {
	body := map[string]interface{}{
		"p_battle_id":    battleID,
		"p_slot_number":  slotNumber,
		"p_requester_id": requesterID,
	}
	var raw json.RawMessage
	if err := s.do(ctx, http.MethodPost, "/rest/v1/rpc/add_bot_to_battle_slot", body, &raw); err != nil {
		return nil, err
	}
	return s.parseBattleRow(raw), nil
}

// do performs one request and decodes the JSON answer into out
func (s *SupabaseClient) do(ctx context.Context, method, path string, in interface{}, out interface{}) error {
	var reqBody io.Reader
	if in != nil {
		jsonBody, err := json.Marshal(in)
		if err != nil {
			return apperrors.NewInternalError("failed to marshal request body", err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reqBody)
	if err != nil {
		return apperrors.NewInternalError("failed to create request", err)
	}

	bearer := s.anonKey
	if token := accessToken(ctx); token != "" {
		bearer = token
	}
	req.Header.Set("apikey", s.anonKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return apperrors.NewTransientError("failed to call Supabase", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.NewTransientError("failed to read Supabase response", err)
	}

	log := s.logger.WithFields(map[string]interface{}{
		"method":      method,
		"path":        strings.SplitN(path, "?", 2)[0],
		"status_code": resp.StatusCode,
		"duration":    time.Since(start).String(),
	})

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.WithField("response_body", string(body)).Warn("Supabase returned an error status")
		return classifyStatus(resp.StatusCode, body)
	}

	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		log.WithError(err).WithField("response_body", string(body)).Error("Failed to parse Supabase response")
		return apperrors.NewExternalError("failed to parse Supabase response", err)
	}

	log.Debug("Supabase request completed")
	return nil
}

// classifyStatus maps a non-2xx answer onto the client-observable error taxonomy
func classifyStatus(status int, body []byte) error {
	var pgErr postgrestError
	_ = json.Unmarshal(body, &pgErr)

	message := strings.TrimSpace(pgErr.Message)
	if message == "" {
		message = strings.TrimSpace(string(body))
	}
	cause := fmt.Errorf("Supabase returned status %d: %s", status, string(body))

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperrors.NewAuthenticationError("Please sign in to continue")
	case status == http.StatusNotFound:
		return apperrors.NewNotFoundError("Battle not found")
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return apperrors.NewTransientError("Supabase is temporarily unavailable", cause)
	case message != "":
		// RAISE EXCEPTION from the RPCs: insufficient balance, battle full, already joined
		return apperrors.NewRejectedError(message, cause)
	default:
		return apperrors.NewExternalError("unexpected Supabase response", cause)
	}
}

// parseBattleID accepts either a bare JSON string or an object with an id field
func parseBattleID(raw json.RawMessage) string {
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID       string `json:"id"`
		BattleID string `json:"battle_id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.ID != "" {
			return obj.ID
		}
		return obj.BattleID
	}
	return ""
}

// parseBattleRow decodes an RPC answer that may be a battle row, a one-row array or a bare ack.
// The action already went through, so a row breaking the slot invariants is treated as an ack.
func (s *SupabaseClient) parseBattleRow(raw json.RawMessage) *domain.Battle {
	var row domain.BattleRow
	if err := json.Unmarshal(raw, &row); err != nil || row.ID == "" {
		var rows []domain.BattleRow
		if err := json.Unmarshal(raw, &rows); err != nil || len(rows) == 0 || rows[0].ID == "" {
			return nil
		}
		row = rows[0]
	}

	battle := row.ToBattle()
	if err := battle.Validate(); err != nil {
		s.logger.WithError(err).WithBattle(row.ID).Warn("Ignored RPC answer violating slot invariants")
		return nil
	}
	return battle
}
