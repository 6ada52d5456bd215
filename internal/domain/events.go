package domain

import (
	"encoding/json"
	"time"
)

// Tables watched on the realtime feed
const (
	TableBattles       = "crate_battles"
	TableBattlePlayers = "crate_battle_players"
)

// RowChange is a raw realtime notification. Record may be partial and is never applied as state.
type RowChange struct {
	Table     string                 `json:"table"`
	Type      string                 `json:"type"` // INSERT, UPDATE, DELETE
	Record    map[string]interface{} `json:"record,omitempty"`
	OldRecord map[string]interface{} `json:"old_record,omitempty"`
	Raw       json.RawMessage        `json:"-"`
}

// BattleID extracts the battle id the change concerns, if it can be found
func (c RowChange) BattleID() (string, bool) {
	key := "id"
	if c.Table == TableBattlePlayers {
		key = "battle_id"
	}
	for _, rec := range []map[string]interface{}{c.Record, c.OldRecord} {
		if rec == nil {
			continue
		}
		if id, ok := rec[key].(string); ok && id != "" {
			return id, true
		}
	}
	return "", false
}

// Transition kinds emitted by the single-battle reconciler
type Transition string

const (
	EnteredRolling  Transition = "entered_rolling"
	EnteredFinished Transition = "entered_finished"
)

// TransitionEvent is delivered to transition subscribers
type TransitionEvent struct {
	Kind     Transition `json:"kind"`
	BattleID string     `json:"battle_id"`
	Battle   *Battle    `json:"battle"`
	At       time.Time  `json:"at"`
}

// Notification kinds
const (
	NotifyRefreshFailed       = "refresh_failed"
	NotifyBattleRefreshFailed = "battle_refresh_failed"
	NotifyActionRejected      = "action_rejected"
	NotifySignInRequired      = "sign_in_required"
)

// Notification is a recoverable, user-facing message
type Notification struct {
	Kind     string    `json:"kind"`
	Message  string    `json:"message"`
	BattleID string    `json:"battle_id,omitempty"`
	UserID   string    `json:"user_id,omitempty"`
	At       time.Time `json:"at"`
}

// AuthUser is the signed-in user resolved from a Supabase access token
type AuthUser struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// CreateBattleRequest is the payload of a create action
type CreateBattleRequest struct {
	PlayerCount int          `json:"player_count"`
	GameMode    string       `json:"game_mode"`
	TeamMode    string       `json:"team_mode"`
	Crates      []CrateEntry `json:"crates"`

	// IdempotencyKey deduplicates retried submissions; taken from the Idempotency-Key header
	IdempotencyKey string `json:"-"`
}

// AddBotRequest is the payload of an add-bot action
type AddBotRequest struct {
	SlotNumber int `json:"slot_number"`
}
