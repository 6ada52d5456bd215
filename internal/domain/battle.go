package domain

import (
	"fmt"
	"time"
)

// Battle statuses as reported by the server. Unknown values are passed through untouched.
const (
	StatusWaiting  = "waiting"
	StatusRolling  = "rolling"
	StatusFinished = "finished"
)

// Team keys used by team modes
const (
	Team1 = "team1"
	Team2 = "team2"
)

// Battle is the last known server snapshot of one crate battle
type Battle struct {
	ID          string       `json:"id"`
	Status      string       `json:"status"`
	PlayerCount int          `json:"player_count"`
	GameMode    string       `json:"game_mode"`
	TeamMode    string       `json:"team_mode"`
	TotalValue  float64      `json:"total_value"`
	CreatorID   string       `json:"creator_id,omitempty"`
	Crates      []CrateEntry `json:"crates"`
	Players     []Player     `json:"players"`
	CreatedAt   time.Time    `json:"created_at"`

	// Optimistic is set only on locally synthesized entries awaiting server truth.
	Optimistic bool `json:"optimistic,omitempty"`
}

// Player is one occupied or bot-filled slot
type Player struct {
	UserID     *string `json:"user_id"`
	SlotNumber int     `json:"slot_number"`
	Team       *string `json:"team"`
	IsBot      bool    `json:"is_bot"`
	Username   string  `json:"username,omitempty"`
	AvatarURL  string  `json:"avatar_url,omitempty"`
	Level      int     `json:"level,omitempty"`
}

// Crate is display-only crate metadata
type Crate struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	ImageURL string  `json:"image_url,omitempty"`
	Price    float64 `json:"price"`
}

// CrateEntry pairs a crate with how many times it is opened in the battle
type CrateEntry struct {
	Crate    Crate `json:"crate"`
	Quantity int   `json:"quantity"`
}

// UserIDValue returns the player's user id or "" for bots
func (p Player) UserIDValue() string {
	if p.UserID == nil {
		return ""
	}
	return *p.UserID
}

// TeamValue returns the player's team or "" when unassigned
func (p Player) TeamValue() string {
	if p.Team == nil {
		return ""
	}
	return *p.Team
}

// Validate checks the slot invariants of a snapshot
func (b *Battle) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("battle has no id")
	}
	if len(b.Players) > b.PlayerCount {
		return fmt.Errorf("battle %s has %d players for %d slots", b.ID, len(b.Players), b.PlayerCount)
	}
	seen := make(map[int]struct{}, len(b.Players))
	for _, p := range b.Players {
		if p.SlotNumber < 1 || p.SlotNumber > b.PlayerCount {
			return fmt.Errorf("battle %s has slot %d outside 1..%d", b.ID, p.SlotNumber, b.PlayerCount)
		}
		if _, dup := seen[p.SlotNumber]; dup {
			return fmt.Errorf("battle %s has duplicate slot %d", b.ID, p.SlotNumber)
		}
		seen[p.SlotNumber] = struct{}{}
	}
	return nil
}

// IsStale reports whether the battle was created before now-window
func (b *Battle) IsStale(now time.Time, window time.Duration) bool {
	return b.CreatedAt.Before(now.Add(-window))
}

// OpenSlots returns the unoccupied slot numbers in ascending order
func (b *Battle) OpenSlots() []int {
	taken := make(map[int]struct{}, len(b.Players))
	for _, p := range b.Players {
		taken[p.SlotNumber] = struct{}{}
	}
	open := make([]int, 0, max(0, b.PlayerCount-len(b.Players)))
	for slot := 1; slot <= b.PlayerCount; slot++ {
		if _, ok := taken[slot]; !ok {
			open = append(open, slot)
		}
	}
	return open
}

// HasUser reports whether the given user occupies a slot
func (b *Battle) HasUser(userID string) bool {
	for _, p := range b.Players {
		if p.UserID != nil && *p.UserID == userID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so readers never share mutable slices with the reconciler
func (b *Battle) Clone() *Battle {
	if b == nil {
		return nil
	}
	out := *b
	out.Crates = append([]CrateEntry(nil), b.Crates...)
	out.Players = make([]Player, len(b.Players))
	for i, p := range b.Players {
		out.Players[i] = p
		if p.UserID != nil {
			id := *p.UserID
			out.Players[i].UserID = &id
		}
		if p.Team != nil {
			team := *p.Team
			out.Players[i].Team = &team
		}
	}
	return &out
}
