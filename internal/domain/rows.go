package domain

import (
	"sort"
	"time"
)

// BattleRow is the PostgREST shape of crate_battles joined with crate_battle_players
type BattleRow struct {
	ID          string      `json:"id"`
	Status      string      `json:"status"`
	PlayerCount int         `json:"player_count"`
	GameMode    string      `json:"game_mode"`
	TeamMode    string      `json:"team_mode"`
	TotalValue  float64     `json:"total_value"`
	CreatorID   *string     `json:"creator_id"`
	Crates      []CrateRow  `json:"crates"`
	CreatedAt   time.Time   `json:"created_at"`
	Players     []PlayerRow `json:"crate_battle_players"`
}

// PlayerRow is one crate_battle_players row
type PlayerRow struct {
	BattleID   string      `json:"battle_id"`
	UserID     *string     `json:"user_id"`
	SlotNumber int         `json:"slot_number"`
	Team       *string     `json:"team"`
	IsBot      bool        `json:"is_bot"`
	BotName    *string     `json:"bot_name"`
	Profile    *ProfileRow `json:"profiles"`
}

// ProfileRow carries the denormalized display fields of a player
type ProfileRow struct {
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url"`
	Level     int    `json:"level"`
}

// CrateRow is one element of the crates jsonb column
type CrateRow struct {
	CrateID  string  `json:"crate_id"`
	Name     string  `json:"name"`
	ImageURL string  `json:"image_url"`
	Price    float64 `json:"price"`
	Quantity int     `json:"quantity"`
}

// ToBattle converts the row into a snapshot with players ordered by slot.
// gameMode and teamMode are copied verbatim.
func (r *BattleRow) ToBattle() *Battle {
	b := &Battle{
		ID:          r.ID,
		Status:      r.Status,
		PlayerCount: r.PlayerCount,
		GameMode:    r.GameMode,
		TeamMode:    r.TeamMode,
		TotalValue:  r.TotalValue,
		CreatedAt:   r.CreatedAt,
		Crates:      make([]CrateEntry, 0, len(r.Crates)),
		Players:     make([]Player, 0, len(r.Players)),
	}
	if r.CreatorID != nil {
		b.CreatorID = *r.CreatorID
	}

	for _, c := range r.Crates {
		b.Crates = append(b.Crates, CrateEntry{
			Crate:    Crate{ID: c.CrateID, Name: c.Name, ImageURL: c.ImageURL, Price: c.Price},
			Quantity: c.Quantity,
		})
	}

	for _, p := range r.Players {
		player := Player{
			UserID:     p.UserID,
			SlotNumber: p.SlotNumber,
			Team:       p.Team,
			IsBot:      p.IsBot,
		}
		if p.Profile != nil {
			player.Username = p.Profile.Username
			player.AvatarURL = p.Profile.AvatarURL
			player.Level = p.Profile.Level
		}
		if p.IsBot && p.BotName != nil {
			player.Username = *p.BotName
		}
		b.Players = append(b.Players, player)
	}
	sort.SliceStable(b.Players, func(i, j int) bool {
		return b.Players[i].SlotNumber < b.Players[j].SlotNumber
	})

	return b
}
