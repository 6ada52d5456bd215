package reconciler

import (
	"sort"

	"battle-sync/internal/domain"
)

// Groups is the display partition of a battle's players
type Groups struct {
	Teams      bool            `json:"teams"`
	Players    []domain.Player `json:"players,omitempty"`
	Team1      []domain.Player `json:"team1,omitempty"`
	Team2      []domain.Player `json:"team2,omitempty"`
	Unassigned []domain.Player `json:"unassigned,omitempty"`
}

// IsTeamMode reports whether mode splits players into team1 and team2
func IsTeamMode(mode string) bool {
	return mode == "2v2" || mode == "3v3"
}

// GroupPlayers partitions players for display. It never assigns teams; players whose
// team is missing or unknown in a team mode land in Unassigned.
func GroupPlayers(b *domain.Battle) Groups {
	players := make([]domain.Player, len(b.Players))
	copy(players, b.Players)
	sort.SliceStable(players, func(i, j int) bool {
		return players[i].SlotNumber < players[j].SlotNumber
	})

	if !IsTeamMode(b.TeamMode) {
		return Groups{Players: players}
	}

	g := Groups{
		Teams:      true,
		Team1:      []domain.Player{},
		Team2:      []domain.Player{},
		Unassigned: []domain.Player{},
	}
	for _, p := range players {
		switch p.TeamValue() {
		case domain.Team1:
			g.Team1 = append(g.Team1, p)
		case domain.Team2:
			g.Team2 = append(g.Team2, p)
		default:
			g.Unassigned = append(g.Unassigned, p)
		}
	}
	return g
}
