package reconciler

import (
	"sort"

	"battle-sync/internal/domain"
)

// SameListing reports whether two battle lists are materially equal. Order and cosmetic
// fields are ignored. An optimistic placeholder is never equal to a server entry with the
// same id, so the placeholder is always replaced once server truth arrives.
func SameListing(a, b []*domain.Battle) bool {
	if len(a) != len(b) {
		return false
	}

	byID := make(map[string]*domain.Battle, len(a))
	for _, battle := range a {
		byID[battle.ID] = battle
	}
	if len(byID) != len(a) {
		// duplicate ids in a; never treat as equal
		return false
	}

	for _, battle := range b {
		other, ok := byID[battle.ID]
		if !ok || !sameBattle(other, battle) {
			return false
		}
		delete(byID, battle.ID)
	}
	return len(byID) == 0
}

func sameBattle(a, b *domain.Battle) bool {
	if a.Status != b.Status ||
		a.PlayerCount != b.PlayerCount ||
		len(a.Players) != len(b.Players) ||
		a.GameMode != b.GameMode ||
		a.TeamMode != b.TeamMode ||
		a.Optimistic != b.Optimistic {
		return false
	}

	ua, ub := sortedUserIDs(a), sortedUserIDs(b)
	if len(ua) != len(ub) {
		return false
	}
	for i := range ua {
		if ua[i] != ub[i] {
			return false
		}
	}
	return true
}

// sortedUserIDs collects the user ids of human players; bots carry none
func sortedUserIDs(b *domain.Battle) []string {
	ids := make([]string, 0, len(b.Players))
	for _, p := range b.Players {
		if p.UserID != nil {
			ids = append(ids, *p.UserID)
		}
	}
	sort.Strings(ids)
	return ids
}

// dedupeByID keeps the first occurrence of every id, preserving order
func dedupeByID(battles []*domain.Battle) []*domain.Battle {
	seen := make(map[string]struct{}, len(battles))
	out := make([]*domain.Battle, 0, len(battles))
	for _, b := range battles {
		if b == nil || b.ID == "" {
			continue
		}
		if _, dup := seen[b.ID]; dup {
			continue
		}
		seen[b.ID] = struct{}{}
		out = append(out, b)
	}
	return out
}
