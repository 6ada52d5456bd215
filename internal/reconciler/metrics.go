package reconciler

import (
	"context"
	"time"

	"battle-sync/internal/domain"
)

// Scopes reported to Metrics
const (
	ScopeList   = "list"
	ScopeBattle = "battle"
)

// Metrics receives reconciler measurements. Implementations must be safe for concurrent use.
type Metrics interface {
	RefreshSucceeded(scope string, duration time.Duration, changed bool)
	RefreshFailed(scope string)
	RefreshDropped(scope string)
	RealtimeEvent(table string)
	Transition(kind domain.Transition)
	VisibleBattles(count int)
}

// Notifier delivers recoverable, user-facing notifications
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification)
}

type nopMetrics struct{}

func (nopMetrics) RefreshSucceeded(string, time.Duration, bool) {}
func (nopMetrics) RefreshFailed(string)                         {}
func (nopMetrics) RefreshDropped(string)                        {}
func (nopMetrics) RealtimeEvent(string)                         {}
func (nopMetrics) Transition(domain.Transition)                 {}
func (nopMetrics) VisibleBattles(int)                           {}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, domain.Notification) {}
