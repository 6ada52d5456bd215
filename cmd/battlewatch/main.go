package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"battle-sync/internal/config"
	"battle-sync/internal/domain"
	"battle-sync/internal/notify"
	"battle-sync/internal/realtime"
	"battle-sync/internal/reconciler"
	"battle-sync/internal/service"
	"battle-sync/pkg/logger"
)

func main() {
	battleID := flag.String("battle", "", "battle id to follow")
	asJSON := flag.Bool("json", false, "print events as JSON lines")
	flag.Parse()

	if *battleID == "" {
		fmt.Fprintln(os.Stderr, "Usage: battlewatch -battle <id> [-json]")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// only warnings, so the watch output stays readable
	log, err := logger.New("warn")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *battleID, *asJSON, os.Stdout, log); err != nil {
		fmt.Fprintf(os.Stderr, "battlewatch: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, battleID string, asJSON bool, out io.Writer, log *logger.Logger) error {
	api := service.NewSupabaseClient(cfg, log)
	watcher := reconciler.NewWatcher(battleID, api, log, reconciler.WatcherOptions{
		PollInterval:   cfg.PollInterval,
		RefreshTimeout: cfg.HTTPTimeout,
		Notifier:       notify.NewLogNotifier(log),
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	printer := &printer{out: out, json: asJSON}
	unsubscribe := watcher.OnTransition(func(ev domain.TransitionEvent) {
		printer.transition(ev)
		if ev.Kind == domain.EnteredFinished {
			cancel()
		}
	})
	defer unsubscribe()

	if err := watcher.Refresh(ctx); err != nil {
		return err
	}
	if state, ok := watcher.State(); ok {
		printer.state(state)
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.RealtimeEnabled {
		client, err := realtime.NewClient(cfg.RealtimeURL(), realtime.Options{APIKey: cfg.SupabaseAnonKey}, log)
		if err != nil {
			return err
		}
		leave, err := client.SubscribeBattle(battleID, watcher.OnRealtimeEvent)
		if err != nil {
			return err
		}
		defer leave()
		g.Go(func() error { return client.Run(gctx) })
	}

	if err := watcher.Start(gctx); err != nil {
		return err
	}
	g.Go(func() error {
		<-gctx.Done()
		return watcher.Stop()
	})

	return g.Wait()
}

type printer struct {
	out  io.Writer
	json bool
}

func (p *printer) state(state reconciler.BattleState) {
	if p.json {
		p.line(map[string]interface{}{"event": "state", "state": state})
		return
	}

	b := state.Battle
	fmt.Fprintf(p.out, "battle %s  status=%s  mode=%s/%s  players=%d/%d  value=%.2f\n",
		b.ID, b.Status, b.GameMode, b.TeamMode, len(b.Players), b.PlayerCount, b.TotalValue)
	if state.Groups.Teams {
		fmt.Fprintf(p.out, "  team1: %s\n", names(state.Groups.Team1))
		fmt.Fprintf(p.out, "  team2: %s\n", names(state.Groups.Team2))
		if len(state.Groups.Unassigned) > 0 {
			fmt.Fprintf(p.out, "  unassigned: %s\n", names(state.Groups.Unassigned))
		}
	} else {
		fmt.Fprintf(p.out, "  players: %s\n", names(state.Groups.Players))
	}
	if state.NeedsMorePlayers {
		fmt.Fprintf(p.out, "  waiting for players, open slots %v\n", state.OpenSlots)
	}
}

func (p *printer) transition(ev domain.TransitionEvent) {
	if p.json {
		p.line(map[string]interface{}{"event": ev.Kind, "battle_id": ev.BattleID, "at": ev.At})
		return
	}
	fmt.Fprintf(p.out, "%s  %s  %s\n", ev.At.Format(time.TimeOnly), ev.BattleID, strings.ReplaceAll(string(ev.Kind), "_", " "))
}

func (p *printer) line(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintln(p.out, string(data))
}

func names(players []domain.Player) string {
	if len(players) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(players))
	for _, player := range players {
		name := player.Username
		switch {
		case player.IsBot:
			name = "bot"
		case name == "":
			name = player.UserIDValue()
		}
		parts = append(parts, fmt.Sprintf("%d:%s", player.SlotNumber, name))
	}
	return strings.Join(parts, " ")
}
