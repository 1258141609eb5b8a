package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"sync"
	"syscall"

	"github.com/aristath/fleet/internal/clients/plsync"
	"github.com/aristath/fleet/internal/domain"
	"github.com/spf13/cobra"
)

func newWatchCmd(global *globalOptions) *cobra.Command {
	var url string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the live P&L push channel",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sc := global.cfg.Sync
			if url != "" {
				sc.URL = url
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			w := newWatcher(cmd.OutOrStdout())
			client := plsync.NewClient(plsync.Options{
				URL:                   sc.URL,
				HeartbeatInterval:     sc.HeartbeatInterval,
				BaseReconnectInterval: sc.BaseReconnectInterval,
				MaxReconnectInterval:  sc.MaxReconnectInterval,
				MaxReconnectAttempts:  sc.MaxReconnectAttempts,
				Jitter:                sc.ReconnectJitter,
				OnUpdate:              w.update,
				OnStateChange:         w.state,
			}, w.store, global.log)

			return runWatch(ctx, client, w.exhausted)
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "push channel URL (default $SYNC_URL)")
	return cmd
}

type syncClient interface {
	Connect(ctx context.Context) error
	Disconnect()
}

// runWatch keeps the client connected until ctx ends or reconnects run out
func runWatch(ctx context.Context, client syncClient, exhausted <-chan struct{}) error {
	// A failed first dial schedules its own reconnect
	_ = client.Connect(ctx)
	defer client.Disconnect()

	select {
	case <-ctx.Done():
		return nil
	case <-exhausted:
		return domain.ErrReconnectExhausted
	}
}

// watcher prints state transitions and merged updates
type watcher struct {
	mu        sync.Mutex
	out       io.Writer
	store     *plsync.Store
	totals    func() plsync.Totals
	exhausted chan struct{}
	once      sync.Once
}

func newWatcher(out io.Writer) *watcher {
	store := plsync.NewStore()
	return &watcher{out: out, store: store, totals: store.Totals, exhausted: make(chan struct{})}
}

func (w *watcher) state(s domain.ConnectionState) {
	w.mu.Lock()
	defer w.mu.Unlock()

	line := fmt.Sprintf("[%s] attempts=%d", s.Status, s.ReconnectAttempts)
	if msg := s.LastErrorMessage(); msg != "" {
		line += " error=" + msg
	}
	fmt.Fprintln(w.out, line)

	if errors.Is(s.LastError, domain.ErrReconnectExhausted) {
		w.once.Do(func() { close(w.exhausted) })
	}
}

func (w *watcher) update(u domain.PLUpdate) {
	w.mu.Lock()
	defer w.mu.Unlock()

	fmt.Fprintf(w.out, "%s  %-12s pl=%10.2f  change=%+9.2f (%+.2f%%)\n",
		u.Timestamp.Format("15:04:05"), u.AccountID, u.CurrentPL, u.Change, u.PercentageChange)
	if w.totals != nil {
		t := w.totals()
		fmt.Fprintf(w.out, "          %-12s pl=%10.2f  day=%+9.2f  value=%.2f  accounts=%d\n",
			"TOTAL", t.CurrentPL, t.DayPL, t.PortfolioValue, t.Accounts)
	}
}
