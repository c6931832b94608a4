package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/hzwatch/internal/change"
	"github.com/dgnsrekt/hzwatch/internal/realtime"
	"github.com/dgnsrekt/hzwatch/internal/scope"
)

// eventLine is the printed form of a change event.
type eventLine struct {
	Kind      change.Kind   `json:"kind"`
	Model     string        `json:"model"`
	Identity  string        `json:"identity"`
	Old       change.Record `json:"old,omitempty"`
	New       change.Record `json:"new,omitempty"`
	Patch     any           `json:"patch,omitempty"`
	Confirmed bool          `json:"confirmed,omitempty"`
	At        time.Time     `json:"at"`
}

func watchCmd() *cobra.Command {
	var (
		id        string
		query     []string
		processed bool
		snapshot  bool
	)

	cmd := &cobra.Command{
		Use:   "watch <model>",
		Short: "Print the changes of a collection as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := parseQuery(query)
			if err != nil {
				return err
			}
			opts := scope.Options{Query: q, ID: id, Processed: processed || !cfg.Watch.Raw}
			return runWatch(cmd.Context(), args[0], opts, snapshot)
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "watch a single document")
	cmd.Flags().StringSliceVarP(&query, "query", "q", nil, "filter as key=value (repeatable)")
	cmd.Flags().BoolVar(&processed, "processed", false, "diff full result sets client side instead of raw changes")
	cmd.Flags().BoolVar(&snapshot, "snapshot", true, "print the initial result set before the changes")
	return cmd
}

func runWatch(ctx context.Context, model string, opts scope.Options, printSnapshot bool) error {
	s := openSession(cfg, logger)
	defer s.Close()

	events := make(chan change.Event, 64)
	res, err := s.service.Watch(ctx, realtime.WatchRequest{
		Model:   model,
		Options: opts,
		Owner:   "cli",
		Subscriber: change.SubscriberFunc(func(ev change.Event) error {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
			return nil
		}),
	})
	if err != nil {
		return err
	}

	logger.Info("watching",
		zap.String("identity", res.Identity.String()),
		zap.Int("snapshot", len(res.Snapshot)),
		zap.Bool("synced", res.Synced),
	)

	if printSnapshot {
		for _, rec := range res.Snapshot {
			if err := printJSON(rec); err != nil {
				return err
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			line := eventLine{
				Kind:      ev.Kind,
				Model:     ev.Model,
				Identity:  ev.Identity.String(),
				Old:       ev.Old,
				New:       ev.New,
				Confirmed: ev.Confirmed,
				At:        ev.At,
			}
			if len(ev.Patch) > 0 {
				line.Patch = ev.Patch
			}
			if err := printJSON(line); err != nil {
				return err
			}
		}
	}
}
