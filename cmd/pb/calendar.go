package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"planboard/internal/app"
	"planboard/internal/board"
	"planboard/internal/domain"
	"planboard/internal/notify"
	"planboard/internal/poscache"
	"planboard/internal/reconcile"
	planboardsdk "planboard/sdk/go"
)

// stderrNotifier prints revert notices for one-shot commands.
type stderrNotifier struct{}

func (stderrNotifier) Notify(n notify.Notice) {
	fmt.Fprintln(os.Stderr, "notice:", n.Message)
}

func (stderrNotifier) Refresh(notify.Signal) {}

// withView runs fn against a loaded calendar view and waits for its writes.
// With --server the view persists through the API client.
func withView(ctx context.Context, fn func(context.Context, *reconcile.Reconciler, *board.Board) error) error {
	run := func(rec *reconcile.Reconciler, b *board.Board) error {
		defer rec.Close(context.WithoutCancel(ctx))
		if _, err := rec.Load(ctx, reconcile.Window{}); err != nil {
			return err
		}
		if err := fn(ctx, rec, b); err != nil {
			return err
		}
		rec.Wait()
		return nil
	}
	if remote() {
		cache, err := poscache.NewMemory(256, 10*time.Minute)
		if err != nil {
			return err
		}
		logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.WarnLevel)
		rec, err := reconcile.New(reconcile.Options{
			UserID:      currentUser(),
			Store:       planboardsdk.TaskStore{Client: newClient()},
			Cache:       cache,
			Notifier:    stderrNotifier{},
			IsPermanent: planboardsdk.IsPermanent,
			Logger:      logger,
		})
		if err != nil {
			return err
		}
		return run(rec, board.New(rec, cache, logger))
	}
	return withApp(ctx, func(ctx context.Context, a *app.Context) error {
		rec, err := a.Engine.NewView(currentUser(), stderrNotifier{})
		if err != nil {
			return err
		}
		return run(rec, board.New(rec, a.Engine.Cache, a.Logger))
	})
}

func printSync(rec *reconcile.Reconciler, taskID string) error {
	state, _ := rec.State(taskID)
	ev, ok := rec.Snapshot(taskID)
	if viper.GetBool("json") {
		out := map[string]any{"task_id": taskID, "sync_state": state}
		if ok {
			out["event"] = ev
		}
		return printJSON(out)
	}
	if !ok {
		fmt.Printf("%s: %s\n", taskID, state)
		return nil
	}
	fmt.Printf("%s: %s %s -> %s (%s)\n", taskID, ev.Title, ev.Start.Format(timeLayout), ev.End.Format(timeLayout), state)
	return nil
}

func calendarCmd() *cobra.Command {
	cal := &cobra.Command{
		Use:   "calendar",
		Short: "View and rearrange scheduled tasks",
	}

	var from, to string
	list := &cobra.Command{
		Use:   "list",
		Short: "List calendar events",
		RunE: func(cmd *cobra.Command, args []string) error {
			loc := scheduleLocation()
			var window reconcile.Window
			if from != "" {
				t, err := parseWhen(from, loc)
				if err != nil {
					return err
				}
				window.Start = t
			}
			if to != "" {
				t, err := parseWhen(to, loc)
				if err != nil {
					return err
				}
				window.End = t
			}
			return withView(cmd.Context(), func(ctx context.Context, rec *reconcile.Reconciler, _ *board.Board) error {
				events, err := rec.Load(ctx, window)
				if err != nil {
					return err
				}
				return printEvents(events)
			})
		},
	}
	list.Flags().StringVar(&from, "from", "", "window start")
	list.Flags().StringVar(&to, "to", "", "window end")

	var start, end string
	var allDay bool
	move := &cobra.Command{
		Use:   "move <task-id>",
		Short: "Move a task to a new time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc := scheduleLocation()
			s, err := parseWhen(start, loc)
			if err != nil {
				return err
			}
			e, err := parseWhen(end, loc)
			if err != nil {
				return err
			}
			pos := domain.Position{Start: s, End: e, AllDay: allDay}
			return withView(cmd.Context(), func(ctx context.Context, rec *reconcile.Reconciler, _ *board.Board) error {
				if err := rec.Move(ctx, args[0], pos); err != nil {
					return err
				}
				rec.Wait()
				return printSync(rec, args[0])
			})
		},
	}
	move.Flags().StringVar(&start, "start", "", "new start")
	move.Flags().StringVar(&end, "end", "", "new end")
	move.Flags().BoolVar(&allDay, "all-day", false, "all-day event")
	_ = move.MarkFlagRequired("start")
	_ = move.MarkFlagRequired("end")

	var newEnd string
	resize := &cobra.Command{
		Use:   "resize <task-id>",
		Short: "Change when a task ends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := parseWhen(newEnd, scheduleLocation())
			if err != nil {
				return err
			}
			return withView(cmd.Context(), func(ctx context.Context, rec *reconcile.Reconciler, _ *board.Board) error {
				if err := rec.Resize(ctx, args[0], e); err != nil {
					return err
				}
				rec.Wait()
				return printSync(rec, args[0])
			})
		},
	}
	resize.Flags().StringVar(&newEnd, "end", "", "new end")
	_ = resize.MarkFlagRequired("end")

	cal.AddCommand(list, move, resize)
	return cal
}

func boardCmd() *cobra.Command {
	b := &cobra.Command{Use: "board", Short: "Status board"}

	show := &cobra.Command{
		Use:   "show",
		Short: "Show tasks by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withView(cmd.Context(), func(ctx context.Context, _ *reconcile.Reconciler, bd *board.Board) error {
				cols := bd.Columns()
				if viper.GetBool("json") {
					return printJSON(cols)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Status", "ID", "Title", "Priority"})
				for _, c := range cols {
					for _, t := range c.Tasks {
						tw.AppendRow(table.Row{c.Status, t.ID, t.Title, t.Priority})
					}
				}
				tw.Render()
				return nil
			})
		},
	}

	var status, start, end string
	move := &cobra.Command{
		Use:   "move <task-id>",
		Short: "Move a task to another column",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var completion *domain.Position
			if start != "" || end != "" {
				loc := scheduleLocation()
				s, err := parseWhen(start, loc)
				if err != nil {
					return err
				}
				e, err := parseWhen(end, loc)
				if err != nil {
					return err
				}
				completion = &domain.Position{Start: s, End: e}
			}
			return withView(cmd.Context(), func(ctx context.Context, rec *reconcile.Reconciler, bd *board.Board) error {
				if err := bd.Move(ctx, args[0], status, completion); err != nil {
					return err
				}
				rec.Wait()
				return printSync(rec, args[0])
			})
		},
	}
	move.Flags().StringVar(&status, "to", "", "todo, in-progress or done")
	move.Flags().StringVar(&start, "worked-from", "", "when work started (done only)")
	move.Flags().StringVar(&end, "worked-until", "", "when work ended (done only)")
	_ = move.MarkFlagRequired("to")

	b.AddCommand(show, move)
	return b
}
