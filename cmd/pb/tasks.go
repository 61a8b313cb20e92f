package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"planboard/internal/app"
	"planboard/internal/domain"
	"planboard/internal/engine"
	"planboard/internal/repo"
	planboardsdk "planboard/sdk/go"
)

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks flow todo -> in-progress -> done. A task with a start or due date shows up on the calendar.",
	}
	task.AddCommand(taskListCmd())
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskPatchCmd())
	task.AddCommand(taskDeleteCmd())
	return task
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote() {
				tasks, err := newClient().AllTasks(cmd.Context(), planboardsdk.ListTasksOptions{
					SessionID: f.SessionID,
					Status:    f.Status,
					Scheduled: f.ScheduledOnly,
				})
				if err != nil {
					return err
				}
				return printTasks(tasks)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				f.UserID = currentUser()
				tasks, err := a.Engine.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				return printTasks(tasks)
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.SessionID, "session", "", "chat session filter")
	cmd.Flags().BoolVar(&f.ScheduledOnly, "scheduled", false, "only tasks with a date")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max tasks (local only)")
	return cmd
}

func taskCreateCmd() *cobra.Command {
	var in engine.TaskInput
	var start, due string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if in.StartDate, err = optionalTime(start); err != nil {
				return err
			}
			if in.DueDate, err = optionalTime(due); err != nil {
				return err
			}
			if remote() {
				tasks, err := newClient().CreateTasks(cmd.Context(), planboardsdk.TaskInput{
					ID: in.ID, Title: in.Title, Description: in.Description, Priority: in.Priority,
					Category: in.Category, Status: in.Status, StartDate: in.StartDate, DueDate: in.DueDate, IsAllDay: in.IsAllDay,
				})
				if err != nil {
					return err
				}
				return printTasks(tasks)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				tasks, err := a.Engine.CreateTasks(ctx, currentUser(), []engine.TaskInput{in})
				if err != nil {
					return err
				}
				return printTasks(tasks)
			})
		},
	}
	cmd.Flags().StringVar(&in.ID, "id", "", "task id (random UUID if omitted)")
	cmd.Flags().StringVar(&in.Title, "title", "", "title")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	cmd.Flags().StringVar(&in.Priority, "priority", "", "low, medium or high")
	cmd.Flags().StringVar(&in.Category, "category", "", "category")
	cmd.Flags().StringVar(&in.Status, "status", "", "todo, in-progress or done")
	cmd.Flags().StringVar(&start, "start", "", "start time")
	cmd.Flags().StringVar(&due, "due", "", "due time")
	cmd.Flags().BoolVar(&in.IsAllDay, "all-day", false, "all-day task")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote() {
				t, err := newClient().GetTask(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				t, err := a.Engine.GetTask(ctx, currentUser(), args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
}

func taskPatchCmd() *cobra.Command {
	var title, description, priority, category, status, start, due string
	var allDay bool
	cmd := &cobra.Command{
		Use:   "patch <id>",
		Short: "Update task fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p domain.TaskPatch
			flags := cmd.Flags()
			if flags.Changed("title") {
				p.Title = &title
			}
			if flags.Changed("description") {
				p.Description = &description
			}
			if flags.Changed("priority") {
				p.Priority = &priority
			}
			if flags.Changed("category") {
				p.Category = &category
			}
			if flags.Changed("status") {
				p.Status = &status
			}
			if flags.Changed("all-day") {
				p.IsAllDay = &allDay
			}
			var err error
			if p.StartDate, err = optionalTime(start); err != nil {
				return err
			}
			if p.DueDate, err = optionalTime(due); err != nil {
				return err
			}
			if remote() {
				t, err := newClient().PatchTask(cmd.Context(), args[0], p)
				if err != nil {
					return err
				}
				return printTasks([]domain.Task{t})
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				t, err := a.Engine.PatchTask(ctx, currentUser(), args[0], p)
				if err != nil {
					return err
				}
				return printTasks([]domain.Task{t})
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&priority, "priority", "", "low, medium or high")
	cmd.Flags().StringVar(&category, "category", "", "category")
	cmd.Flags().StringVar(&status, "status", "", "todo, in-progress or done")
	cmd.Flags().StringVar(&start, "start", "", "start time")
	cmd.Flags().StringVar(&due, "due", "", "due time")
	cmd.Flags().BoolVar(&allDay, "all-day", false, "all-day task")
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote() {
				return newClient().DeleteTask(cmd.Context(), args[0])
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				return a.Engine.DeleteTask(ctx, currentUser(), args[0])
			})
		},
	}
}

func sessionCmd() *cobra.Command {
	s := &cobra.Command{Use: "session", Short: "Inspect chat sessions"}
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List chat sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				sessions, err := a.Engine.ListSessions(ctx, currentUser(), limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sessions)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Title", "Messages", "Updated"})
				for _, s := range sessions {
					tw.AppendRow(table.Row{s.ID, s.Title, len(s.Messages), s.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "max sessions")
	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a session transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				s, err := a.Engine.GetSession(ctx, currentUser(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("%s (%s)\n\n", s.Title, s.ID)
				for _, m := range s.Messages {
					fmt.Printf("[%s] %s\n", m.Role, m.Content)
					printSuggestions(m)
					fmt.Println()
				}
				return nil
			})
		},
	}
	s.AddCommand(list, show)
	return s
}

func chatCmd() *cobra.Command {
	var sessionID string
	var files []string
	cmd := &cobra.Command{
		Use:   "chat <prompt>",
		Short: "Ask the planning assistant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				user := currentUser()
				var uploadIDs []string
				for _, f := range files {
					data, err := os.ReadFile(f)
					if err != nil {
						return err
					}
					u, err := a.Engine.StoreUpload(ctx, user, filepath.Base(f), mime.TypeByExtension(filepath.Ext(f)), data)
					if err != nil {
						return err
					}
					uploadIDs = append(uploadIDs, u.ID)
				}
				res, err := a.Engine.Chat(ctx, engine.ChatInput{UserID: user, SessionID: sessionID, Prompt: args[0], UploadIDs: uploadIDs})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("session %s, message %s\n\n%s\n", res.Session.ID, res.Reply.ID, res.Reply.Content)
				printSuggestions(res.Reply)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "continue this session")
	cmd.Flags().StringArrayVar(&files, "file", nil, "attach a file (repeatable)")
	return cmd
}

func printSuggestions(m domain.Message) {
	if len(m.Suggestions) == 0 {
		return
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"#", "Title", "Priority", "Minutes", "Start"})
	for i, s := range m.Suggestions {
		minutes := ""
		if s.Duration != nil {
			minutes = fmt.Sprint(*s.Duration)
		}
		tw.AppendRow(table.Row{i, s.Title, s.Priority, minutes, formatTime(s.StartDate)})
	}
	tw.Render()
}

func acceptCmd() *cobra.Command {
	var in engine.AcceptInput
	cmd := &cobra.Command{
		Use:   "accept",
		Short: "Create tasks from an assistant reply's suggestions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				in.UserID = currentUser()
				tasks, err := a.Engine.AcceptSuggestions(ctx, in)
				if err != nil {
					return err
				}
				return printTasks(tasks)
			})
		},
	}
	cmd.Flags().StringVar(&in.SessionID, "session", "", "session id")
	cmd.Flags().StringVar(&in.MessageID, "message", "", "assistant message id")
	cmd.Flags().IntSliceVar(&in.Indexes, "index", nil, "suggestion index (repeatable, default all)")
	cmd.Flags().BoolVar(&in.AutoSchedule, "auto-schedule", false, "place undated suggestions in the next free slots")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func slotsCmd() *cobra.Command {
	var from, to string
	var duration int
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Find free working-hour slots",
		RunE: func(cmd *cobra.Command, args []string) error {
			loc := scheduleLocation()
			start := time.Now().In(loc)
			if from != "" {
				t, err := parseWhen(from, loc)
				if err != nil {
					return err
				}
				start = t
			}
			end := start.AddDate(0, 0, 7)
			if to != "" {
				t, err := parseWhen(to, loc)
				if err != nil {
					return err
				}
				end = t
			}
			var slots []domain.FreeSlot
			if remote() {
				var err error
				if slots, err = newClient().FreeSlots(cmd.Context(), start, end, duration); err != nil {
					return err
				}
			} else {
				err := withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
					var err error
					slots, err = a.Engine.FreeSlots(ctx, currentUser(), start, end, duration)
					return err
				})
				if err != nil {
					return err
				}
			}
			if viper.GetBool("json") {
				return printJSON(slots)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"Start", "End", "Minutes"})
			for _, s := range slots {
				tw.AppendRow(table.Row{s.Start.In(loc).Format(timeLayout), s.End.In(loc).Format(timeLayout), s.DurationMinutes})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "window start (default now)")
	cmd.Flags().StringVar(&to, "to", "", "window end (default a week after start)")
	cmd.Flags().IntVar(&duration, "duration", 60, "minimum slot length in minutes")
	return cmd
}
