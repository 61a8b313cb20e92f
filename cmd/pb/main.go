package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"planboard/internal/app"
	"planboard/internal/config"
	"planboard/internal/db"
	"planboard/internal/domain"
	planboardsdk "planboard/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "pb",
	Short: "Planboard CLI",
	Long: `Planboard keeps one task list behind a calendar, a status board and a
planning assistant.
- Tasks: title, priority, category, status (todo -> in-progress -> done) and optional start/due dates.
- Calendar: scheduled tasks drawn as events; moves are shown at once and saved in the background.
- Board: tasks grouped by status; moving a task to done records when it was worked on.
- Chat: prompts to the assistant; replies may carry task suggestions you can accept.
- Slots: free working-hour intervals that avoid scheduled tasks and busy calendars.
Commands run against the local workspace unless --server points at a running API.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetString("server") != "" {
			return nil
		}
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PLANBOARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.StringP("user", "u", "local-user", "user id for local commands and dev-mode servers")
	flags.String("server", "", "API base URL; commands go through the HTTP API when set")
	flags.String("api-key", "", "API key for --server")
	flags.String("token", "", "bearer token for --server")
	for _, name := range []string{"workspace", "json", "user", "server", "api-key", "token"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(acceptCmd())
	rootCmd.AddCommand(slotsCmd())
	rootCmd.AddCommand(calendarCmd())
	rootCmd.AddCommand(boardCmd())
	rootCmd.AddCommand(apiKeyCmd())
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	return config.LoadOptional(viper.GetString("workspace"))
}

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := app.NewLogger(cfg, os.Stderr)
	if cfg.Log.Level == "" || strings.EqualFold(cfg.Log.Level, "info") {
		// Keep one-shot commands quiet unless asked.
		logger = logger.Level(zerolog.WarnLevel)
	}
	a, err := app.Open(ctx, viper.GetString("workspace"), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func remote() bool {
	return viper.GetString("server") != ""
}

func newClient() *planboardsdk.Client {
	c := planboardsdk.New(viper.GetString("server"))
	c.APIKey = viper.GetString("api-key")
	c.BearerToken = viper.GetString("token")
	c.UserID = currentUser()
	return c
}

func currentUser() string {
	return strings.TrimSpace(viper.GetString("user"))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printTasks(tasks []domain.Task) error {
	if viper.GetBool("json") {
		if tasks == nil {
			tasks = []domain.Task{}
		}
		return printJSON(tasks)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Category", "Start", "Due"})
	for _, t := range tasks {
		tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Priority, t.Category, formatTime(t.StartDate), formatTime(t.DueDate)})
	}
	tw.Render()
	return nil
}

func printEvents(events []domain.CalendarEvent) error {
	if viper.GetBool("json") {
		return printJSON(events)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Title", "Start", "End", "Status", "Sync"})
	for _, e := range events {
		tw.AppendRow(table.Row{e.ID, e.Title, e.Start.Format(timeLayout), e.End.Format(timeLayout), e.Status, e.SyncState})
	}
	tw.Render()
	return nil
}

const timeLayout = "2006-01-02 15:04"

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Local().Format(timeLayout)
}

// parseWhen accepts RFC 3339, "2006-01-02T15:04", "2006-01-02 15:04" and
// plain dates. Zone-less values are read in the configured schedule zone.
func parseWhen(value string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02T15:04", timeLayout, "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q", value)
}

func scheduleLocation() *time.Location {
	cfg, err := loadConfig()
	if err != nil {
		return time.Local
	}
	loc, err := cfg.Location()
	if err != nil {
		return time.Local
	}
	return loc
}

func optionalTime(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := parseWhen(value, scheduleLocation())
	if err != nil {
		return nil, err
	}
	return &t, nil
}
