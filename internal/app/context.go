package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"planboard/internal/blob"
	"planboard/internal/config"
	"planboard/internal/db"
	"planboard/internal/engine"
	"planboard/internal/gcal"
	"planboard/internal/llm"
	"planboard/internal/metrics"
	"planboard/internal/migrate"
	"planboard/internal/notify"
	"planboard/internal/poscache"
	"planboard/internal/schedule"
)

// Context holds the wired service components for one workspace.
type Context struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    engine.Engine
	Hub       *notify.Hub
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger

	closers []io.Closer
}

// NewLogger builds the process logger from the log section.
func NewLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stderr
	}
	level := zerolog.InfoLevel
	if cfg != nil && cfg.Log.Level != "" {
		if l, err := zerolog.ParseLevel(strings.ToLower(cfg.Log.Level)); err == nil {
			level = l
		}
	}
	if cfg != nil && strings.EqualFold(cfg.Log.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Open opens the workspace database, applies migrations and wires every
// backend selected by cfg.
func Open(ctx context.Context, workspace string, cfg *config.Config, logger zerolog.Logger) (*Context, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a := &Context{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Hub:       notify.NewHub(),
		Metrics:   metrics.New(),
		Logger:    logger,
	}
	a.Hub.OnDrop = func(string, notify.Message) { a.Metrics.Dropped() }

	eng := engine.New(conn, cfg)
	eng.Logger = logger.With().Str("component", "engine").Logger()
	eng.Metrics = a.Metrics
	if eng.Cache, err = a.openCache(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if eng.LLM, err = a.openProvider(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if eng.Blobs, err = a.openBlobs(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if eng.Busy, err = a.openCalendars(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.Engine = eng
	return a, nil
}

func (a *Context) openCache(ctx context.Context) (poscache.Cache, error) {
	c := a.Config.Cache
	switch c.Backend {
	case "redis":
		r, err := poscache.NewRedis(ctx, poscache.RedisConfig{
			Addr:     c.Redis.Addr,
			Password: envValue(c.Redis.PasswordEnv),
			DB:       c.Redis.DB,
			Prefix:   c.Redis.Prefix,
			TTL:      c.TTL,
		})
		if err != nil {
			return nil, fmt.Errorf("position cache: %w", err)
		}
		a.closers = append(a.closers, r)
		return r, nil
	default:
		return poscache.NewMemory(c.Size, c.TTL)
	}
}

func (a *Context) openProvider(ctx context.Context) (llm.Provider, error) {
	c := a.Config.LLM
	if c.Provider != "bedrock" {
		return llm.Disabled{}, nil
	}
	b, err := llm.NewBedrock(ctx, llm.BedrockConfig{
		Region:      c.Region,
		ModelID:     c.ModelID,
		MaxTokens:   c.MaxTokens,
		Temperature: c.Temperature,
		Timeout:     c.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}
	return llm.NewGuard(b, llm.GuardConfig{
		RPS:          c.RateLimit.RPS,
		Burst:        c.RateLimit.Burst,
		MaxRequests:  c.Breaker.MaxRequests,
		Interval:     c.Breaker.Interval,
		Timeout:      c.Breaker.Timeout,
		FailureRatio: c.Breaker.FailureRatio,
	}, a.Logger), nil
}

func (a *Context) openBlobs(ctx context.Context) (blob.Store, error) {
	c := a.Config.Uploads
	if c.Backend == "s3" {
		return blob.NewS3(ctx, blob.S3Config{Bucket: c.S3.Bucket, Region: c.S3.Region, Prefix: c.S3.Prefix})
	}
	dir := c.Dir
	if dir == "" {
		dir = filepath.Join(".planboard", "uploads")
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(workspaceDir(a.Workspace), dir)
	}
	return blob.NewLocal(dir)
}

func (a *Context) openCalendars(ctx context.Context) ([]schedule.BusySource, error) {
	g := a.Config.Calendar.Google
	if !g.Enabled {
		return nil, nil
	}
	src, err := gcal.New(ctx, gcal.Config{
		CalendarIDs:     g.CalendarIDs,
		CredentialsFile: g.CredentialsFile,
		AccessToken:     envValue(g.AccessTokenEnv),
	})
	if err != nil {
		return nil, fmt.Errorf("google calendar: %w", err)
	}
	return []schedule.BusySource{src}, nil
}

// Close releases the database and any backend connections.
func (a *Context) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}

func envValue(name string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}

func workspaceDir(ws string) string {
	if ws == "" {
		return "."
	}
	return ws
}
