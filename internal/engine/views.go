package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"

	"planboard/internal/domain"
	"planboard/internal/reconcile"
	"planboard/internal/repo"
	"planboard/internal/retry"
)

// UserStore scopes the engine to one user for the reconciler.
type UserStore struct {
	Engine Engine
	UserID string
}

func (s UserStore) ListTasks(ctx context.Context) ([]domain.Task, error) {
	return s.Engine.ListTasks(ctx, repo.TaskFilters{UserID: s.UserID})
}

func (s UserStore) PatchTask(ctx context.Context, taskID string, patch domain.TaskPatch) (domain.Task, error) {
	return s.Engine.PatchTask(ctx, s.UserID, taskID, patch)
}

// RetryPolicy builds the reconciler write policy from reconcile settings.
func (e Engine) RetryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	if e.Config == nil {
		return p
	}
	rc := e.Config.Reconcile
	if rc.MaxAttempts > 0 {
		p.MaxAttempts = rc.MaxAttempts
	}
	if rc.InitialBackoff > 0 {
		p.InitialInterval = rc.InitialBackoff
	}
	if rc.MaxBackoff > 0 {
		p.MaxInterval = rc.MaxBackoff
	}
	if rc.Multiplier >= 1 {
		p.Multiplier = rc.Multiplier
	}
	return p
}

// NewView returns a reconciler for userID backed by this engine.
func (e Engine) NewView(userID string, n reconcile.Notifier) (*reconcile.Reconciler, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	resume := true
	if e.Config != nil {
		resume = e.Config.Reconcile.ResumePending
	}
	return reconcile.New(reconcile.Options{
		UserID:          userID,
		Store:           UserStore{Engine: e, UserID: userID},
		Cache:           e.Cache,
		Notifier:        n,
		Policy:          e.RetryPolicy(),
		DefaultDuration: e.defaultDuration(),
		ResumePending:   resume,
		IsPermanent:     IsPermanent,
		Metrics:         e.Metrics,
		Logger:          e.Logger,
		Now:             e.Now,
	})
}

// CreateAPIKey mints a key for userID. The plain key is returned once and
// only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, userID, name string) (domain.APIKey, string, error) {
	if err := requireUser(userID); err != nil {
		return domain.APIKey{}, "", err
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	secret := "pb_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.stamp(),
	}
	if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, userID string) ([]domain.APIKey, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	return e.Repo.ListAPIKeys(ctx, userID)
}

func (e Engine) DeleteAPIKey(ctx context.Context, userID, id string) error {
	if err := requireUser(userID); err != nil {
		return err
	}
	return e.Repo.DeleteAPIKey(ctx, userID, id)
}
