// Package poscache keeps unconfirmed calendar positions for a bounded
// freshness window so an edit survives a reload of the view that made it.
package poscache

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"planboard/internal/domain"
)

// Cache stores one unconfirmed position per task. Get only reports entries
// younger than the cache TTL.
type Cache interface {
	Put(ctx context.Context, taskID string, pos domain.Position) error
	Get(ctx context.Context, taskID string) (domain.Position, bool, error)
	Delete(ctx context.Context, taskID string) error
}

type entry struct {
	Position domain.Position `json:"position"`
	SavedAt  time.Time       `json:"saved_at"`
}

// Memory is a bounded in-process cache.
type Memory struct {
	entries *lru.Cache[string, entry]
	ttl     time.Duration
	Now     func() time.Time
}

func NewMemory(size int, ttl time.Duration) (*Memory, error) {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("position cache ttl must be positive")
	}
	entries, err := lru.New[string, entry](size)
	if err != nil {
		return nil, err
	}
	return &Memory{entries: entries, ttl: ttl, Now: time.Now}, nil
}

func (m *Memory) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Memory) Put(_ context.Context, taskID string, pos domain.Position) error {
	m.entries.Add(taskID, entry{Position: pos, SavedAt: m.now()})
	return nil
}

func (m *Memory) Get(_ context.Context, taskID string) (domain.Position, bool, error) {
	e, ok := m.entries.Get(taskID)
	if !ok {
		return domain.Position{}, false, nil
	}
	if m.now().Sub(e.SavedAt) >= m.ttl {
		m.entries.Remove(taskID)
		return domain.Position{}, false, nil
	}
	return e.Position, true, nil
}

func (m *Memory) Delete(_ context.Context, taskID string) error {
	m.entries.Remove(taskID)
	return nil
}

func (m *Memory) Len() int {
	return m.entries.Len()
}
