// Copyright 2026 The FlowBridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package lock implements the Consumer Lock: a lease-based mutual
// exclusion primitive ensuring at most one live executor per project.
package lock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/flowbridge/bridge/internal/bridgeerr"
	"github.com/flowbridge/bridge/internal/clock"
	"github.com/flowbridge/bridge/internal/metadata"
)

// ConsumerType distinguishes where the consumer runs.
type ConsumerType string

const (
	Cloud ConsumerType = "CLOUD"
	Local ConsumerType = "LOCAL"
)

// Lock is the current state of a project's consumer lock.
type Lock struct {
	ConsumerID    string
	ConsumerType  ConsumerType
	LeaseMs       int64
	AcquiredAt    time.Time
	Runtime       map[string]any
	StopRequested bool
	StopAt        *time.Time
}

// Expired reports whether the lock's lease has elapsed as of now.
func (l Lock) Expired(now time.Time) bool {
	return now.Sub(l.AcquiredAt) >= time.Duration(l.LeaseMs)*time.Millisecond
}

// Conflict describes the current holder when acquire fails because
// the existing lock has not yet expired.
type Conflict struct {
	CurrentConsumerID string
	AcquiredAt        time.Time
	LeaseMs           int64
}

// Manager is the Lock Manager over a metadata.Store.
type Manager struct {
	store metadata.Store
	clock clock.Clock
}

// New constructs a Manager. clk is injected so lease-expiry behavior
// is deterministically testable.
func New(store metadata.Store, clk clock.Clock) *Manager {
	return &Manager{store: store, clock: clk}
}

func docPath(userID, projectID string) metadata.Path {
	return metadata.Path(fmt.Sprintf("users/%s/projects/%s/lock/current", userID, projectID))
}

const (
	maxRetries   = 3
	retryBaseMs  = 150
	retryJitter  = 100 * time.Millisecond
)

// withRetry retries fn on bridgeerr.Transient up to maxRetries times
// with linear backoff plus jitter, per the lock manager's bounded
// retry policy. Non-transient errors are returned immediately.
func withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		var transient *bridgeerr.Transient
		if !errors.As(lastErr, &transient) {
			return lastErr
		}
		if attempt == maxRetries {
			break
		}
		backoff := time.Duration(retryBaseMs*attempt)*time.Millisecond + time.Duration(rand.Int63n(int64(retryJitter)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return &bridgeerr.Fatal{Reason: "lock operation exhausted retries", Err: lastErr}
}

// Acquire attempts to take the project's consumer lock. On success,
// ok is true and lock reflects the newly written state. On conflict
// (an unexpired lock held by a different consumer), ok is false and
// conflict describes the current holder.
func (m *Manager) Acquire(ctx context.Context, userID, projectID, consumerID string, leaseMs int64, consumerType ConsumerType) (ok bool, lk *Lock, conflict *Conflict, err error) {
	path := docPath(userID, projectID)
	now := m.clock.Now()

	err = withRetry(ctx, func() error {
		return m.store.RunTransaction(ctx, func(ctx context.Context, tx metadata.Transaction) error {
			data, found, err := tx.Get(ctx, path)
			if err != nil {
				return err
			}
			if found {
				existing := decode(data)
				if !existing.Expired(now) {
					ok = false
					conflict = &Conflict{
						CurrentConsumerID: existing.ConsumerID,
						AcquiredAt:        existing.AcquiredAt,
						LeaseMs:           existing.LeaseMs,
					}
					return nil
				}
			}

			lk = &Lock{
				ConsumerID:   consumerID,
				ConsumerType: consumerType,
				LeaseMs:      leaseMs,
				AcquiredAt:   now,
				Runtime:      map[string]any{},
			}
			ok = true
			return tx.Set(ctx, path, encode(*lk))
		})
	})
	if err != nil {
		return false, nil, nil, err
	}
	return ok, lk, conflict, nil
}

// SetRuntime merges runtime into the lock document, but only if
// consumerID matches the current owner; otherwise it is a no-op.
func (m *Manager) SetRuntime(ctx context.Context, userID, projectID, consumerID string, runtime map[string]any) error {
	path := docPath(userID, projectID)
	return withRetry(ctx, func() error {
		return m.store.RunTransaction(ctx, func(ctx context.Context, tx metadata.Transaction) error {
			data, found, err := tx.Get(ctx, path)
			if err != nil {
				return err
			}
			if !found || decode(data).ConsumerID != consumerID {
				return nil
			}
			return tx.SetMerge(ctx, path, map[string]any{"runtime": runtime})
		})
	})
}

// Get returns the current lock, or nil if none exists.
func (m *Manager) Get(ctx context.Context, userID, projectID string) (*Lock, error) {
	data, found, err := m.store.Get(ctx, docPath(userID, projectID))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	lk := decode(data)
	return &lk, nil
}

// Release deletes the lock document if force is true or the stored
// consumerId matches consumerID. Idempotent: releasing an absent lock
// is not an error.
func (m *Manager) Release(ctx context.Context, userID, projectID, consumerID string, force bool) error {
	path := docPath(userID, projectID)
	return withRetry(ctx, func() error {
		return m.store.RunTransaction(ctx, func(ctx context.Context, tx metadata.Transaction) error {
			data, found, err := tx.Get(ctx, path)
			if err != nil {
				return err
			}
			if !found {
				return nil
			}
			if !force && decode(data).ConsumerID != consumerID {
				return nil
			}
			tx.Delete(ctx, path)
			return nil
		})
	})
}

// Renew refreshes acquiredAt to now, but only if consumerID matches
// the current owner. Used by the owner's heartbeat.
func (m *Manager) Renew(ctx context.Context, userID, projectID, consumerID string) error {
	path := docPath(userID, projectID)
	now := m.clock.Now()
	return withRetry(ctx, func() error {
		return m.store.RunTransaction(ctx, func(ctx context.Context, tx metadata.Transaction) error {
			data, found, err := tx.Get(ctx, path)
			if err != nil {
				return err
			}
			if !found || decode(data).ConsumerID != consumerID {
				return nil
			}
			return tx.SetMerge(ctx, path, map[string]any{"acquiredAt": metadata.Now(now)})
		})
	})
}

func encode(l Lock) map[string]any {
	data := map[string]any{
		"consumerId":    l.ConsumerID,
		"consumerType":  string(l.ConsumerType),
		"leaseMs":       l.LeaseMs,
		"acquiredAt":    metadata.Now(l.AcquiredAt),
		"runtime":       l.Runtime,
		"stopRequested": l.StopRequested,
	}
	if l.StopAt != nil {
		data["stopAt"] = metadata.Now(*l.StopAt)
	}
	return data
}

func decode(data map[string]any) Lock {
	l := Lock{
		ConsumerID:   stringField(data, "consumerId"),
		ConsumerType: ConsumerType(stringField(data, "consumerType")),
		LeaseMs:      int64Field(data, "leaseMs"),
		AcquiredAt:   timeField(data, "acquiredAt"),
	}
	if runtime, ok := data["runtime"].(map[string]any); ok {
		l.Runtime = runtime
	} else {
		l.Runtime = map[string]any{}
	}
	if stopped, ok := data["stopRequested"].(bool); ok {
		l.StopRequested = stopped
	}
	if raw := stringField(data, "stopAt"); raw != "" {
		t := timeField(data, "stopAt")
		l.StopAt = &t
	}
	return l
}

func stringField(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

func int64Field(data map[string]any, key string) int64 {
	switch v := data[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func timeField(data map[string]any, key string) time.Time {
	s := stringField(data, key)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
