// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package queuesync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// EventHandler reacts to a published event. Handlers run synchronously inside
// the publishing transaction; an error rolls it back.
type EventHandler func(ctx context.Context, event Event) error

// LocalEventBus dispatches events to in-process subscribers
type LocalEventBus struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
	logger   *slog.Logger
}

// NewLocalEventBus creates an empty bus
func NewLocalEventBus(logger *slog.Logger) *LocalEventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalEventBus{handlers: make(map[string][]EventHandler), logger: logger}
}

// Subscribe registers h for events named name
func (b *LocalEventBus) Subscribe(name string, h EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// Publish implements EventBus
func (b *LocalEventBus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	handlers := b.handlers[event.Name]
	b.mu.RUnlock()

	b.logger.Debug("Publishing event",
		"event", event.Name,
		"entity", event.Action.Entity,
		"entity_id", event.Action.EntityID,
		"user_id", event.Action.UserID,
		"handlers", len(handlers))

	for i, h := range handlers {
		if err := h(ctx, event); err != nil {
			return fmt.Errorf("handler %d for %s: %w", i, event.Name, err)
		}
	}
	return nil
}
