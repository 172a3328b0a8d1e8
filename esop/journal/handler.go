package journal

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// EntryHandler handles one journal entry, typically by publishing it.
type EntryHandler func(ctx context.Context, entry *Entry) error

// HandlerRegistry stores entry handlers by event type.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]EntryHandler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: map[string]EntryHandler{}}
}

func (registry *HandlerRegistry) Register(eventType string, handler EntryHandler) error {
	if registry == nil {
		return ErrHandlerRegistryRequired
	}

	normalizedType := strings.TrimSpace(eventType)
	if normalizedType == "" {
		return ErrEventTypeRequired
	}

	if handler == nil {
		return ErrEntryHandlerRequired
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if registry.handlers == nil {
		registry.handlers = make(map[string]EntryHandler)
	}

	if _, exists := registry.handlers[normalizedType]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerAlreadyRegistered, normalizedType)
	}

	registry.handlers[normalizedType] = handler

	return nil
}

func (registry *HandlerRegistry) Handle(ctx context.Context, entry *Entry) error {
	if registry == nil {
		return ErrHandlerRegistryRequired
	}

	if entry == nil {
		return ErrEntryRequired
	}

	eventType := strings.TrimSpace(entry.EventType)
	if eventType == "" {
		return ErrEventTypeRequired
	}

	registry.mu.RLock()
	handler, ok := registry.handlers[eventType]
	registry.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrHandlerNotRegistered, eventType)
	}

	return handler(ctx, entry)
}
