package journal

import "errors"

var (
	ErrEntryRequired            = errors.New("journal entry is required")
	ErrRepositoryRequired       = errors.New("journal repository is required")
	ErrDispatcherRequired       = errors.New("journal dispatcher is required")
	ErrDispatcherRunning        = errors.New("journal dispatcher is already running")
	ErrEntryPayloadRequired     = errors.New("journal entry payload is required")
	ErrEntryPayloadTooLarge     = errors.New("journal entry payload exceeds maximum allowed size")
	ErrEntryPayloadNotJSON      = errors.New("journal entry payload must be valid JSON (stored as JSONB)")
	ErrHandlerRegistryRequired  = errors.New("handler registry is required")
	ErrEventTypeRequired        = errors.New("event type is required")
	ErrEntryHandlerRequired     = errors.New("entry handler is required")
	ErrHandlerAlreadyRegistered = errors.New("entry handler already registered")
	ErrHandlerNotRegistered     = errors.New("entry handler is not registered")
	ErrEntryStatusInvalid       = errors.New("invalid journal entry status")
	ErrEntryTransitionInvalid   = errors.New("invalid journal entry status transition")
)
