package relational

import (
	registrystore "github.com/chirino/conversation-store/internal/registry/store"
)

// Shorthand aliases for the registry error types.
type (
	NotFoundError   = registrystore.NotFoundError
	ForbiddenError  = registrystore.ForbiddenError
	ValidationError = registrystore.ValidationError
	ConflictError   = registrystore.ConflictError
)
