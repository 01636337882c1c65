package domain

import "errors"

// Sentinel errors shared by services and repositories. The API layer maps
// them onto HTTP status codes; services wrap them with context via
// fmt.Errorf("...: %w", err).
var (
	// ErrNotFound means the referenced entity does not exist or is not
	// visible to the caller.
	ErrNotFound = errors.New("not found")

	// ErrConflict means a uniqueness constraint was violated (domain name,
	// endpoint name per user, email address, idempotency key).
	ErrConflict = errors.New("already exists")

	// ErrForbidden means the caller does not own the referenced entity or
	// failed an ownership gate (e.g. sending from an unverified domain).
	ErrForbidden = errors.New("forbidden")

	// ErrQuotaExceeded means the entitlement service refused the operation.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrDependencyBusy means a delete was refused because other rows still
	// reference the entity.
	ErrDependencyBusy = errors.New("entity is still referenced")

	// ErrInvalid means a request field failed validation.
	ErrInvalid = errors.New("invalid input")
)
