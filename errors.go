package federation

import "errors"

var (
	ErrClosed = errors.New("federation: no store open")

	ErrObjectNotFound           = errors.New("federation: unknown object")
	ErrVersionNotFound          = errors.New("federation: unknown object version")
	ErrFederatedVersionNotFound = errors.New("federation: unknown federated object version")

	ErrConflictNotFound         = errors.New("federation: unknown object version conflict")
	ErrConflictExists           = errors.New("federation: object version conflict already exists")
	ErrConflictAlreadySolved    = errors.New("federation: object version conflict already solved")
	ErrConflictAlreadyDiscarded = errors.New("federation: object version conflict already discarded")

	// ErrVersionRejected signals an insert precondition failure; callers
	// fall back to conflict handling instead of treating it as fatal.
	ErrVersionRejected = errors.New("federation: version insert rejected")

	// ErrImportInvariant means the import context reached a state the
	// state machine cannot interpret. The whole per-object batch aborts;
	// nothing is committed.
	ErrImportInvariant = errors.New("federation: import invariant breached")

	// ErrFailedSolvingByStrategy covers both "cannot resolve yet"
	// (missing side data) and "resolution would be invalid" (schema
	// validation failure). The conflict stays open either way.
	ErrFailedSolvingByStrategy = errors.New("federation: failed solving conflict by strategy")

	ErrCyclicLocation = errors.New("federation: cyclic location assignment chain")

	ErrBadShare = errors.New("federation: malformed object share")
)
